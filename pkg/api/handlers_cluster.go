package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"floodworker/pkg/coordination"
)

// DefaultElectionName is the campaign the janitor runs for.
const DefaultElectionName = "floodworker-janitor"

// --- Cluster Handlers ---

// listNodes handles GET /api/v1/cluster/nodes
func (s *Server) listNodes(c *gin.Context) {
	nodes, err := s.cfg.Coordinator.GetActiveNodes(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get nodes: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// getLeader handles GET /api/v1/cluster/leader
func (s *Server) getLeader(c *gin.Context) {
	name := s.cfg.ElectionName
	if name == "" {
		name = DefaultElectionName
	}

	leader, err := s.cfg.Coordinator.NewElection(name).Leader(c.Request.Context())
	if errors.Is(err, coordination.ErrNoLeader) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no leader elected", "election": name})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get leader: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"leader":   leader,
		"election": name,
	})
}
