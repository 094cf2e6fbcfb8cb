package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"floodworker/pkg/models"
	"floodworker/pkg/storage"
)

// Store persists runs and simulation history through GORM. Postgres is the
// production backend; SQLite serves single-node installs and tests.
type Store struct {
	db *gorm.DB
}

// NewPostgresStore initializes a GORM connection and migrates the schema.
func NewPostgresStore(connString string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(connString), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return migrate(db)
}

// NewSQLiteStore opens (or creates) a SQLite database at path. ":memory:"
// gives a private in-memory database.
func NewSQLiteStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// pointing at one database.
	sqlDB.SetMaxOpenConns(1)

	return migrate(db)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}
}

func migrate(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&models.Run{}, &models.SimulationHistory{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- RunStore ---

func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	if run.Status == "" {
		run.Status = models.RunPending
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	var run models.Run
	result := s.db.WithContext(ctx).First(&run, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", result.Error)
	}
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	var runs []models.Run
	result := s.db.WithContext(ctx).
		Omit("hydrograph", "tide").
		Order("submitted_at desc").
		Limit(limit).
		Find(&runs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list runs: %w", result.Error)
	}
	return runs, nil
}

func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, nodeID string, startedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Run{}).
		Where("id = ? AND status = ?", id, models.RunPending).
		Updates(map[string]interface{}{
			"status":     models.RunRunning,
			"node_id":    nodeID,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update run state: %w", result.Error)
	}
	return s.checkTransition(ctx, id, result.RowsAffected)
}

func (s *Store) Complete(ctx context.Context, id uuid.UUID, outcome storage.RunOutcome) error {
	result := s.db.WithContext(ctx).
		Model(&models.Run{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        outcome.Status,
			"error_kind":    outcome.ErrorKind,
			"message":       outcome.Message,
			"detail":        outcome.Detail,
			"artifact_name": outcome.ArtifactName,
			"artifact_uri":  outcome.ArtifactURI,
			"exit_code":     outcome.ExitCode,
			"completed_at":  time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update result: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) CancelPending(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Model(&models.Run{}).
		Where("id = ? AND status = ?", id, models.RunPending).
		Updates(map[string]interface{}{
			"status":       models.RunCancelled,
			"error_kind":   "Cancelled",
			"message":      "cancelled before start",
			"completed_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to cancel run: %w", result.Error)
	}
	return s.checkTransition(ctx, id, result.RowsAffected)
}

// checkTransition tells a missing run apart from one in the wrong state.
func (s *Store) checkTransition(ctx context.Context, id uuid.UUID, affected int64) error {
	if affected > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return storage.ErrConflict
}

func (s *Store) MarkOrphansAsFailed(ctx context.Context, activeNodeIDs []string) (int64, error) {
	// With no live nodes every RUNNING run is an orphan.
	query := s.db.WithContext(ctx).
		Model(&models.Run{}).
		Where("status = ?", models.RunRunning)
	if len(activeNodeIDs) > 0 {
		query = query.Where("node_id NOT IN ?", activeNodeIDs)
	}

	result := query.Updates(map[string]interface{}{
		"status":       models.RunFailed,
		"error_kind":   "NodeLost",
		"message":      "worker node stopped heartbeating",
		"exit_code":    -1,
		"completed_at": time.Now(),
	})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reap orphans: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// --- HistoryStore ---

func (s *Store) SaveHistory(ctx context.Context, h *models.SimulationHistory, keep int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(h).Error; err != nil {
			return fmt.Errorf("failed to save history: %w", err)
		}
		if keep <= 0 {
			return nil
		}

		var ids []uuid.UUID
		err := tx.Model(&models.SimulationHistory{}).
			Where("user_id = ? AND model_name = ?", h.UserID, h.ModelName).
			Order("run_at desc").
			Pluck("id", &ids).Error
		if err != nil {
			return fmt.Errorf("failed to list old history: %w", err)
		}
		if len(ids) <= keep {
			return nil
		}
		if err := tx.Where("id IN ?", ids[keep:]).Delete(&models.SimulationHistory{}).Error; err != nil {
			return fmt.Errorf("failed to trim history: %w", err)
		}
		return nil
	})
}

func (s *Store) ListHistory(ctx context.Context, userID, modelName string, limit int) ([]models.SimulationHistory, error) {
	var items []models.SimulationHistory
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND model_name = ?", userID, modelName).
		Order("run_at desc").
		Limit(limit).
		Find(&items)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list history: %w", result.Error)
	}
	return items, nil
}
