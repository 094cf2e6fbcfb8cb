package workspace_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"floodworker/pkg/executor/workspace"
)

func writeFile(t *testing.T, dir, name, content string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
	return path
}

func TestFindArtifact_PreferredNameWins(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeFile(t, dir, "Result.plt", "preferred", base)
	writeFile(t, dir, "newer.plt", "newer", base.Add(time.Minute))

	path, err := workspace.FindArtifact(dir, "Result.plt", ".plt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Result.plt"), path)
}

func TestFindArtifact_PreferredMissingFallsBack(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "only.plt", "x", time.Time{})

	path, err := workspace.FindArtifact(dir, "Result.plt", ".plt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "only.plt"), path)
}

func TestFindArtifact_PreferredDirectoryIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Result.plt"), 0o755))
	writeFile(t, dir, "real.plt", "x", time.Time{})

	path, err := workspace.FindArtifact(dir, "Result.plt", ".plt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "real.plt"), path)
}

func TestFindArtifact_NewestWins(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeFile(t, dir, "a.plt", "old", base)
	writeFile(t, dir, "b.plt", "newest", base.Add(2*time.Minute))
	writeFile(t, dir, "c.plt", "middle", base.Add(time.Minute))

	path, err := workspace.FindArtifact(dir, "", ".plt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b.plt"), path)
}

func TestFindArtifact_FollowsSymlinkedFiles(t *testing.T) {
	dir := t.TempDir()
	elsewhere := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeFile(t, dir, "a.plt", "old", base)
	target := writeFile(t, elsewhere, "run.plt", "linked", base.Add(time.Minute))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, "linked.plt")))

	path, err := workspace.FindArtifact(dir, "", ".plt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "linked.plt"), path)

	art, err := workspace.ReadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, "linked", art.Content)
}

func TestFindArtifact_SkipsDanglingAndDirectoryLinks(t *testing.T) {
	dir := t.TempDir()
	elsewhere := t.TempDir()
	writeFile(t, dir, "real.plt", "x", time.Now().Add(-time.Hour))
	require.NoError(t, os.Symlink(filepath.Join(elsewhere, "gone.plt"), filepath.Join(dir, "dangling.plt")))
	require.NoError(t, os.Symlink(elsewhere, filepath.Join(dir, "folder.plt")))

	path, err := workspace.FindArtifact(dir, "", ".plt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "real.plt"), path)
}

func TestFindArtifact_TieGoesToLastListed(t *testing.T) {
	dir := t.TempDir()
	same := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, dir, "a.plt", "first", same)
	writeFile(t, dir, "b.plt", "second", same)

	path, err := workspace.FindArtifact(dir, "", ".plt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b.plt"), path)
}

func TestFindArtifact_ExtensionIsCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "OUT.PLT", "upper", time.Time{})
	writeFile(t, dir, "notes.txt", "ignored", time.Time{})

	path, err := workspace.FindArtifact(dir, "", ".plt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "OUT.PLT"), path)
}

func TestFindArtifact_NoneFound(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "log.txt", "x", time.Time{})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.plt"), 0o755))

	_, err := workspace.FindArtifact(dir, "", ".plt")
	assert.ErrorIs(t, err, workspace.ErrNoArtifact)
}

func TestFindArtifact_MissingDirectory(t *testing.T) {
	_, err := workspace.FindArtifact(filepath.Join(t.TempDir(), "gone"), "", ".plt")
	require.Error(t, err)
	assert.NotErrorIs(t, err, workspace.ErrNoArtifact)
}

func TestReadArtifact_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	content := "VARIABLES = X Y DEPTH\n1 2 0.5\n"
	path := writeFile(t, dir, "result.plt", content, time.Time{})

	art, err := workspace.ReadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, "result.plt", art.Name)
	assert.Equal(t, content, art.Content)
	assert.Equal(t, int64(len(content)), art.Size)
}

func TestReadArtifact_Unreadable(t *testing.T) {
	_, err := workspace.ReadArtifact(filepath.Join(t.TempDir(), "missing.plt"))
	assert.Error(t, err)
}
