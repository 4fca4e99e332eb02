package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/npezzotti/go-jam/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestWatchCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	assert.NoError(t, os.WriteFile(path, []byte(`[{"id":"1","title":"One","media_url":"https://cdn.example/1.mp3"}]`), 0o644))

	repo := NewMemTrackRepository()
	_, err := SeedFromFile(repo, path)
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.NoError(t, WatchCatalog(ctx, testutil.TestLogger(t), repo, path))

	updated := `[
		{"id":"1","title":"One (remastered)","media_url":"https://cdn.example/1.mp3"},
		{"id":"2","title":"Two","media_url":"https://cdn.example/2.mp3","duration_seconds":90}
	]`
	assert.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	assert.Eventually(t, func() bool {
		two, err := repo.GetTrack("2")
		if err != nil {
			return false
		}
		one, err := repo.GetTrack("1")
		return err == nil && one.Title == "One (remastered)" && two.DurationSeconds == 90
	}, 3*time.Second, 20*time.Millisecond, "expected the catalog to be reloaded")
}

func TestWatchCatalog_missingDirectory(t *testing.T) {
	err := WatchCatalog(context.Background(), testutil.TestLogger(t), NewMemTrackRepository(), filepath.Join(t.TempDir(), "nope", "catalog.json"))
	assert.Error(t, err)
}
