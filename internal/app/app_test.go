package app

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/studysync/backend/internal/config"
	"github.com/kimhsiao/studysync/backend/internal/models"
	"github.com/kimhsiao/studysync/backend/internal/remote"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	return cfg
}

func TestNew_manualConnectivity(t *testing.T) {
	docs := remote.NewMemoryStore()
	a, err := New(testConfig(t), Options{Remote: docs, InitialOnline: true})
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Manual)
	assert.Nil(t, a.Prober)
	assert.True(t, a.Engine.Online())

	result, err := a.Engine.Save(context.Background(), models.EntityProfile, "u1", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)
	assert.True(t, result.Synced)
	assert.Contains(t, docs.Document("u1"), "profile")
}

func TestNew_defaultRemoteIsHTTP(t *testing.T) {
	a, err := New(testConfig(t), Options{})
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.Remote.(*remote.HTTPStore)
	assert.True(t, ok)
	assert.False(t, a.Engine.Online())
}

func TestNew_proberConnectivity(t *testing.T) {
	srv := httptest.NewServer(remote.NewHandler(remote.NewMemoryStore()))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Remote.BaseURL = srv.URL
	cfg.Connectivity.ProbeURL = srv.URL + "/healthz"
	cfg.Connectivity.ProbeInterval = 20 * time.Millisecond

	a, err := New(cfg, Options{})
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Prober)
	assert.Nil(t, a.Manual)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	require.Eventually(t, a.Engine.Online, 2*time.Second, 10*time.Millisecond)
	assert.True(t, a.Scheduler.IsRunning())
}

func TestNew_badDataDir(t *testing.T) {
	cfg := testConfig(t)
	// A regular file cannot hold the database directory.
	file := filepath.Join(cfg.DataDir, "occupied")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	cfg.DataDir = filepath.Join(file, "sub")

	_, err := New(cfg, Options{})
	assert.Error(t, err)
}

func TestClose_stopsScheduler(t *testing.T) {
	a, err := New(testConfig(t), Options{Remote: remote.NewMemoryStore()})
	require.NoError(t, err)
	a.Start(context.Background())

	require.NoError(t, a.Close())
	assert.False(t, a.Scheduler.IsRunning())
}
