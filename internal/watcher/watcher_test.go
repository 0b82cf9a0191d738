package watcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
)

const (
	manifestV1 = `{"resources":{"index.html":"i1"},"core":["index.html"]}`
	manifestV2 = `{"resources":{"index.html":"i2","main.dart.js":"m2"},"core":["index.html"]}`
)

func newRoute(t *testing.T) (*server.ScopeRoute, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "shell")
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifestV1), 0o644))

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, StoragePath: t.TempDir()},
		Scopes: []config.ScopeConfig{{
			Name:           "audiobook",
			Domain:         "app.local",
			Origin:         srv.URL,
			Manifest:       manifestPath,
			TempRegion:     config.DefaultTempRegion,
			ContentRegion:  config.DefaultContentRegion,
			ManifestRegion: config.DefaultManifestRegion,
		}},
	}
	registry, err := server.NewScopeRegistry(cfg, logging.NewDiscardLogger(), nil)
	require.NoError(t, err)
	route, _ := registry.Get("audiobook")

	ctrl, err := route.LoadWorker()
	require.NoError(t, err)
	require.NoError(t, route.Deploy(context.Background(), ctrl))
	require.True(t, route.Worker().Active())
	return route, manifestPath
}

func TestReloadSkipsUnchangedManifest(t *testing.T) {
	route, _ := newRoute(t)
	w, err := New([]*server.ScopeRoute{route}, nil)
	require.NoError(t, err)
	defer w.Close()

	assert.ErrorIs(t, w.Reload(context.Background(), route), ErrUnchanged)
}

func TestWatcherDeploysNewVersion(t *testing.T) {
	route, manifestPath := newRoute(t)
	first := route.Worker()

	w, err := New([]*server.ScopeRoute{route}, logging.NewDiscardLogger())
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond
	deployed := make(chan error, 4)
	w.OnDeploy = func(_ *server.ScopeRoute, err error) { deployed <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	replaceFile(t, manifestPath, manifestV2)

	select {
	case err := <-deployed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("manifest change was not deployed")
	}

	current := route.Worker()
	assert.NotSame(t, first, current)
	assert.Equal(t, lifecycle.StateActive, current.State())
	assert.True(t, current.Manifest().Has("main.dart.js"))
}

func TestWatcherIgnoresInvalidManifest(t *testing.T) {
	route, manifestPath := newRoute(t)
	first := route.Worker()

	w, err := New([]*server.ScopeRoute{route}, nil)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond
	deployed := make(chan error, 4)
	w.OnDeploy = func(_ *server.ScopeRoute, err error) { deployed <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	replaceFile(t, manifestPath, `{"resources":`)

	select {
	case err := <-deployed:
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnchanged))
	case <-time.After(5 * time.Second):
		t.Fatalf("manifest change was not observed")
	}
	assert.Same(t, first, route.Worker())
}

// replaceFile 先写临时文件再 rename，保证监听方读到完整内容。
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}
