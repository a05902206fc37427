package caddy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philiporange/supervisor/internal/store"
)

var settings = Settings{
	Domain:     "h.example.com:60443",
	BaseDomain: "example.com",
	Port:       "60443",
}

func exposed() []store.Service {
	return []store.Service{
		{Name: "api", Port: 8000, ExposeCaddy: true, CaddySubdomain: "api"},
		{Name: "hidden", Port: 8001, CaddySubdomain: "hidden"},
		{Name: "noport", ExposeCaddy: true, CaddySubdomain: "noport"},
		{Name: "legacy", Port: 8002, ExposeCaddy: true, CaddyPath: "/legacy/"},
	}
}

func TestGenerate(t *testing.T) {
	want := "# Supervisor-managed services\n" +
		"# Auto-generated - do not edit manually\n" +
		"\n" +
		"api.example.com:60443 {\n" +
		"\treverse_proxy http://localhost:8000\n" +
		"}\n" +
		"\n" +
		"# Path-based routes on h.example.com:60443\n" +
		"# (Add these to your main domain block manually or via import)\n" +
		"# legacy: handle /legacy/* -> localhost:8002\n"
	assert.Equal(t, want, Generate(exposed(), settings))
}

func TestRoutes(t *testing.T) {
	routes := Routes(exposed(), settings)
	require.Len(t, routes, 2)
	assert.Equal(t, "https://api.example.com:60443", routes[0].URL)
	assert.Equal(t, "legacy", routes[1].Name)
	assert.Empty(t, routes[1].URL)
}

func TestWriteCreatesParent(t *testing.T) {
	p := filepath.Join(t.TempDir(), "caddy", "supervisor.conf")
	require.NoError(t, Write(p, "x"))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))
}

type call struct {
	name string
	args []string
}

func fakeReloader(t *testing.T, installed map[string]bool, fail map[string]bool) (*Reloader, *[]call) {
	t.Helper()
	var calls []call
	r := NewReloader(settings)
	r.lookPath = func(name string) (string, error) {
		if installed[name] {
			return "/usr/bin/" + name, nil
		}
		return "", errors.New("not found")
	}
	r.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, call{name, args})
		if fail[name] {
			return []byte(name + " broke\n"), errors.New("exit status 1")
		}
		return nil, nil
	}
	return r, &calls
}

func TestReloadPrefersSystemd(t *testing.T) {
	r, calls := fakeReloader(t, map[string]bool{"sudo": true, "caddy": true}, nil)
	msg, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Configuration written and Caddy reloaded", msg)
	require.Len(t, *calls, 1)
	assert.Equal(t, []string{"-n", "systemctl", "reload", "caddy"}, (*calls)[0].args)
}

func TestReloadFallsBackToCaddyBinary(t *testing.T) {
	r, calls := fakeReloader(t, map[string]bool{"sudo": true, "caddy": true}, map[string]bool{"sudo": true})
	_, err := r.Reload(context.Background())
	require.NoError(t, err)
	require.Len(t, *calls, 2)
	assert.Equal(t, "caddy", (*calls)[1].name)
	assert.Equal(t, []string{"reload", "--config", DefaultMainCaddyfile}, (*calls)[1].args)

	r, _ = fakeReloader(t, map[string]bool{"sudo": true, "caddy": true}, map[string]bool{"sudo": true, "caddy": true})
	_, err = r.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "caddy broke")
}

func TestReloadViaAdminAPI(t *testing.T) {
	var gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/load", req.URL.Path)
		b, _ := io.ReadAll(req.Body)
		gotBody, gotType = string(b), req.Header.Get("Content-Type")
	}))
	defer srv.Close()

	main := filepath.Join(t.TempDir(), "Caddyfile")
	require.NoError(t, os.WriteFile(main, []byte("import supervisor.conf\n"), 0o600))

	r, calls := fakeReloader(t, nil, nil)
	r.Settings.AdminURL = srv.URL + "/"
	r.Settings.MainCaddyfile = main
	msg, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.Empty(t, *calls)
	assert.Equal(t, "Configuration reloaded via API", msg)
	assert.Equal(t, "import supervisor.conf\n", gotBody)
	assert.Equal(t, "text/caddyfile", gotType)
}

func TestReloadViaAdminAPIRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad config", http.StatusBadRequest)
	}))
	defer srv.Close()

	main := filepath.Join(t.TempDir(), "Caddyfile")
	require.NoError(t, os.WriteFile(main, []byte(":80\n"), 0o600))
	r, _ := fakeReloader(t, nil, nil)
	r.Settings.AdminURL = srv.URL
	r.Settings.MainCaddyfile = main
	_, err := r.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad config")
}

func TestApplyWritesThenReloads(t *testing.T) {
	r, calls := fakeReloader(t, map[string]bool{"caddy": true}, nil)
	r.Settings.SupervisorFile = filepath.Join(t.TempDir(), "supervisor.conf")
	_, err := r.Apply(context.Background(), exposed())
	require.NoError(t, err)
	assert.Len(t, *calls, 1)
	b, err := os.ReadFile(r.Settings.SupervisorFile)
	require.NoError(t, err)
	assert.Contains(t, string(b), "api.example.com:60443 {")
}

func TestCurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/config/" {
			http.NotFound(w, req)
			return
		}
		_, _ = w.Write([]byte(`{"apps":{}}`))
	}))
	defer srv.Close()

	r := NewReloader(Settings{AdminURL: srv.URL})
	raw, err := r.Current(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"apps":{}}`, string(raw))

	r.Settings.AdminURL = srv.URL + "/nowhere"
	_, err = r.Current(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
}
