// Package caddy renders the reverse-proxy snippet for exposed services and
// asks a local Caddy to pick it up. The main Caddyfile is expected to import
// the generated file.
package caddy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/philiporange/supervisor/internal/store"
)

const (
	DefaultMainCaddyfile = "/etc/caddy/Caddyfile"
	reloadTimeout        = 30 * time.Second
)

type Settings struct {
	AdminURL       string
	Domain         string
	BaseDomain     string
	Port           string
	SupervisorFile string
	MainCaddyfile  string
}

// Route describes how one exposed service is reachable.
type Route struct {
	Name      string `json:"name"`
	Subdomain string `json:"subdomain,omitempty"`
	Path      string `json:"path,omitempty"`
	Port      int    `json:"port"`
	URL       string `json:"url,omitempty"`
}

// Routes lists exposed services that have a port, in input order.
func Routes(services []store.Service, s Settings) []Route {
	var out []Route
	for _, svc := range services {
		if !svc.ExposeCaddy || svc.Port == 0 {
			continue
		}
		r := Route{Name: svc.Name, Subdomain: svc.CaddySubdomain, Path: svc.CaddyPath, Port: svc.Port}
		if r.Subdomain != "" {
			r.URL = fmt.Sprintf("https://%s.%s:%s", r.Subdomain, s.BaseDomain, s.Port)
		}
		out = append(out, r)
	}
	return out
}

// Generate renders a site block per subdomain service. Services with only a
// path are listed as comments for manual inclusion in the main site.
func Generate(services []store.Service, s Settings) string {
	var b strings.Builder
	b.WriteString("# Supervisor-managed services\n")
	b.WriteString("# Auto-generated - do not edit manually\n")

	var paths []Route
	for _, r := range Routes(services, s) {
		if r.Subdomain == "" {
			if r.Path != "" {
				paths = append(paths, r)
			}
			continue
		}
		fmt.Fprintf(&b, "\n%s.%s:%s {\n", r.Subdomain, s.BaseDomain, s.Port)
		fmt.Fprintf(&b, "\treverse_proxy http://localhost:%d\n", r.Port)
		b.WriteString("}\n")
	}
	if len(paths) > 0 {
		fmt.Fprintf(&b, "\n# Path-based routes on %s\n", s.Domain)
		b.WriteString("# (Add these to your main domain block manually or via import)\n")
		for _, r := range paths {
			fmt.Fprintf(&b, "# %s: handle %s/* -> localhost:%d\n", r.Name, strings.TrimRight(r.Path, "/"), r.Port)
		}
	}
	return b.String()
}

// Write stores content at path, creating the parent directory.
func Write(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil { // #nosec G306 read by the caddy user
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("permission denied writing to %s", path)
		}
		return fmt.Errorf("write caddy config: %w", err)
	}
	slog.Info("wrote caddy config", "path", path)
	return nil
}

// Reloader writes the generated file and reloads Caddy.
type Reloader struct {
	Settings Settings
	Client   *http.Client

	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewReloader(s Settings) *Reloader {
	if s.MainCaddyfile == "" {
		s.MainCaddyfile = DefaultMainCaddyfile
	}
	return &Reloader{
		Settings: s,
		Client:   &http.Client{Timeout: reloadTimeout},
		lookPath: exec.LookPath,
		run:      runCombined,
	}
}

func runCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204 fixed binaries and arguments
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Apply writes the snippet for services and reloads. The message describes
// what happened on success.
func (r *Reloader) Apply(ctx context.Context, services []store.Service) (string, error) {
	if err := Write(r.Settings.SupervisorFile, Generate(services, r.Settings)); err != nil {
		return "", err
	}
	return r.Reload(ctx)
}

// Reload tries systemd first, then the caddy binary. When neither is
// installed it posts the main Caddyfile to the admin API.
func (r *Reloader) Reload(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()

	attempts := [][]string{
		{"sudo", "-n", "systemctl", "reload", "caddy"},
		{"caddy", "reload", "--config", r.Settings.MainCaddyfile},
	}
	var lastErr error
	tried := false
	for _, argv := range attempts {
		if _, err := r.lookPath(argv[0]); err != nil {
			continue
		}
		tried = true
		out, err := r.run(ctx, argv[0], argv[1:]...)
		if err == nil {
			slog.Info("caddy reloaded", "via", argv[0])
			return "Configuration written and Caddy reloaded", nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("caddy reload timed out")
		}
		lastErr = fmt.Errorf("caddy reload failed: %s", strings.TrimSpace(string(out)))
		slog.Warn("caddy reload attempt failed", "via", argv[0], "error", err)
	}
	if tried {
		return "", lastErr
	}
	return r.reloadViaAPI(ctx)
}

func (r *Reloader) reloadViaAPI(ctx context.Context) (string, error) {
	body, err := os.ReadFile(r.Settings.MainCaddyfile)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", r.Settings.MainCaddyfile, err)
	}
	url := strings.TrimRight(r.Settings.AdminURL, "/") + "/load"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/caddyfile")
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("could not connect to caddy admin API at %s: %w", r.Settings.AdminURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("caddy API reload failed: %s", strings.TrimSpace(string(msg)))
	}
	slog.Info("caddy reloaded via admin API")
	return "Configuration reloaded via API", nil
}

// ErrUnreachable is returned when the admin API cannot be queried.
var ErrUnreachable = errors.New("could not connect to caddy")

// Current fetches the running configuration from the admin API.
func (r *Reloader) Current(ctx context.Context) (json.RawMessage, error) {
	url := strings.TrimRight(r.Settings.AdminURL, "/") + "/config/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode caddy config: %w", err)
	}
	return raw, nil
}
