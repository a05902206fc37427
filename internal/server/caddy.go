package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/philiporange/supervisor/internal/caddy"
	"github.com/philiporange/supervisor/internal/store"
)

func (r *Router) exposedServices(c *gin.Context) ([]store.Service, bool) {
	svcs, err := r.d.Store.ListServices(c.Request.Context(), false)
	if err != nil {
		writeStoreError(c, err)
		return nil, false
	}
	out := svcs[:0]
	for _, s := range svcs {
		if s.ExposeCaddy {
			out = append(out, s)
		}
	}
	return out, true
}

func (r *Router) handleCaddyConfig(c *gin.Context) {
	svcs, ok := r.exposedServices(c)
	if !ok {
		return
	}
	routes := caddy.Routes(svcs, r.d.Caddy.Settings)
	if routes == nil {
		routes = []caddy.Route{}
	}
	writeJSON(c, http.StatusOK, gin.H{
		"caddyfile":   caddy.Generate(svcs, r.d.Caddy.Settings),
		"config_file": r.d.Caddy.Settings.SupervisorFile,
		"base_domain": r.d.Caddy.Settings.BaseDomain,
		"port":        r.d.Caddy.Settings.Port,
		"services":    routes,
	})
}

func (r *Router) handleCaddyCurrent(c *gin.Context) {
	raw, err := r.d.Caddy.Current(c.Request.Context())
	if errors.Is(err, caddy.ErrUnreachable) {
		writeError(c, http.StatusServiceUnavailable, "%v", err)
		return
	}
	if err != nil {
		writeError(c, http.StatusBadGateway, "%v", err)
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (r *Router) handleCaddyReload(c *gin.Context) {
	svcs, ok := r.exposedServices(c)
	if !ok {
		return
	}
	msg, err := r.d.Caddy.Apply(c.Request.Context(), svcs)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "reloaded", "message": msg})
}
