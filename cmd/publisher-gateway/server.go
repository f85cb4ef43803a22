package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/lmittmann/tint"

	"github.com/ggoodman/publisher-gateway/auth"
	"github.com/ggoodman/publisher-gateway/config"
	"github.com/ggoodman/publisher-gateway/gateway"
	"github.com/ggoodman/publisher-gateway/internal/logctx"
	"github.com/ggoodman/publisher-gateway/internal/metrics"
	"github.com/ggoodman/publisher-gateway/ssehttp"
)

// newLogger builds the process logger. Every format is wrapped so request,
// connection and call data carried by the context become attributes.
func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	var h slog.Handler
	switch cfg.LogFormat {
	case config.LogFormatTint:
		h = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	case config.LogFormatJSON:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(logctx.New(h)), nil
}

func corsOptions(cfg config.Config) cors.Options {
	opts := cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders: []string{"WWW-Authenticate"},
		MaxAge:         300,
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return opts
}

// newProtocolHandler mounts the SSE transport under the configured base path.
func newProtocolHandler(cfg config.Config, log *slog.Logger, gw *gateway.Gateway, authn auth.Authenticator) http.Handler {
	opts := []ssehttp.Option{
		ssehttp.WithLogger(log),
		ssehttp.WithKeepAlive(cfg.KeepAlive.Std()),
		ssehttp.WithMaxBodyBytes(cfg.MaxBodyBytes),
		ssehttp.WithBasePath(cfg.BasePath),
	}
	if authn != nil {
		opts = append(opts, ssehttp.WithAuthenticator(authn))
		if cfg.OIDC.Realm != "" {
			opts = append(opts, ssehttp.WithRealm(cfg.OIDC.Realm))
		}
		if cfg.PublicURL != "" {
			opts = append(opts, ssehttp.WithProtectedResource(cfg.PublicURL, []string{cfg.OIDC.Issuer}, cfg.OIDC.RequiredScopes))
		}
	}

	h := ssehttp.New(gw, opts...)
	r := chi.NewRouter()
	r.Use(cors.Handler(corsOptions(cfg)))
	r.Handle(cfg.BasePath+"/*", h)
	r.Handle("/.well-known/*", h)
	return r
}

// newAdminHandler serves /metrics and /healthz.
func newAdminHandler(cfg config.Config, m *metrics.Metrics, gw *gateway.Gateway) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOptions(cfg).AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Mount("/metrics", m.Router())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"version":     version,
			"connections": gw.Connections(),
		})
	})
	return r
}
