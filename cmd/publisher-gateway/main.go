// Command publisher-gateway serves a directory of Malloy projects to agents
// over HTTP (SSE push stream plus POST) or stdio.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/pflag"

	"github.com/ggoodman/publisher-gateway/auth"
	brokerredis "github.com/ggoodman/publisher-gateway/broker/redis"
	"github.com/ggoodman/publisher-gateway/catalog"
	"github.com/ggoodman/publisher-gateway/catalog/fsload"
	"github.com/ggoodman/publisher-gateway/config"
	"github.com/ggoodman/publisher-gateway/gateway"
	"github.com/ggoodman/publisher-gateway/internal/metrics"
	"github.com/ggoodman/publisher-gateway/publisher"
	"github.com/ggoodman/publisher-gateway/queryengine"
	"github.com/ggoodman/publisher-gateway/queryengine/remote"
	"github.com/ggoodman/publisher-gateway/router"
	"github.com/ggoodman/publisher-gateway/stdio"
	"github.com/ggoodman/publisher-gateway/storage"
	"github.com/ggoodman/publisher-gateway/storage/memory"
	storageredis "github.com/ggoodman/publisher-gateway/storage/redis"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "publisher-gateway:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("publisher-gateway", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", os.Getenv("PUBLISHER_CONFIG"), "path to a JSONC settings file")
	addr := fs.String("addr", "", "protocol listen address")
	adminAddr := fs.String("admin-addr", "", "metrics and health listen address; empty disables it")
	serverRoot := fs.String("server-root", "", "directory holding publisher.config.json")
	logFormat := fs.String("log-format", "", "log format: text, json or tint")
	useStdio := fs.Bool("stdio", false, "serve one connection on stdin and stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if fs.Changed("addr") {
		cfg.Addr = *addr
	}
	if fs.Changed("admin-addr") {
		cfg.AdminAddr = *adminAddr
	}
	if fs.Changed("server-root") {
		cfg.ServerRoot = *serverRoot
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = *logFormat
	}
	if *useStdio {
		cfg.Transport = config.TransportStdio
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// stdout belongs to the protocol in stdio mode, so logs always go to stderr.
	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	store, err := newStorage(cfg, rdb)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	cat := catalog.New(store, catalog.WithLogger(log))
	loader := fsload.New(cat, cfg.ServerRoot, fsload.WithLogger(log))
	if err := loader.Load(ctx); err != nil {
		// Projects that did load are still served.
		log.WarnContext(ctx, "catalog.load.partial", slog.String("err", err.Error()))
	}

	r := router.New(
		router.WithLogger(log),
		router.WithServerInfo("publisher-gateway", version),
		router.WithInstructions(publisher.Instructions),
		router.WithPageSize(cfg.PageSize),
	)
	pub := publisher.New(cat, newEngine(cfg, log), publisher.WithLogger(log), publisher.WithMaxRowLimit(cfg.MaxRowLimit))
	if err := pub.Register(r); err != nil {
		return err
	}

	m := metrics.New()
	gwOpts := []gateway.Option{gateway.WithLogger(log), gateway.WithMetrics(m)}
	if rdb != nil {
		gwOpts = append(gwOpts, gateway.WithBroker(brokerredis.New(brokerredis.Config{
			Client:    rdb,
			KeyPrefix: cfg.Redis.KeyPrefix + "broker:",
		})))
	}
	gw := gateway.New(r, gwOpts...)
	gw.Start(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := pool.New().WithContext(ctx).WithCancelOnError()

	if cfg.Watch {
		p.Go(func(ctx context.Context) error {
			return loader.Watch(ctx, gw.ResourcesChanged)
		})
	}

	switch cfg.Transport {
	case config.TransportStdio:
		p.Go(func(ctx context.Context) error {
			defer cancel()
			err := stdio.NewHandler(gw, stdio.WithLogger(log)).Serve(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		p.Go(func(ctx context.Context) error {
			<-ctx.Done()
			return shutdown(cfg, log, gw)
		})
	default:
		var authn auth.Authenticator
		if cfg.OIDC.Enabled() {
			authn, err = newAuthenticator(ctx, cfg)
			if err != nil {
				return err
			}
		}
		servers := []*http.Server{{
			Addr:    cfg.Addr,
			Handler: newProtocolHandler(cfg, log, gw, authn),
		}}
		if cfg.AdminAddr != "" {
			servers = append(servers, &http.Server{Addr: cfg.AdminAddr, Handler: newAdminHandler(cfg, m, gw)})
		}
		for _, srv := range servers {
			p.Go(func(ctx context.Context) error {
				log.InfoContext(ctx, "http.listen", slog.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen %s: %w", srv.Addr, err)
				}
				return nil
			})
		}
		p.Go(func(ctx context.Context) error {
			<-ctx.Done()
			// Streams must end before the servers can drain.
			err := shutdown(cfg, log, gw)
			sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
			defer scancel()
			for _, srv := range servers {
				if serr := srv.Shutdown(sctx); serr != nil {
					err = errors.Join(err, serr)
				}
			}
			return err
		})
	}

	return p.Wait()
}

func shutdown(cfg config.Config, log *slog.Logger, gw *gateway.Gateway) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
	defer cancel()
	log.Info("gateway.shutdown", slog.Int("connections", gw.Connections()))
	return gw.Shutdown(ctx)
}

func newStorage(cfg config.Config, rdb *redis.Client) (storage.Storage, error) {
	if rdb == nil {
		return memory.New(), nil
	}
	return storageredis.New(storageredis.Config{Client: rdb, KeyPrefix: cfg.Redis.KeyPrefix + "storage:"})
}

func newEngine(cfg config.Config, log *slog.Logger) queryengine.Engine {
	if cfg.Engine.URL == "" {
		log.Warn("engine.unconfigured")
		return remote.Unconfigured{}
	}
	opts := []remote.Option{
		remote.WithLogger(log),
		remote.WithHTTPClient(&http.Client{Timeout: cfg.Engine.Timeout.Std()}),
	}
	if cfg.Engine.Token != "" {
		opts = append(opts, remote.WithBearerToken(cfg.Engine.Token))
	}
	return remote.New(cfg.Engine.URL, opts...)
}

func newAuthenticator(ctx context.Context, cfg config.Config) (auth.Authenticator, error) {
	var opts []auth.AccessTokenAuthOption
	if len(cfg.OIDC.RequiredScopes) > 0 {
		opts = append(opts, auth.WithRequiredScopes(cfg.OIDC.RequiredScopes...))
	}
	if cfg.OIDC.JWKSURL != "" {
		opts = append(opts, auth.WithJWKSURL(cfg.OIDC.JWKSURL))
	}
	a, err := auth.NewFromDiscovery(ctx, cfg.OIDC.Issuer, cfg.OIDC.Audience, opts...)
	if err != nil {
		return nil, fmt.Errorf("oidc: %w", err)
	}
	return a, nil
}
