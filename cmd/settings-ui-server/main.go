package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/jqknono/general-settings-ui/internal/auth"
	"github.com/jqknono/general-settings-ui/internal/config"
	"github.com/jqknono/general-settings-ui/internal/discovery"
	"github.com/jqknono/general-settings-ui/internal/owner"
	"github.com/jqknono/general-settings-ui/internal/protocol"
	"github.com/jqknono/general-settings-ui/internal/schema"
	"github.com/jqknono/general-settings-ui/internal/surface"
	"github.com/jqknono/general-settings-ui/internal/transport"
)

const version = "0.1.0"

func main() {
	usage := `Settings UI document owner.

Serves JSON settings documents to form replicas over websocket. Documents
are addressed as scheme:name, e.g. file:app.json, bolt:app, sqlite:app,
postgres:app (DATABASE_URL), redis:app (REDIS_ADDR) or mem:scratch.

Usage:
    settings-ui-server [--config=<path>] [--listen=<addr>] [--data_dir=<dir>]
        [--read_only] [--create] [--no_discovery] [--v=<level>]
    settings-ui-server token <doc> [--config=<path>] [--ttl=<ttl>]
    settings-ui-server -h | --help
    settings-ui-server --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<path>      YAML config file.
    --listen=<addr>      Listen address, overrides the config.
    --data_dir=<dir>     Directory for file documents and embedded stores.
    --read_only          Reject every write.
    --create             Create missing store documents as {}.
    --no_discovery       Do not advertise over mDNS.
    --ttl=<ttl>          Token lifetime [default: 24h].
    --v=<level>          Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		panic(err)
	}

	level, _ := opts.String("--v")
	flag.Set("logtostderr", "true")
	flag.Set("v", level)
	flag.CommandLine.Parse(nil)
	defer glog.Flush()

	configPath, _ := opts.String("--config")
	cfg, err := config.Load(configPath)
	if err != nil {
		glog.Exitf("Could not load config: %v", err)
	}

	if token_, _ := opts.Bool("token"); token_ {
		issueToken(cfg, opts)
		return
	}
	if listen, _ := opts.String("--listen"); listen != "" {
		cfg.Listen = listen
	}
	if dir, _ := opts.String("--data_dir"); dir != "" {
		cfg.DataDir = dir
	}
	if ro, _ := opts.Bool("--read_only"); ro {
		cfg.ReadOnly = true
	}
	if nd, _ := opts.Bool("--no_discovery"); nd {
		cfg.Discovery = false
	}
	create, _ := opts.Bool("--create")

	serve(cfg, create)
}

func issueToken(cfg config.Config, opts docopt.Opts) {
	if cfg.JWTSecret == "" {
		glog.Exitf("No JWT secret configured (SETTINGS_UI_JWT_SECRET)")
	}
	doc, _ := opts.String("<doc>")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		glog.Exitf("Bad --ttl: %v", err)
	}
	tok, err := auth.NewTokens([]byte(cfg.JWTSecret), ttl).Issue(doc)
	if err != nil {
		glog.Exitf("%v", err)
	}
	fmt.Println(tok)
}

func serve(cfg config.Config, create bool) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opener, closeStores := openStores(ctx, cfg, create)
	defer closeStores()

	retriever := schema.NewHTTPRetriever(cfg.SchemaCatalog, cfg.SchemaTTL.Duration)
	defer retriever.Close()

	registry := owner.NewRegistry(opener, owner.Options{
		Retriever:    retriever,
		EchoWindow:   cfg.EchoWindow.Duration,
		ForwardDelay: cfg.ForwardDelay.Duration,
		SearchDelay:  cfg.SearchDelay.Duration,
		Indent:       cfg.Indent,
	})
	hub := transport.NewHub()
	go hub.Run()

	srv := &transport.Server{Registry: registry, Hub: hub, Retriever: retriever}
	if cfg.JWTSecret != "" {
		srv.Tokens = auth.NewTokens([]byte(cfg.JWTSecret), cfg.TokenTTL.Duration)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		glog.Exitf("Failed to listen on %s: %v", cfg.Listen, err)
	}
	httpServer := &http.Server{Handler: srv.Router()}

	if cfg.Discovery {
		port := ln.Addr().(*net.TCPAddr).Port
		if ad, err := discovery.Advertise(cfg.ServiceName, port, nil); err != nil {
			glog.Warningf("%v", err)
		} else {
			defer ad.Shutdown()
		}
	}

	go func() {
		glog.Infof("Settings UI owner starting on %s...", ln.Addr())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Exitf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	glog.Infof("Shutting down...")
	hub.Broadcast(protocol.ShowError("document owner is shutting down"))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		glog.Warningf("http shutdown: %v", err)
	}
	hub.Stop()
	registry.Shutdown()
}

// openStores configures every backend the config enables. Redis and
// Postgres are optional; the embedded stores live in the data directory.
func openStores(ctx context.Context, cfg config.Config, create bool) (*surface.Opener, func()) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		glog.Exitf("Could not create data dir: %v", err)
	}
	fsys, err := surface.OSFS(cfg.DataDir)
	if err != nil {
		glog.Exitf("Could not open data dir: %v", err)
	}
	abs, _ := filepath.Abs(cfg.DataDir)
	opener := &surface.Opener{
		FS:           fsys,
		FSRoot:       abs,
		ReadOnly:     cfg.ReadOnly,
		Create:       create,
		PollInterval: cfg.PollInterval.Duration,
	}

	bolt, err := surface.OpenBoltStore(filepath.Join(cfg.DataDir, "documents.db"))
	if err != nil {
		glog.Exitf("Could not open bolt store: %v", err)
	}
	closers = append(closers, func() { bolt.Close() })
	opener.Bolt = bolt

	lite, err := surface.OpenSQLite(filepath.Join(cfg.DataDir, "documents.sqlite"))
	if err != nil {
		glog.Exitf("Could not open sqlite store: %v", err)
	}
	closers = append(closers, func() { lite.Close() })
	opener.SQLite = lite

	if cfg.EnableRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			glog.Exitf("Could not connect to Redis: %v", err)
		}
		glog.Infof("Connected to Redis successfully.")
		closers = append(closers, func() { rdb.Close() })
		opener.Redis = surface.NewRedisStore(rdb)
	}

	if cfg.EnablePG {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			glog.Exitf("Unable to connect to database: %v", err)
		}
		closers = append(closers, pool.Close)
		store, err := surface.NewPostgresStore(ctx, pool)
		if err != nil {
			glog.Exitf("Unable to prepare database: %v", err)
		}
		glog.Infof("Connected to PostgreSQL successfully.")
		opener.Postgres = store
	}

	glog.V(1).Infof("stores ready in %s (read-only=%t)", abs, cfg.ReadOnly)
	return opener, closeAll
}
