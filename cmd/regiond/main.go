package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/rackwatch/internal/config"
	"github.com/dropDatabas3/rackwatch/internal/dhcp"
	rwhttp "github.com/dropDatabas3/rackwatch/internal/http"
	"github.com/dropDatabas3/rackwatch/internal/metrics"
	"github.com/dropDatabas3/rackwatch/internal/notify"
	"github.com/dropDatabas3/rackwatch/internal/observability/logger"
	"github.com/dropDatabas3/rackwatch/internal/rpc"
	"github.com/dropDatabas3/rackwatch/internal/rpc/pool"
	"github.com/dropDatabas3/rackwatch/internal/store"
	"github.com/dropDatabas3/rackwatch/internal/store/pg"
	"github.com/dropDatabas3/rackwatch/internal/watcher"

	// Drivers del bus: se registran vía init().
	_ "github.com/dropDatabas3/rackwatch/internal/notify/memory"
	_ "github.com/dropDatabas3/rackwatch/internal/notify/pg"
	_ "github.com/dropDatabas3/rackwatch/internal/notify/redis"
)

const version = "0.3.0"

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found: %v (continuing with system env)", err)
	}

	cfgPath := flag.String("config", os.Getenv("RACKWATCH_CONFIG"), "ruta del YAML de configuración (opcional)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: "regiond",
		Version:     version,
	})
	defer logger.Sync()
	lg := logger.L()

	processID := cfg.Region.ProcessID
	if processID == "" {
		host, _ := os.Hostname()
		processID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	secretStr, err := cfg.SharedSecret()
	if err != nil {
		lg.Fatal("secreto compartido", logger.Err(err))
	}
	secret, err := rpc.ParseSecret(secretStr)
	if err != nil {
		lg.Fatal("secreto compartido", logger.Err(err))
	}

	if err := metrics.Register(nil); err != nil {
		lg.Fatal("registrando métricas", logger.Err(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := store.Open(ctx, store.Config{
		Driver: cfg.Storage.Driver,
		DSN:    cfg.Storage.DSN,
		Postgres: pg.Tuning{
			MaxOpenConns:    cfg.Storage.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
		},
	})
	if err != nil {
		lg.Fatal("abriendo store", logger.Err(err))
	}
	defer repo.Close()

	if cfg.Storage.Migrate {
		type migrator interface{ Migrate(context.Context) error }
		if m, ok := repo.(migrator); ok {
			if err := m.Migrate(ctx); err != nil {
				lg.Fatal("aplicando migraciones", logger.Err(err))
			}
			lg.Info("migraciones aplicadas")
		}
	}

	bus, err := notify.Open(ctx, notify.Config{
		Kind:      cfg.Notify.Kind,
		DSN:       cfg.Storage.DSN,
		RedisAddr: cfg.Notify.Redis.Addr,
		RedisDB:   cfg.Notify.Redis.DB,
	})
	if err != nil {
		lg.Fatal("abriendo bus de notificaciones", logger.Err(err))
	}
	defer bus.Close()

	hostname, _ := os.Hostname()
	connPool := pool.New(pool.Config{
		MaxConns:    cfg.Region.MaxConns,
		MaxIdle:     cfg.Region.MaxIdleConns,
		Keepalive:   cfg.KeepaliveDuration(),
		DialTimeout: cfg.DialTimeoutDuration(),
		Secret:      secret,
		Handshake: rpc.HandshakeInfo{
			ProcessID: processID,
			Hostname:  hostname,
			Version:   version,
		},
	})
	defer connPool.Close()

	pusher := dhcp.NewRPCPusher(repo, connPool, cfg.CallTimeoutDuration())

	svc := watcher.New(watcher.Options{
		ProcessID: processID,
		Bus:       bus,
		Repo:      repo,
		Pusher:    pusher,
	})
	if err := svc.Start(ctx); err != nil {
		lg.Fatal("arrancando watcher", logger.Err(err))
	}
	defer svc.Stop()

	handler, err := rwhttp.NewRouter(rwhttp.Deps{
		Repo:        repo,
		Pool:        connPool,
		Watcher:     svc,
		Pusher:      pusher,
		AdminAPIKey: cfg.Server.AdminAPIKey,
	})
	if err != nil {
		lg.Fatal("armando router", logger.Err(err))
	}

	lg.Info("regiond listo",
		logger.ProcessID(processID),
		logger.Address(cfg.Server.Addr),
		logger.String("notify", cfg.Notify.Kind),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rwhttp.Serve(gctx, cfg.Server.Addr, handler) })
	if err := g.Wait(); err != nil {
		lg.Error("server", logger.Err(err))
		os.Exit(1)
	}
}
