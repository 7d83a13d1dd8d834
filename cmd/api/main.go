package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"laurel.org/internal/audit"
	"laurel.org/internal/auth"
	"laurel.org/internal/config"
	"laurel.org/internal/httpapi"
	"laurel.org/internal/ledger"
	"laurel.org/internal/migrate"
	"laurel.org/internal/mint"
	"laurel.org/internal/obs"
	"laurel.org/internal/pause"
	"laurel.org/internal/permit"
	"laurel.org/internal/replay"
	"laurel.org/internal/roles"
	"laurel.org/internal/scarcity"
	"laurel.org/internal/store/pg"
	"laurel.org/internal/stream"
	"laurel.org/internal/txn"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(cfg.Version, cfg.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Without a DSN the journal and all ledger state live in memory only.
	var (
		store  *pg.Store
		events audit.Reader
	)
	if cfg.PGDSN != "" {
		store, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		if cfg.AutoMigrate {
			applied, err := migrate.NewManager(store.DB(), pg.Migrations()).Up(ctx)
			if err != nil {
				log.Fatalf("migrate: %v", err)
			}
			for _, name := range applied {
				obs.Info("migration_applied", map[string]any{"name": name})
			}
		}
		events = store
	}

	// Postgres is the only durable sink: a failed insert rolls the operation
	// back. Publishers observe committed batches after the executor lock is
	// released, so they never see a rolled back operation.
	live := stream.New()
	observers := []audit.Sink{audit.LineSink{}, live}
	var durable audit.Sink
	if store != nil {
		durable = store
	} else {
		memLog := audit.NewLog()
		events = memLog
		observers = append([]audit.Sink{memLog}, observers...)
	}
	exec := txn.NewExecutor(durable, nil, observers...)

	reg, err := roles.NewRegistry(exec, cfg.AdminAddress)
	if err != nil {
		log.Fatalf("roles: %v", err)
	}
	led, err := ledger.New(exec, reg, cfg.Variant)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}
	var tracker *scarcity.Tracker
	if cfg.Variant == ledger.Collectible {
		tracker = scarcity.New(exec, reg)
	}
	gate := pause.New(exec, reg)
	permits := permit.NewVerifier(exec, reg, cfg.Domain(), cfg.Variant)
	coord, err := mint.New(mint.Deps{
		Executor: exec,
		Roles:    reg,
		Gate:     gate,
		Permits:  permits,
		Ledger:   led,
		Scarcity: tracker,
	})
	if err != nil {
		log.Fatalf("mint: %v", err)
	}
	if store != nil {
		appliers := []replay.Applier{reg, gate, led, permits}
		if tracker != nil {
			appliers = append(appliers, tracker)
		}
		n, err := replay.Run(ctx, store, appliers...)
		if err != nil {
			log.Fatalf("replay journal: %v", err)
		}
		obs.Info("journal_replayed", map[string]any{"events": n, "total_supply": led.TotalSupply(ctx)})
	}

	issuer, err := auth.NewIssuer(cfg.AuthSecret, cfg.TokenTTL, nil)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	probe := httpapi.ReadyProbe{}
	if store != nil {
		probe.DB = store
	}
	api, err := httpapi.New(httpapi.Deps{
		Mint:     coord,
		Ledger:   led,
		Scarcity: tracker,
		Gate:     gate,
		Roles:    reg,
		Permits:  permits,
		Issuer:   issuer,
		Events:   events,
		Stream:   live,
		Ready:    probe,
		Version:  cfg.Version,
	}, httpapi.Options{
		RateBurst:    cfg.RateBurst,
		RatePerSec:   cfg.RatePerSec,
		CORSOrigins:  cfg.CORSOrigins,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		log.Fatalf("httpapi: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcServer := httpapi.NewGRPC(probe, cfg.Version)

	obs.Info("starting", map[string]any{
		"version":   cfg.Version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"variant":   string(cfg.Variant),
		"admin":     cfg.AdminAddress.Hex(),
		"durable":   store != nil,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen http: %v", err)
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("listen grpc: %v", err)
		}
		if err := grpcServer.Serve(lis); err != nil {
			obs.Error("grpc_serve", err, nil)
		}
	}()

	<-ctx.Done()
	obs.Info("shutting_down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	grpcServer.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("http_shutdown", err, nil)
	}
	obs.Info("stopped", nil)
}
