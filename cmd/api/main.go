package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"careunits.org/internal/audit"
	"careunits.org/internal/httpapi"
	"careunits.org/internal/ledger"
	"careunits.org/internal/obs"
	"careunits.org/internal/store/pg"
	"careunits.org/internal/stream"
)

var (
	version = "dev"
	commit  = "none"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addr := env("CAREUNITS_ADDR", ":8080")
	dsn := os.Getenv("CAREUNITS_PG_DSN")

	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		store ledger.Store
		probe httpapi.ReadyProbe
	)
	if dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			obs.Log("fatal", "postgres open failed", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
		obs.Log("info", "using postgres store", nil)
	} else {
		store = ledger.NewInMemory()
		obs.Log("info", "using in-memory store", nil)
	}

	events := stream.New()
	svc := ledger.NewService(store, audit.LogSink{})
	api := httpapi.New(probe, version, svc, events)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		obs.Log("info", "listening", map[string]any{"addr": addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Log("fatal", "server failed", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	obs.Log("info", "shutting down", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		obs.Log("error", "shutdown failed", map[string]any{"error": err.Error()})
	}
}
