package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/proxyaudit/proxyaudit/internal/api"
	"github.com/proxyaudit/proxyaudit/internal/buildinfo"
	"github.com/proxyaudit/proxyaudit/internal/cacheproj"
	"github.com/proxyaudit/proxyaudit/internal/collector"
	"github.com/proxyaudit/proxyaudit/internal/config"
	"github.com/proxyaudit/proxyaudit/internal/geoip"
	"github.com/proxyaudit/proxyaudit/internal/metrics"
	"github.com/proxyaudit/proxyaudit/internal/store"
)

func main() {
	// 1. Load and validate environment config
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	log.Printf("proxyauditd %s (%s, built %s) node=%s",
		buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime, envCfg.NodeID)

	// 2. Open the audit database and apply migrations
	db, err := store.OpenDB(envCfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := store.MigrateDB(db); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	ingestor := store.NewIngestor(db, envCfg.NodeID)
	runtime := config.NewManager(store.NewOverrideRepo(db), envCfg)
	if err := runtime.Refresh(true); err != nil {
		log.Printf("[main] %v", err)
	}

	// 3. Optional GeoIP resolver
	var resolver *geoip.Resolver
	if envCfg.GeoIPEnabled {
		resolver, err = geoip.NewResolver(envCfg.GeoIPMMDBPath, envCfg.GeoIPCacheEntries)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		defer resolver.Close()
	}

	// 4. Optional Redis projection
	var projector *cacheproj.Projector
	if envCfg.RedisEnabled {
		client, err := cacheproj.NewClient(envCfg.RedisURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		defer client.Close()

		var countryFn cacheproj.CountryFunc
		if resolver != nil {
			countryFn = func(addr string) string {
				if !runtime.GetBool("AUDIT_GEOIP_ENABLED") {
					return ""
				}
				return resolver.Country(addr)
			}
		}
		projector = cacheproj.New(client, envCfg.NodeID, countryFn)
	}

	// 5. Collector worker
	categories := metrics.NewErrorCategories()
	coll := collector.New(collector.Options{
		Env:        envCfg,
		Runtime:    runtime,
		Store:      ingestor,
		Projector:  projector,
		Categories: categories,
	})
	if err := coll.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	// 6. Off-peak database maintenance
	sched := cron.New()
	if _, err := sched.AddFunc(envCfg.DBMaintenanceSchedule, func() {
		if err := store.Maintain(db); err != nil {
			log.Printf("[main] %v", err)
		}
	}); err != nil {
		log.Printf("[main] maintenance schedule: %v", err)
	}
	sched.Start()

	// 7. Metrics registry and HTTP surface
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewExporter(func() metrics.Snapshot {
		return coll.Stats().MetricsSnapshot()
	}, categories))

	srv := api.NewServer(envCfg.ListenAddress, envCfg.APIPort, coll.Stats, registry, runtime)
	go func() {
		log.Printf("[main] listening on %s:%d", envCfg.ListenAddress, envCfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] http server: %v", err)
		}
	}()

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("[main] received %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	<-sched.Stop().Done()
	if err := coll.Stop(ctx); err != nil {
		log.Printf("[main] %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[main] %v", err)
	}
	log.Println("[main] stopped")
}
