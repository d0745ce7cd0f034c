package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/voyagen/streamvault/internal/cache"
	"github.com/voyagen/streamvault/internal/config"
	"github.com/voyagen/streamvault/internal/fetcher"
	"github.com/voyagen/streamvault/internal/registry"
	"github.com/voyagen/streamvault/internal/resolver"
	"github.com/voyagen/streamvault/internal/server"
	"github.com/voyagen/streamvault/internal/service"
)

func main() {
	configPath := flag.String("config", "", "Optional config file path (YAML); else use environment")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Connect to Redis if REDIS_URL is configured.
	var rds *cache.Redis
	if cfg.RedisURL != "" {
		rds, err = cache.New(cfg.RedisURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "redis: %v\n", err)
			os.Exit(1)
		}
		defer rds.Close()

		if err := rds.Ping(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "redis ping: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "redis connected (caching and job queue enabled)")
	} else {
		fmt.Fprintln(os.Stderr, "redis disabled (REDIS_URL not set)")
	}

	// Pick the source registry backend: Postgres when DATABASE_URL is set,
	// else Redis, else process memory.
	var reg registry.Registry
	switch {
	case cfg.DatabaseURL != "":
		absMigrations, err := filepath.Abs("migrations")
		if err != nil {
			absMigrations = "migrations"
		}
		if _, err := os.Stat(absMigrations); err != nil {
			if exe, e := os.Executable(); e == nil {
				absMigrations = filepath.Join(filepath.Dir(exe), "migrations")
			}
		}
		if err := registry.RunMigrations(cfg.DatabaseURL, "file://"+absMigrations); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
		pg, err := registry.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "db: %v\n", err)
			os.Exit(1)
		}
		defer pg.Close()
		reg = pg
		fmt.Fprintln(os.Stderr, "sources stored in Postgres")
	case rds != nil:
		reg = registry.NewRedis(rds)
		fmt.Fprintln(os.Stderr, "sources stored in Redis")
	default:
		reg = registry.NewMemory()
		fmt.Fprintln(os.Stderr, "sources stored in memory (no DATABASE_URL or REDIS_URL)")
	}
	if rds != nil && cfg.DatabaseURL != "" {
		reg = registry.NewCached(reg, rds)
	}

	f := fetcher.New(cfg.Timeout,
		fetcher.WithUserAgent(cfg.UserAgent),
		fetcher.WithProxies(cfg.TextProxyURL, cfg.CORSRelayURL),
	)
	res := resolver.New(f, cfg.Timeout)
	res.StartPrewarm(4, 256)
	defer res.Close()

	loader := service.NewLoader(reg, f, res, rds)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load whatever is already registered before serving.
	if err := loader.SyncAll(ctx); err != nil {
		log.Printf("initial sync: %v", err)
	}

	if err := loader.StartCron(ctx, cfg.SyncCron); err != nil {
		fmt.Fprintf(os.Stderr, "cron: %v\n", err)
		os.Exit(1)
	}
	defer loader.StopCron()

	// Background refresh worker drains the job queue when Redis is available.
	workerDone := make(chan struct{})
	if rds != nil {
		go func() {
			defer close(workerDone)
			runRefreshWorker(ctx, rds, loader)
		}()
	} else {
		close(workerDone)
	}

	srv := server.New(loader, reg, f, rds, cfg)
	if err := srv.ListenAndServe(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}

	// The worker may be mid-refresh; let it finish before the deferred
	// teardown closes the resolver's prewarm pool.
	<-workerDone
}

// runRefreshWorker continuously dequeues refresh jobs from Redis and
// processes them. It stops when ctx is cancelled (graceful shutdown).
func runRefreshWorker(ctx context.Context, rds *cache.Redis, loader *service.Loader) {
	log.Println("refresh worker started")
	for {
		select {
		case <-ctx.Done():
			log.Println("refresh worker stopping")
			return
		default:
		}

		job, err := cache.Dequeue(ctx, rds, cache.DefaultQueue, 5*time.Second)
		if err != nil {
			log.Printf("refresh worker: dequeue error: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}
		if job == nil {
			continue // timeout, loop back to check ctx
		}

		log.Printf("refresh worker: processing job source_id=%q clear_cache=%v",
			job.SourceID, job.ClearCache)
		if err := loader.Refresh(ctx, *job); err != nil {
			log.Printf("refresh worker: refresh error: %v", err)
		}
	}
}
