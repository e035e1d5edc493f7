// Briefcast research core: schedules recurring research projects, runs the
// LLM search pipeline against web search providers, and delivers compiled
// reports by email. One binary hosts the scheduler, the workers, the
// reconciler, and the admin HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"briefcast.org/api"
	"briefcast.org/cache"
	"briefcast.org/common"
	"briefcast.org/config"
	"briefcast.org/llm"
	"briefcast.org/notification"
	"briefcast.org/pipeline"
	"briefcast.org/queue"
	"briefcast.org/recovery"
	"briefcast.org/scheduler"
	"briefcast.org/search"
	"briefcast.org/searchcache"
	"briefcast.org/store"
	"briefcast.org/version"
	"briefcast.org/worker"
)

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*cfgFile); err != nil {
		common.Logger.WithError(err).Error("fatal")
		os.Exit(1)
	}
}

func run(cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
	log := common.Logger

	build := version.Current()
	log.WithField("version", build.Version).WithField("go", build.GoVersion).Info("briefcast starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cacheStore, err := cache.New(ctx, cache.Config{
		Addr:     cfg.Cache.Redis.Addr(),
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer cacheStore.Close()

	projects, err := store.NewCouchDB(ctx, store.CouchDBConfig{
		URL:      cfg.Store.URL,
		Database: cfg.Store.Database,
		Username: cfg.Store.Username,
		Password: cfg.Store.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to couchdb: %w", err)
	}

	provider, err := buildProvider(cfg.Search)
	if err != nil {
		return err
	}
	log.WithField("provider", provider.Name()).Info("search provider ready")

	llmClient := llm.NewOpenAI(cfg.LLM, cfg.Models)

	var resCache *searchcache.Cache
	var deduper *searchcache.Deduper
	if cfg.Cache.Enabled {
		resCache = searchcache.New(cacheStore, searchcache.Config{
			BaseTTL:          cfg.Cache.SearchResults.BaseTTL,
			PopularTTL:       cfg.Cache.SearchResults.PopularTTL,
			TTLJitter:        cfg.Cache.SearchResults.TTLJitter,
			PopularThreshold: cfg.Cache.SearchResults.PopularThreshold,
		})
		if cfg.Dedup.Enabled {
			deduper = searchcache.NewDeduper(cacheStore, llmClient, resCache, searchcache.DedupConfig{
				SimilarityThreshold: cfg.Dedup.SimilarityThreshold,
				WindowHours:         cfg.Dedup.WindowHours,
			})
		}
	}

	broker := queue.NewBroker(cacheStore.Client())
	pl := pipeline.New(projects, llmClient, provider, resCache, deduper, cfg.Pipeline)
	mailer := notification.NewResend(cfg.Mail)

	reconciler := recovery.New(projects, broker, recovery.Config{
		Interval:       cfg.Scheduler.RecoveryInterval,
		StuckThreshold: cfg.Scheduler.StuckThreshold,
	})

	researchRunner := worker.NewRunner(broker, queue.QueueResearch, 1, nil,
		worker.NewResearchHandler(projects, pl, broker))
	deliveryRunner := worker.NewRunner(broker, queue.QueueDelivery, 2,
		rate.NewLimiter(rate.Every(600*time.Millisecond), 2),
		worker.NewDeliveryHandler(projects, mailer, cacheStore))

	sched := scheduler.New(projects, broker, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		Window:       time.Duration(cfg.Scheduler.CheckWindowMinutes) * time.Minute,
	})

	admin := api.New(cfg.Server, broker, cacheStore, reconciler)

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
		log.WithField("component", name).Debug("component started")
	}

	start("research-worker", researchRunner.Run)
	start("delivery-worker", deliveryRunner.Run)
	start("reconciler", reconciler.Run)
	if cfg.Scheduler.Enabled {
		if cfg.Scheduler.RunOnStartup {
			sched.Tick(ctx, time.Now())
		}
		start("scheduler", sched.Run)
	} else {
		log.Warn("scheduler disabled, projects will not be dispatched")
	}

	go func() {
		if err := admin.Start(); err != nil {
			log.WithError(err).Info("admin server closed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	if err := admin.Shutdown(context.Background()); err != nil {
		log.WithError(err).Warn("admin server shutdown failed")
	}
	wg.Wait()
	log.Info("shutdown complete")
	return nil
}

// buildProvider assembles the configured search provider layer. multi wraps
// every provider with an API key behind the failover circuit.
func buildProvider(cfg config.SearchConfig) (search.Provider, error) {
	switch cfg.Provider {
	case "serper":
		if cfg.SerperAPIKey == "" {
			return nil, fmt.Errorf("serper provider selected but no API key configured")
		}
		return search.NewSerper(cfg.SerperAPIKey, cfg.Timeout), nil
	case "brave":
		if cfg.BraveAPIKey == "" {
			return nil, fmt.Errorf("brave provider selected but no API key configured")
		}
		return search.NewBrave(cfg.BraveAPIKey, cfg.Timeout), nil
	case "multi":
		var providers []search.Provider
		if cfg.SerperAPIKey != "" {
			providers = append(providers, search.NewSerper(cfg.SerperAPIKey, cfg.Timeout))
		}
		if cfg.BraveAPIKey != "" {
			providers = append(providers, search.NewBrave(cfg.BraveAPIKey, cfg.Timeout))
		}
		if len(providers) == 0 {
			return nil, fmt.Errorf("multi provider selected but no API keys configured")
		}
		return search.NewMulti(search.MultiConfig{
			FailureThreshold: cfg.FailureThreshold,
			RecoveryTimeout:  cfg.RecoveryTimeout,
		}, providers...), nil
	default:
		return nil, fmt.Errorf("unknown search provider %q", cfg.Provider)
	}
}
