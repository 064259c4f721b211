package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/avasylenko/pricewatch/internal/browser"
	"github.com/avasylenko/pricewatch/internal/config"
	"github.com/avasylenko/pricewatch/internal/crawl"
	"github.com/avasylenko/pricewatch/internal/detect"
	"github.com/avasylenko/pricewatch/internal/fetch"
	"github.com/avasylenko/pricewatch/internal/notify"
	"github.com/avasylenko/pricewatch/internal/parse"
	"github.com/avasylenko/pricewatch/internal/publish"
	"github.com/avasylenko/pricewatch/internal/rates"
	"github.com/avasylenko/pricewatch/internal/resolve"
	"github.com/avasylenko/pricewatch/internal/store"
	"github.com/avasylenko/pricewatch/internal/supervisor"
	"github.com/avasylenko/pricewatch/pkg/logger"
	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// lystCookie selects the pricing locale on the aggregator.
const lystCookie = "country"

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the crawler daemon",
		Long: "Starts every per-source crawl loop, the Telegram publisher, the\n" +
			"pinned heartbeat message and the optional debug listener, and runs\n" +
			"until SIGINT or SIGTERM.",
		RunE: runRun,
	}
}

func runRun(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, logCloser, err := logger.NewWithFile(cfg.Storage.LogFile, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	for _, dir := range []string{cfg.Storage.Dir, cfg.Storage.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	state, err := store.NewState(cfg.Storage.StateDir)
	if err != nil {
		return fmt.Errorf("opening state dir: %w", err)
	}

	stores := make(map[domain.Source]*store.SQLite, 3)
	for _, src := range []domain.Source{domain.SourceLyst, domain.SourceOLX, domain.SourceShafa} {
		st, err := store.Open(filepath.Join(cfg.Storage.Dir, string(src)+".db"), src)
		if err != nil {
			return fmt.Errorf("opening %s store: %w", src, err)
		}
		defer st.Close()
		stores[src] = st
	}

	feed := rates.NewFeed(cfg.Rates.URL, cfg.Rates.APIKey, cfg.Rates.Reference,
		cfg.Rates.CacheFile, rates.WithLogger(log))
	if err := feed.Load(); err != nil {
		log.Warn("no cached rates, fetching fresh snapshot", "error", err)
		rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if err := feed.Refresh(rctx); err != nil {
			log.Warn("initial rates fetch failed, conversions degrade until the next refresh", "error", err)
		}
		cancel()
	}

	pool := browser.NewPool(browser.Config{
		MaxBrowsers:       cfg.Lyst.MaxBrowsers,
		RegionConcurrency: cfg.Lyst.RegionConcurrency,
		PageTimeout:       cfg.Lyst.PageTimeout,
		BlockResources:    cfg.Images.BlockResources,
		Scroll:            scrollOptions(cfg.Lyst.Scroll),
		Logger:            log,
	})
	defer pool.Close()

	tg := notify.New(cfg.Telegram.Token,
		notify.WithAPIBase(cfg.Telegram.APIBase), notify.WithLogger(log))

	composer := publish.NewComposer(
		publish.WithUpscale(cfg.Images.Upscale, publish.UpscaleMethod(cfg.Images.Method)),
		publish.WithComposerLogger(log),
	)
	publisher := publish.New(tg, cfg.Telegram.ChatID,
		publish.WithComposer(composer), publish.WithLogger(log))

	sup, err := supervisor.New(state, supervisor.WithLogger(log))
	if err != nil {
		return fmt.Errorf("restoring supervisor state: %w", err)
	}

	lystCrawler, err := buildLyst(cfg, pool, feed, stores[domain.SourceLyst], publisher, state, sup, log)
	if err != nil {
		return err
	}

	jobs := []supervisor.Job{{
		Source:      domain.SourceLyst,
		Cycle:       lystCrawler,
		Interval:    cfg.Lyst.CheckInterval,
		Jitter:      cfg.Lyst.CheckJitter,
		StallBudget: cfg.Lyst.StallTimeout,
	}}

	for src, c := range map[domain.Source]config.ClassifiedsConfig{
		domain.SourceOLX:   cfg.OLX,
		domain.SourceShafa: cfg.Shafa,
	} {
		crawler, err := buildClassifieds(src, c, stores[src], publisher, sup, log)
		if err != nil {
			return err
		}
		jobs = append(jobs, supervisor.Job{
			Source:      src,
			Cycle:       crawler,
			IntervalMin: c.IntervalMin,
			IntervalMax: c.IntervalMax,
		})
	}

	heartbeat := supervisor.NewHeartbeat(sup, tg, state, cfg.Telegram.ChatID,
		config.HeartbeatInterval, log)
	heartbeat.SetStaleBudget(domain.SourceLyst, cfg.Lyst.StaleBudget)

	sched := cron.New()
	if _, err := sched.AddFunc("@every "+cfg.Rates.Refresh.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := feed.Refresh(ctx); err != nil {
			log.Warn("rates refresh failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling rates refresh: %w", err)
	}
	for src, c := range map[domain.Source]config.ClassifiedsConfig{
		domain.SourceOLX:   cfg.OLX,
		domain.SourceShafa: cfg.Shafa,
	} {
		if err := scheduleRetention(sched, stores[src], src, c.RetentionDays, log); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go publisher.Run(ctx)
	go heartbeat.Run(ctx)
	if cfg.Telegram.LogPoll && cfg.Telegram.AdminChatID != 0 {
		watcher := notify.NewLogWatcher(tg, cfg.Telegram.AdminChatID, cfg.Storage.LogFile, 0, log)
		go watcher.Run(ctx)
	}

	var debug *echo.Echo
	if cfg.Server.Addr != "" {
		debug = debugServer()
		go func() {
			if err := debug.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("debug listener error", "error", err)
			}
		}()
	}

	sched.Start()
	log.Info("pricewatch started", "sources", len(jobs), "debug_addr", cfg.Server.Addr)

	sup.Run(ctx, jobs)

	log.Info("shutting down")
	<-sched.Stop().Done()
	if debug != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := debug.Shutdown(sctx); err != nil {
			log.Warn("debug listener shutdown failed", "error", err)
		}
	}
	return nil
}

func buildLyst(cfg *config.Config, pool *browser.Pool, feed *rates.Feed, st *store.SQLite,
	publisher *publish.Publisher, state *store.State, sup *supervisor.Supervisor, log *slog.Logger,
) (*crawl.Lyst, error) {
	src := domain.SourceLyst
	srcLog := logger.ForSource(log, string(src))

	card := parse.CardSelector(src)
	fetcher := fetch.New(src,
		fetch.WithRenderer(pool),
		fetch.WithHTTPOnly(cfg.Lyst.HTTPOnly),
		fetch.WithRegionCookie(lystCookie, ".lyst.com"),
		fetch.WithSelectors(card, card),
		fetch.WithHTTPClient(&http.Client{Timeout: cfg.Lyst.PageTimeout}),
		fetch.WithLogger(srcLog),
	)

	parser, err := parse.New(src, parse.WithMinPrice(cfg.Lyst.MinPrice), parse.WithLogger(srcLog))
	if err != nil {
		return nil, fmt.Errorf("building %s parser: %w", src, err)
	}

	resolver := resolve.New(feed,
		resolve.WithPriority(cfg.Lyst.Regions),
		resolve.WithDeltaMin(cfg.Lyst.MinGap.Amount),
		resolve.WithLogger(srcLog),
	)

	// Zero thresholds: every aggregator price move is worth a message.
	detector := detect.New(src, st, publisher,
		detect.WithConverter(feed), detect.WithLogger(srcLog))

	return crawl.NewLyst(fetcher, parser, resolver, detector, state,
		cfg.Lyst.Queries, cfg.Lyst.Regions,
		crawl.WithConcurrency(cfg.Lyst.QueryConcurrency, cfg.Lyst.RegionConcurrency),
		crawl.WithQueryTimeout(cfg.Lyst.URLTimeout),
		crawl.WithDumpDir(filepath.Join(cfg.Storage.StateDir, "dumps")),
		crawl.WithProgress(sup.ProgressFunc(src)),
		crawl.WithLystLogger(srcLog),
	), nil
}

func buildClassifieds(src domain.Source, cfg config.ClassifiedsConfig, st *store.SQLite,
	publisher *publish.Publisher, sup *supervisor.Supervisor, log *slog.Logger,
) (*crawl.Classifieds, error) {
	srcLog := logger.ForSource(log, string(src))

	fetcher := fetch.New(src,
		fetch.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		fetch.WithLogger(srcLog),
	)

	parser, err := parse.New(src, parse.WithMinPrice(cfg.MinPrice), parse.WithLogger(srcLog))
	if err != nil {
		return nil, fmt.Errorf("building %s parser: %w", src, err)
	}

	detector := detect.New(src, st, publisher,
		detect.WithThresholds(cfg.DeltaAbs, cfg.DeltaRel),
		detect.WithLogger(srcLog),
	)

	return crawl.NewClassifieds(src, fetcher, parser, detector, cfg.Queries,
		crawl.WithClassifiedsConcurrency(cfg.Concurrency),
		crawl.WithClassifiedsProgress(sup.ProgressFunc(src)),
		crawl.WithClassifiedsLogger(srcLog),
	), nil
}

func scheduleRetention(sched *cron.Cron, st *store.SQLite, src domain.Source,
	days int, log *slog.Logger,
) error {
	if days <= 0 {
		return nil
	}
	_, err := sched.AddFunc("0 4 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		cutoff := time.Now().AddDate(0, 0, -days)
		n, err := st.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			log.Warn("retention sweep failed", "source", src, "error", err)
			return
		}
		if n > 0 {
			log.Info("retention sweep", "source", src, "deleted", n)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling %s retention: %w", src, err)
	}
	return nil
}

func scrollOptions(c config.ScrollConfig) browser.ScrollOptions {
	return browser.ScrollOptions{
		Strategy:     c.Strategy,
		StepPx:       c.StepPx,
		Pause:        c.Pause,
		StableAfter:  c.StableAfter,
		MaxAttempts:  c.MaxAttempts,
		ExtraScrolls: c.ExtraScrolls,
		ReadyRatio:   c.ReadyRatio,
		SettlePasses: c.SettlePasses,
	}
}

func debugServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}
