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
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/pauljones0/ticket-monitor/internal/config"
	"github.com/pauljones0/ticket-monitor/internal/export"
	"github.com/pauljones0/ticket-monitor/internal/logging"
	"github.com/pauljones0/ticket-monitor/internal/models"
	"github.com/pauljones0/ticket-monitor/internal/monitor"
	"github.com/pauljones0/ticket-monitor/internal/notifier"
	"github.com/pauljones0/ticket-monitor/internal/server"
	"github.com/pauljones0/ticket-monitor/internal/storage"
	"github.com/pauljones0/ticket-monitor/internal/upstream"
)

const shutdownTimeout = 30 * time.Second

type flags struct {
	envFile     string
	once        bool
	clearAlerts bool
	export      bool
	output      string
	exportDays  int
}

// store is what a storage backend provides to the engine and the API.
type store interface {
	monitor.AlertStore
	monitor.DateStore
	Close() error
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("ticket-monitor", pflag.ContinueOnError)
	fs.StringVar(&f.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	fs.BoolVar(&f.once, "once", false, "run a single check cycle and exit")
	fs.BoolVar(&f.clearAlerts, "clear-alerts", false, "clear the alert history before starting")
	fs.BoolVar(&f.export, "export", false, "write an availability report to an xlsx file and exit")
	fs.StringVarP(&f.output, "output", "o", "", "report path for --export (default: timestamped name)")
	fs.IntVar(&f.exportDays, "export-days", export.DefaultMaxDays, "how many days ahead --export looks")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.LoadFile(f.envFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	_, logCloser := logging.Setup(logging.Options{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		File:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
	})
	defer logCloser.Close()

	slog.Info("Starting ticket availability monitor...",
		"upstream", cfg.UpstreamBaseURL,
		"visit_tag", cfg.VisitTag,
		"storage", cfg.StorageBackend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	query := models.SearchQuery{
		Tag:        cfg.VisitTag,
		WhoID:      cfg.WhoID,
		VisitorNum: cfg.VisitorNum,
		Lang:       cfg.Lang,
	}

	identities, err := upstream.LoadIdentityPool(cfg.IdentityFile)
	if err != nil {
		return err
	}
	proxies, err := newProxyProvider(cfg)
	if err != nil {
		return err
	}

	client, err := newUpstreamClient(ctx, cfg, identities, proxies)
	if err != nil {
		return err
	}

	if f.export {
		report, err := export.New(client, query, cfg.ProductFilter).Export(ctx, f.output, f.exportDays)
		if err != nil {
			return fmt.Errorf("exporting availability: %w", err)
		}
		fmt.Printf("Report saved: %s (%d products available across %d dates)\n", report.Path, report.Available, report.DatesQueried)
		return nil
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	seedTargetDates(ctx, st, cfg.TargetDates)

	tg := notifier.New(notifier.Options{
		Token:      cfg.TelegramBotToken,
		ChatID:     cfg.TelegramChatID,
		APIBase:    cfg.TelegramAPIURL,
		BookingURL: client.BookingURL(cfg.VisitTag),
	})

	engine, err := monitor.New(ctx, client, st, st, tg, monitor.Options{
		Query:           query,
		ProductFilter:   cfg.ProductFilter,
		Interval:        cfg.CheckInterval(),
		SummaryInterval: cfg.SummaryInterval,
	})
	if err != nil {
		return err
	}

	if f.clearAlerts {
		if err := engine.ClearAlerts(ctx); err != nil {
			return err
		}
	}

	if f.once {
		res, err := engine.CheckCycle(ctx)
		if err != nil {
			return err
		}
		slog.Info("Single check finished",
			"dates", len(res.Dates),
			"with_availability", len(res.Results),
			"new_products", res.NewAvailability.Count(),
			"notified", res.Notified)
		return nil
	}

	// The calendar endpoint gets its own session so API traffic never
	// rotates the engine's cookies or proxy.
	calendar, err := newUpstreamClient(ctx, cfg, identities, proxies)
	if err != nil {
		return err
	}

	handler := server.NewHandler(ctx, engine, st, calendar, cfg.CheckNowPerMinute)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	engine.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Listening on port", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		engine.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped.")
	return nil
}

func newProxyProvider(cfg *config.Config) (upstream.ProxyProvider, error) {
	switch {
	case cfg.WebshareAPIKey != "":
		slog.Info("Using Webshare proxy list", "mode", cfg.ProxyMode)
		return upstream.NewWebsharePool(cfg.WebshareAPIKey, cfg.ProxyMode), nil
	case len(cfg.ProxyURLs) > 0:
		pool, err := upstream.NewStaticPool(cfg.ProxyURLs, cfg.ProxyMode)
		if err != nil {
			return nil, fmt.Errorf("configuring proxies: %w", err)
		}
		slog.Info("Using static proxy list", "count", len(cfg.ProxyURLs), "mode", cfg.ProxyMode)
		return pool, nil
	default:
		return nil, nil
	}
}

func newUpstreamClient(ctx context.Context, cfg *config.Config, ids []upstream.Identity, proxies upstream.ProxyProvider) (*upstream.Client, error) {
	session, err := upstream.NewSession(ctx, upstream.SessionOptions{
		BaseURL:    cfg.UpstreamBaseURL,
		Timeout:    cfg.RequestTimeout,
		Identities: ids,
		Proxies:    proxies,
	})
	if err != nil {
		return nil, fmt.Errorf("creating upstream session: %w", err)
	}
	return upstream.NewClient(session, upstream.ClientOptions{
		SearchDelay: upstream.Jitter{Min: cfg.SearchDelayMin, Max: cfg.SearchDelayMax},
		RetryDelay:  upstream.Jitter{Min: cfg.RetryDelayMin, Max: cfg.RetryDelayMax},
		DenyList:    cfg.ExcludedProducts,
	}), nil
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.StorageBackend {
	case config.BackendFirestore:
		c, err := storage.New(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("initializing Firestore client: %w", err)
		}
		return c, nil
	default:
		l, err := storage.NewLocal(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening local store: %w", err)
		}
		return l, nil
	}
}

// seedTargetDates adds dates from the environment that are not stored yet.
func seedTargetDates(ctx context.Context, dates monitor.DateStore, seed []string) {
	for _, d := range seed {
		err := dates.AddDate(ctx, d)
		switch {
		case err == nil:
			slog.Info("Seeded target date", "date", d)
		case errors.Is(err, models.ErrDateExists):
		default:
			slog.Warn("Ignoring target date from environment", "date", d, "error", err)
		}
	}
}
