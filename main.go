// Command twitch-autopoll runs Twitch predictions for a game session.
// It:
//   - Loads configuration and initializes structured logging.
//   - Starts the scheduler loop that owns the Twitch credential session and the
//     single prediction slot.
//   - Optionally connects to Postgres (DB_DSN) to keep a prediction audit log,
//     and to Twitch chat (CHAT_ANNOUNCE) to announce predictions.
//   - Exposes the local control API used by the game, with /healthz, /readyz
//     and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: a live prediction is canceled
// (viewers are refunded) before the process exits.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/onnwee/twitch-autopoll/chat"
	"github.com/onnwee/twitch-autopoll/config"
	"github.com/onnwee/twitch-autopoll/db"
	"github.com/onnwee/twitch-autopoll/notify"
	"github.com/onnwee/twitch-autopoll/oauth"
	"github.com/onnwee/twitch-autopoll/prediction"
	"github.com/onnwee/twitch-autopoll/scheduler"
	"github.com/onnwee/twitch-autopoll/server"
	"github.com/onnwee/twitch-autopoll/telemetry"
	"github.com/onnwee/twitch-autopoll/twitchapi"
)

const (
	version  = "1.0.0"
	feedSize = 200
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing(telemetry.TracingConfigFromEnv(version, cfg.TwitchClientID))
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Signals stop the HTTP server; the loop keeps running until the live
	// prediction has been canceled.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	loop := scheduler.New(nil)
	go loop.Run(loopCtx)

	feed := notify.NewFeed(feedSize, nil)
	api := &twitchapi.Client{ClientID: cfg.TwitchClientID}

	var opener oauth.URLOpener = oauth.NopOpener{}
	if cfg.OpenBrowser {
		opener = oauth.BrowserOpener{}
	}
	mgr := oauth.NewManager(loopCtx, loop, api, oauth.Options{
		Scopes:   cfg.TwitchScopes,
		Refresh:  cfg.Refresh,
		Notifier: feed,
		Opener:   opener,
	})

	// Audit store (optional)
	var (
		recorder prediction.EventRecorder
		history  server.History
	)
	if cfg.DBDsn != "" {
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
		store := &db.PredictionEventStore{DB: database}
		recorder, history = store, store
	} else {
		slog.Info("prediction audit log disabled (DB_DSN not set)")
	}

	// Chat announcements (optional)
	var announcer prediction.Announcer
	if cfg.ChatAnnounce {
		a := chat.NewAnnouncer(nil)
		go a.Run(loopCtx)
		mgr.OnTokenChange(a.Rekey)
		announcer = a
	}

	svc := prediction.NewService(loop, api, mgr, prediction.Options{
		Title:     cfg.PredictionTitle,
		Window:    cfg.Window,
		Notifier:  feed,
		Recorder:  recorder,
		Announcer: announcer,
	})
	mgr.SetBusyCheck(svc.Busy)

	handlers := server.NewHandlers(mgr, svc, history, feed)
	srvDone := make(chan struct{})
	go func() {
		defer close(srvDone)
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewRouter(handlers, cfg.ControlToken)); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	<-srvDone

	cancelCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownCancelTimeout)
	if err := svc.Shutdown(cancelCtx); err != nil {
		slog.Warn("prediction shutdown incomplete", slog.Any("err", err))
	}
	cancel()

	stopLoop()
	<-loop.Done()
}

// setupLogging configures slog from LOG_LEVEL and LOG_FORMAT. Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}
