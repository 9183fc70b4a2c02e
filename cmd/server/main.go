package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"krumpkraft.io/internal/chatrelay"
	"krumpkraft.io/internal/config"
	"krumpkraft.io/internal/journal"
	"krumpkraft.io/internal/logging"
	"krumpkraft.io/internal/markers"
	"krumpkraft.io/internal/metrics"
	"krumpkraft.io/internal/persistence/indexdb"
	persistlog "krumpkraft.io/internal/persistence/log"
	"krumpkraft.io/internal/plugin"
	"krumpkraft.io/internal/sim/world"
	"krumpkraft.io/internal/transport/observer"
	"krumpkraft.io/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/config.yml", "plugin config file (watched for changes)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		worlds     = flag.String("worlds", "world,world_nether,world_the_end", "comma-separated world names")
		logLevel   = flag.String("log_level", "info", "log level (debug, info, warn, error)")
		logPretty  = flag.Bool("log_pretty", false, "human-readable console logs")
		logFile    = flag.String("log_file", "", "optional JSON log file")
		disableDB  = flag.Bool("disable_db", false, "disable the SQLite index of sync ticks and chat relays")
		retention  = flag.Duration("audit_retention", 7*24*time.Hour, "delete audit log hours older than this (0 = keep all)")
	)
	flag.Parse()

	logger, logCloser, err := logging.New(logging.Config{Level: *logLevel, Pretty: *logPretty, File: *logFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("data", *dataDir).Msg("data dir")
	}

	holder, err := config.NewHolder(*configPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("config", *configPath).Msg("load config")
	}

	rt, err := world.New(world.Config{Worlds: splitList(*worlds), Logger: logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("runtime")
	}

	m := metrics.New()
	m.RegisterGaugeFunc("krumpkraft_runtime_entities", "Live entities across all worlds.", func() float64 {
		return float64(rt.Stats().Entities)
	})
	m.RegisterGaugeFunc("krumpkraft_runtime_players", "Connected players.", func() float64 {
		return float64(rt.Stats().Players)
	})
	m.RegisterGaugeFunc("krumpkraft_runtime_dropped_messages_total", "Player messages dropped on full queues.", func() float64 {
		return float64(rt.Stats().Dropped)
	})

	syncLog := persistlog.NewSyncLogger(*dataDir, persistlog.WithRetention(*retention))
	chatLog := persistlog.NewChatLogger(*dataDir, persistlog.WithRetention(*retention))
	defer syncLog.Close()
	defer chatLog.Close()

	feed := observer.NewHub()
	jcfg := journal.Config{
		Metrics: m,
		SyncLog: syncLog,
		ChatLog: chatLog,
		Syncs:   []markers.Recorder{feed},
		Chats:   []chatrelay.Recorder{feed},
		Logger:  logger,
	}
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "krumpkraft.sqlite"))
		if err != nil {
			logger.Fatal().Err(err).Msg("open index db")
		}
		defer idx.Close()
		jcfg.Syncs = append(jcfg.Syncs, idx)
		jcfg.Chats = append(jcfg.Chats, idx)
		m.RegisterGaugeFunc("krumpkraft_index_queue_depth", "Pending index writes.", func() float64 {
			return float64(idx.Stats().QueueDepth)
		})
	}
	j := journal.New(jcfg)

	ctx, cancel := signalContext()
	defer cancel()

	// The runtime outlives ctx so the plugin can still clean up its markers on shutdown.
	rtDone := make(chan error, 1)
	go func() { rtDone <- rt.Run(context.Background()) }()

	plug := plugin.New(plugin.Options{
		Config:       holder,
		Metrics:      m,
		SyncRecorder: j,
		ChatRecorder: j,
		Logger:       logger,
	})
	if err := plug.OnEnable(rt); err != nil {
		logger.Fatal().Err(err).Msg("enable plugin")
	}
	holder.OnChange(plug.ConfigChanged)
	if err := holder.Watch(ctx, 200*time.Millisecond); err != nil {
		logger.Warn().Err(err).Msg("config hot reload disabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", m.Handler())
	if envBool("KK_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		(&adminAPI{rt: rt, plugin: plug, cfg: holder, idx: idx, log: logger}).register(mux)

		obsSrv := observer.NewServer(feed, rt, holder, logger)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
		m.RegisterGaugeFunc("krumpkraft_observers", "Connected admin observers.", func() float64 {
			return float64(feed.Observers())
		})
	} else {
		logger.Info().Msg("admin endpoints disabled (KK_ENABLE_ADMIN_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(rt, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info().Str("addr", *addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("ListenAndServe")
	}

	shutdown(logger, plug, rt, rtDone)
}

// shutdown disables the plugin while the main context still runs, then stops the runtime.
func shutdown(logger zerolog.Logger, plug *plugin.Plugin, rt *world.Runtime, rtDone <-chan error) {
	plug.OnDisable()
	rt.Stop()
	if err := <-rtDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Msg("runtime stopped")
	}
	rt.Wait()
	logger.Info().Msg("shutdown complete")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
