package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"krumpkraft.io/internal/logging"
)

func main() {
	var (
		addr        = flag.String("addr", ":8081", "http listen address")
		fixturePath = flag.String("fixture", "./configs/agentstub.yml", "YAML file with the agents to serve")
		drift       = flag.Bool("drift", false, "nudge every agent by up to one block per fetch")
		logLevel    = flag.String("log_level", "info", "log level")
	)
	flag.Parse()

	logger, _, err := logging.New(logging.Config{Level: *logLevel, Pretty: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}

	f, err := loadFixture(*fixturePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("fixture")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newStub(f, *drift, logger).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info().Str("addr", *addr).Int("agents", len(f.Agents)).Msg("agent stub listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("ListenAndServe")
	}
}
