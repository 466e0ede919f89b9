package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/square-key-labs/callbridge/src/carrier"
	"github.com/square-key-labs/callbridge/src/config"
	"github.com/square-key-labs/callbridge/src/logger"
	"github.com/square-key-labs/callbridge/src/manager"
	"github.com/square-key-labs/callbridge/src/server"
	"github.com/square-key-labs/callbridge/src/tts"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env vars also apply)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "callbridge:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ttsProvider, err := tts.New(tts.Config{
		Provider: cfg.TTS.Provider,
		APIKey:   cfg.TTS.APIKey,
		Voice:    cfg.TTS.Voice,
		Model:    cfg.TTS.Model,
	}, log)
	if err != nil {
		return err
	}

	api := carrier.NewClient(carrier.ClientConfig{
		AccountSID: cfg.Carrier.AccountSID,
		AuthToken:  cfg.Carrier.AuthToken,
	}, log)

	mgr := manager.New(cfg, api, ttsProvider, log)
	srv := server.New(cfg, mgr, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Hang up live calls before the listener drains.
		mgr.Shutdown(context.Background())
		return nil
	})

	log.Infow("callbridge started",
		"stt", cfg.STT.Provider, "tts", cfg.TTS.Provider, "port", cfg.Server.Port)
	return g.Wait()
}
