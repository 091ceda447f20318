package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/swiftparcel/realtime/config"
	"github.com/swiftparcel/realtime/registry"
	"github.com/swiftparcel/realtime/router"
	httpServer "github.com/swiftparcel/realtime/server/http"
	websocketServer "github.com/swiftparcel/realtime/server/websocket"
	"github.com/swiftparcel/realtime/service"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath    = fs.StringP("config", "c", "", "path to yaml config file")
		apiListenAddr = fs.StringP("api-listen-addr", "a", "", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", "", "websocket listen address")
		logLevel      = fs.StringP("log-level", "l", "", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if fs.Changed("api-listen-addr") {
		cfg.APIListenAddr = *apiListenAddr
	}
	if fs.Changed("ws-listen-addr") {
		cfg.WSListenAddr = *wsListenAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	sendTimeout, err := cfg.ParseSendTimeout()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid send timeout")
	}

	reg := registry.NewRegistry(&logger)
	rt := router.NewRouter(router.Config{
		Logger:      &logger,
		Registry:    reg,
		SendTimeout: sendTimeout,
	})
	emitter := service.NewEmitter(service.Config{
		Router: rt,
		Logger: &logger,
	})
	apiSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Emitter:    emitter,
		Stats:      reg,
		ListenAddr: cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Registry:   reg,
		Emitter:    emitter,
		ListenAddr: cfg.WSListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(3)
	go rt.Run(ctx, wg)
	go apiSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
