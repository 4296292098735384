package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"topicbus/broker/internal/broker"
	"topicbus/broker/internal/config"
	"topicbus/broker/internal/hub"
	"topicbus/broker/internal/journal"
	"topicbus/broker/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer logger.Sync()

	jrnl := journal.New(cfg.MessageFile)
	if !jrnl.Enabled() {
		logger.Warn("BROKER_MESSAGE_FILE not set, persistence disabled")
	}
	archive, err := journal.NewArchive(cfg.ArchiveFile, nil)
	if err != nil {
		logger.Warn("expiry archive unavailable", logging.Error(err))
	}
	defer archive.Close()

	h := hub.New(logger)
	core := broker.New(broker.Options{
		Delivery:   h,
		Journal:    jrnl,
		Archive:    archive,
		Logger:     logger,
		MaxClients: cfg.MaxClients,
		GraceDelay: cfg.GraceDelay,
	})

	loaded, err := core.Seed()
	if err != nil {
		logger.Warn("journal load failed, starting empty", logging.Error(err))
	}
	logger.Info("journal loaded", logging.Int("messages", loaded))

	// The socket file is the single-instance guard: a second broker on the
	// same host must refuse to start.
	if _, err := os.Stat(cfg.SocketPath); err == nil {
		logger.Fatal("broker socket already exists, is another instance running?",
			logging.String("socket", cfg.SocketPath))
	}
	listener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		logger.Fatal("bind broker socket", logging.String("socket", cfg.SocketPath), logging.Error(err))
	}
	logger.Info("broker listening", logging.String("socket", cfg.SocketPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return h.Serve(listener) })
	group.Go(func() error { return core.Run(ctx.Done(), h.Commands()) })
	group.Go(func() error { return core.RunReaper(ctx, cfg.TickInterval) })

	console := broker.NewConsole(core, os.Stdin, os.Stdout, logger, stop)
	group.Go(func() error { return console.Run(ctx) })

	<-ctx.Done()
	core.Shutdown()
	if err := h.Close(); err != nil {
		logger.Warn("hub close", logging.Error(err))
	}
	_ = os.Remove(cfg.SocketPath)
	if err := group.Wait(); err != nil {
		logger.Error("broker stopped with error", logging.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("broker stopped")
}
