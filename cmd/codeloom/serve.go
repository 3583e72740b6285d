package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/codeloom-ai/codeloom/pkg/logger"
	"github.com/codeloom-ai/codeloom/pkg/protocol"
	"github.com/codeloom-ai/codeloom/pkg/server"
)

// ServeCmd runs the JSON-RPC dispatcher on stdio. Stdout carries only
// protocol frames; logs go to stderr or the configured file.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, cleanup, err := cli.loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.GetLogger().Info("shutting down")
		cancel()
	}()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()
	rt.startWatcher(ctx)

	codec := protocol.NewCodec(os.Stdin, os.Stdout)
	srv := server.New(codec, version)

	handlers := server.NewHandlers(cfg, server.Options{
		Store:     rt.store,
		Router:    rt.router,
		Retriever: rt.retriever,
		Provider:  rt.provider,
		Tools:     rt.toolRunner(),
		Metrics:   rt.metrics,
		Notify:    srv.Notify,
	})
	srv.RegisterAll(handlers.Methods())

	logger.GetLogger().Info("server starting", "version", version,
		"session_db", cfg.Storage.SessionDB, "vector_db", cfg.Storage.VectorDB)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
