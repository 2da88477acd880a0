package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	appcfg "github.com/jo-hoe/markdrop/internal/config"
	"github.com/jo-hoe/markdrop/internal/jobs"
	"github.com/jo-hoe/markdrop/internal/llm"
	"github.com/jo-hoe/markdrop/internal/llm/aiproxy"
	"github.com/jo-hoe/markdrop/internal/llm/gemini"
	"github.com/jo-hoe/markdrop/internal/llm/mock"
	"github.com/jo-hoe/markdrop/internal/processor"
	"github.com/jo-hoe/markdrop/internal/server"
	"github.com/jo-hoe/markdrop/internal/session"
	"github.com/jo-hoe/markdrop/internal/upload"
)

const sessionSweepInterval = time.Minute

func main() {
	// Bootstrap logger until the configured level is known.
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// Optional .env for local development
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("load .env", "err", err)
	}

	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Server.SlogLevel()}))
	slog.SetDefault(logger)

	// Uploader
	uploader := upload.NewUploader(cfg.Server.StorageDir)

	// LLM client
	llmClient, err := newLLMClient(cfg.LLM)
	if err != nil {
		logger.Error("init llm", "err", err)
		os.Exit(1)
	}
	if cfg.LLM.Provider == appcfg.ProviderGemini && cfg.LLM.Gemini.APIKey == "" {
		logger.Warn("GEMINI_API_KEY is not set; conversions will fail until it is provided")
	}

	// Worker and queue
	worker := processor.New(logger, llmClient, cfg.LLM.StripCodeFence)
	queue := jobs.NewQueue(logger, cfg.Server.QueueCapacity, cfg.Server.WorkerCount)
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := queue.Start(rootCtx, worker); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}

	// Sessions
	sessions := session.NewManager(logger, queue, uploader, cfg.Server.SessionTTL)
	go sessions.Run(rootCtx, sessionSweepInterval)

	// HTTP server
	svc := &server.Service{
		Log:      logger,
		Cfg:      cfg,
		Sessions: sessions,
		Uploader: uploader,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr,
			"provider", cfg.LLM.Provider, "max_upload", cfg.Server.MaxUploadSize.String())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	// Stop workers
	queue.Shutdown(cfg.Server.ShutdownGrace)
	sessions.Close()
	logger.Info("server stopped")
}

func newLLMClient(cfg appcfg.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case appcfg.ProviderGemini:
		return gemini.New(cfg.Gemini), nil
	case appcfg.ProviderAIProxy:
		return aiproxy.New(cfg.AIProxy), nil
	case appcfg.ProviderMock:
		return mock.New(cfg.Mock), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
