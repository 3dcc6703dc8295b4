// meshworker is the inference worker process. The service spawns one per
// pool slot and speaks the frame protocol with it over stdin/stdout, so
// all logging goes to stderr. Loading the model happens before the ready
// frame is sent; a worker that prints ready can serve requests.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/assistant"
	"github.com/meshworks/meshchat/internal/worker"
)

func main() {
	implementation := flag.String("implementation", assistant.ImplLlamaMock, "Assistant implementation: llama, llama_mock, mock or obj")
	modelPath := flag.String("model-path", "", "Path to the GGUF model file (llama)")
	loraPath := flag.String("lora-path", "", "Path to a LoRA adapter (llama)")
	llamaURL := flag.String("llama-url", "", "Base URL of the llama.cpp server (llama)")
	maxTokens := flag.Int("max-tokens", 0, "Generation cap per request, 0 for the server default")
	mockInterval := flag.Duration("mock-interval", 0, "Token pacing for the mock implementations")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	flag.Parse()

	logger, err := buildLogger(*logLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting meshworker",
		zap.String("implementation", *implementation),
		zap.Int("pid", os.Getpid()))

	a, err := assistant.New(*implementation, assistant.Options{
		ServerURL:    *llamaURL,
		ModelPath:    *modelPath,
		LoraPath:     *loraPath,
		MaxTokens:    *maxTokens,
		MockInterval: *mockInterval,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to construct assistant", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Info("Signal received, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// Serve owns stdout for the frame protocol; it returns when stdin
	// closes (parent shutdown) or the context is cancelled.
	if err := worker.Serve(ctx, a, os.Stdin, os.Stdout, logger); err != nil && err != context.Canceled {
		logger.Error("Worker exited with error", zap.Error(err))
		os.Exit(1)
	}
}

// buildLogger writes to stderr; stdout belongs to the frame protocol.
func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
