package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lokutor-ai/lokutor-sessioncore/internal/config"
	"github.com/lokutor-ai/lokutor-sessioncore/internal/logging"
	"github.com/lokutor-ai/lokutor-sessioncore/internal/memory"
	"github.com/lokutor-ai/lokutor-sessioncore/internal/registry"
	"github.com/lokutor-ai/lokutor-sessioncore/internal/transport"
	"github.com/lokutor-ai/lokutor-sessioncore/pkg/providers/llm"
	"github.com/lokutor-ai/lokutor-sessioncore/pkg/providers/memorystore"
)

func main() {
	root := &cobra.Command{
		Use:   "sessioncore",
		Short: "Session Orchestration Core: STT/LLM/TTS voice pipeline with asynchronous memory",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "start the WebSocket session server",
		RunE:  runServe,
	}
	config.BindFlags(serve.Flags())
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zlog, err := logging.New(cfg.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zlog.Sync()

	reg := registry.New()

	var analyzer *memory.Analyzer
	var cache *memory.ScaffoldCache
	var writer *memory.Writer
	if cfg.MemoryStoreURL != "" {
		store := memorystore.New(cfg.MemoryStoreKey, cfg.MemoryStoreURL)
		writer = memory.NewWriter(store, cfg.Orchestrator, zlog)
		go writer.Run(cmd.Context())

		cache = memory.NewScaffoldCache(
			time.Duration(cfg.Orchestrator.FreshnessGuardWindowS)*time.Second,
			cfg.Orchestrator.FreshnessBackgroundWeight,
		)

		analyzerLLM, llmErr := buildAnalyzerLLM(cfg)
		if llmErr != nil {
			zlog.Warn("background analyzer disabled: no LLM available", "error", llmErr)
		} else {
			analyzer = memory.NewAnalyzer(store, cache, writer, reg, analyzerLLM, cfg.Orchestrator, zlog)
		}
	} else {
		zlog.Warn("MEMORYSTORE_URL not set: memory subsystem disabled")
	}

	server := transport.NewServer(cfg, reg, analyzer, cache, writer, zlog)

	mux := http.NewServeMux()
	mux.Handle("/ws", server)

	zlog.Info("sessioncore listening", "addr", cfg.ListenAddr)
	return http.ListenAndServe(cfg.ListenAddr, mux)
}

func buildAnalyzerLLM(cfg *config.Config) (*llm.GroqLLM, error) {
	if cfg.GroqAPIKey == "" {
		return nil, fmt.Errorf("GROQ_API_KEY not set")
	}
	return llm.NewGroqLLM(cfg.GroqAPIKey, "llama-3.3-70b-versatile"), nil
}
