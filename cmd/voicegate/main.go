// Command voicegate runs the phone-call voice gateway: audio in, admission
// and auth policy, LLM reply generation with operator takeover, audio out.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"voicegate/internal/agentlink"
	"voicegate/internal/bus"
	"voicegate/internal/config"
	"voicegate/internal/instructions"
	"voicegate/internal/llm"
	"voicegate/internal/logging"
	"voicegate/internal/observability"
	"voicegate/internal/phone"
	"voicegate/internal/pipeline"
	"voicegate/internal/prompt"
	"voicegate/internal/server"
	"voicegate/internal/session"
	"voicegate/internal/speech"
)

var version = "0.3.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "voicegate",
		Short:         "Voice assistant gateway for phone calls",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default voicegate.json)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("voicegate %s\n", version)
		},
	}

	root.AddCommand(serve, versionCmd)
	return root
}

func runServe(configPath string) error {
	bootLogger := logging.New(logging.Config{Level: "info", Format: "text"})

	configMgr, err := config.Load(configPath, bootLogger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := configMgr.Snapshot()

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := observability.NewTracerProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	store := session.NewStore(cfg.SessionDir, cfg.SessionTTL(), logger)
	eventBus := bus.New(logger)
	instr := instructions.NewStore(func() string {
		return configMgr.Snapshot().LLMSystemPrompt
	})

	llmClient, err := llm.NewOpenAIClient(llm.Config{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
	}, logger)
	if err != nil {
		return fmt.Errorf("init llm: %w", err)
	}

	speechClient := speech.NewClient(speech.Config{
		BaseURL:     cfg.SpeechBaseURL,
		STTModel:    cfg.STTModel,
		STTLanguage: cfg.STTLanguage,
		TTSModel:    cfg.TTSModel,
		TTSVoice:    cfg.TTSVoice,
		TTSSpeed:    cfg.TTSSpeed,
	}, logger)

	agents := agentlink.NewManager(store, eventBus, cfg.AgentTimeout(), logger)
	bridge := phone.NewBridge(cfg.PhoneBridgeCmd, logger)

	pipe := pipeline.New(pipeline.Options{
		Store:       store,
		Bus:         eventBus,
		Instr:       instr,
		Compactor:   prompt.NewCompactor(llmClient, logger),
		Transcriber: speechClient,
		Synthesizer: speechClient,
		LLM:         llmClient,
		Agents:      agents,
		Config:      configMgr.Snapshot,
		Tracer:      tracer,
		Logger:      logger,
	})

	srv := server.New(server.Options{
		ConfigMgr:   configMgr,
		Store:       store,
		Bus:         eventBus,
		Instr:       instr,
		Pipeline:    pipe,
		Agents:      agents,
		LLM:         llmClient,
		Speech:      speechClient,
		Synthesizer: speechClient,
		Bridge:      bridge,
		Logger:      logger,
		Version:     version,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}
	return nil
}
