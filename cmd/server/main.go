package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"voicedesk/internal/audio"
	"voicedesk/internal/config"
	"voicedesk/internal/conversation"
	"voicedesk/internal/httpserver"
	"voicedesk/internal/llm"
	"voicedesk/internal/orchestrator"
	"voicedesk/internal/recognizer"
	"voicedesk/internal/rtc"
	"voicedesk/internal/store"
	"voicedesk/internal/synthesizer"
	"voicedesk/internal/task"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	hub := httpserver.NewHub(logger)

	var taskStore *store.SupabaseStore
	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		taskStore, err = store.NewSupabase(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseTable, logger)
		if err != nil {
			logger.Warn("task store disabled", zap.Error(err))
		}
	}

	rec := recognizer.New(recognizer.Config{
		APIKey:       cfg.AssemblyAIKey,
		RestartDelay: cfg.RecognizerRestartDelay,
		RestartCap:   cfg.RecognizerRestartCap,
		OnError: func(err error) {
			logger.Warn("recognition", zap.Error(err))
			hub.Publish("error", map[string]any{"source": "recognition", "message": err.Error()})
		},
	}, logger)

	meter := audio.NewMeter(audio.Config{})

	var engine synthesizer.Engine
	switch cfg.TTSProvider {
	case "elevenlabs":
		engine = synthesizer.NewElevenLabsEngine(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, logger)
	default:
		engine = synthesizer.NewDeepgramEngine(cfg.DeepgramKey, cfg.DeepgramModel, logger)
	}

	inference := llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID)

	// The rtc handler doubles as the synthesizer sink: it routes synthesized
	// audio to whichever peer is connected. Hooks close over the orchestrator
	// and player, which are built right after.
	var orch *orchestrator.Orchestrator
	var player *synthesizer.Player
	rtcHandler := rtc.NewHandler(rec, meter, hub, rtc.Hooks{
		OnConnected: func() error {
			err := orch.Start(context.Background())
			if err == orchestrator.ErrNotIdle {
				return nil
			}
			return err
		},
		OnClosed:  func() { orch.Stop() },
		OnStop:    func() { orch.Stop() },
		OnBargeIn: func() { player.Stop() },
		IsSpeaking: func() bool {
			return orch.State() == orchestrator.StateSpeaking
		},
	}, logger)

	player = synthesizer.NewPlayer(engine, rtcHandler, logger)

	var ts task.Store
	if taskStore != nil {
		ts = taskStore
	}
	orch = orchestrator.New(orchestrator.Config{
		Language:         cfg.Language,
		Formality:        cfg.Formality,
		AutoSpeak:        cfg.AutoSpeak,
		HistoryWindow:    cfg.HistoryWindow,
		MaxTokens:        cfg.MaxTokens,
		InferenceTimeout: cfg.InferenceTimeout,
	}, rec, player, inference, ts, orchestrator.Events{
		OnStateChange: func(s orchestrator.State) {
			hub.Publish("state", map[string]any{"state": s})
		},
		OnInterim: func(text string) {
			hub.Publish("interim", map[string]any{"text": text})
		},
		OnTurn: func(t conversation.Turn) {
			hub.Publish("turn", t)
		},
		OnTask: func(t task.Context) {
			hub.Publish("task", t)
		},
		OnTaskComplete: func(t task.Context) {
			hub.Publish("task_complete", t)
		},
		OnActions: func(actions []llm.SuggestedAction) {
			hub.Publish("actions", actions)
		},
		OnError: func(err error) {
			hub.Publish("error", map[string]any{"message": err.Error()})
		},
	}, logger)

	var lister httpserver.TaskLister
	if taskStore != nil {
		lister = taskStore
	}
	srv := httpserver.New(httpserver.Config{
		Addr:      cfg.HTTPAddress,
		AuthToken: cfg.AuthToken,
	}, orch, rtcHandler, lister, hub, logger)

	serverErrors := make(chan error, 1)
	go func() { serverErrors <- srv.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	orch.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
