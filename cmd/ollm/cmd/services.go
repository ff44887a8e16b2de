package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/Tecet/ollm-cli/internal/config"
	ctxmgr "github.com/Tecet/ollm-cli/internal/context"
	"github.com/Tecet/ollm-cli/internal/events"
	"github.com/Tecet/ollm-cli/internal/llm"
	"github.com/Tecet/ollm-cli/internal/monitor"
	"github.com/Tecet/ollm-cli/internal/session"
	"github.com/Tecet/ollm-cli/internal/snapshot"
	"github.com/Tecet/ollm-cli/internal/storage"
)

// services bundles everything one CLI invocation runs on. It is
// assembled once here; nothing discovers dependencies on its own.
type services struct {
	cfg       *config.Config
	events    *events.Manager
	monitor   *monitor.Monitor
	store     *storage.Store
	snapshots *snapshot.Manager
	session   *session.Session
}

// buildServices assembles the full pipeline: backend client, token
// counter, pool sized from a live memory probe, compression and
// checkpointing, guard, snapshot manager, and the session on top.
func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
	ev := events.NewManager()
	if err := ev.Start(); err != nil {
		return nil, err
	}

	mon := monitor.New(cfg.MonitorConfig())
	mon.OnLowMemory(func(info monitor.MemoryInfo) {
		ev.PublishMemory(events.MemoryLow, events.MemoryPayload{
			Level:   "low",
			Message: fmt.Sprintf("accelerator memory down to %d MiB available", info.AvailableBytes>>20),
		})
	})

	counter := ctxmgr.NewTokenCounter()

	var completer llm.Completer
	var streamer llm.Streamer
	switch cfg.Backend.Kind {
	case "openai":
		client := llm.NewOpenAIClient(cfg.OpenAIConfig())
		completer, streamer = client, client
	default:
		client := llm.NewOllamaClient(cfg.OllamaConfig())
		completer, streamer = client, client
		// Ollama exposes a server-side tokenizer; exact counts when
		// it answers, local estimation when it does not.
		counter.SetCountFunc(client.CountTokens)
	}

	pool := ctxmgr.NewPool(mon.Query(), cfg.ModelInfo(), cfg.PoolConfig())

	store, err := storage.OpenDefault()
	if err != nil {
		ev.Shutdown()
		return nil, fmt.Errorf("open state store: %w", err)
	}

	snaps := snapshot.NewManager(store, ev, cfg.SnapshotConfig())

	sess, err := session.New(session.Config{
		Model:        cfg.Model.Name,
		SystemPrompt: cfg.Model.SystemPrompt,
		Strategy:     cfg.Strategy(),
	}, session.Deps{
		Pool:        pool,
		Counter:     counter,
		Compressor:  ctxmgr.NewCompressor(counter, completer, cfg.CompressorConfig()),
		Checkpoints: ctxmgr.NewCheckpointManager(counter, completer, cfg.CheckpointConfig()),
		Guard:       ctxmgr.NewGuard(cfg.ThresholdLadder(), cfg.GuardConfig()),
		Snapshots:   snaps,
		Events:      ev,
		Store:       store,
		Completer:   completer,
		Streamer:    streamer,
	})
	if err != nil {
		store.Close()
		ev.Shutdown()
		return nil, err
	}

	if err := sess.Start(ctx); err != nil {
		store.Close()
		ev.Shutdown()
		return nil, err
	}

	return &services{
		cfg:       cfg,
		events:    ev,
		monitor:   mon,
		store:     store,
		snapshots: snaps,
		session:   sess,
	}, nil
}

// close tears services down in reverse order of assembly.
func (s *services) close(ctx context.Context) {
	if err := s.session.Stop(ctx); err != nil {
		log.Warn("stopping session failed", "err", err)
	}
	s.monitor.Stop()
	s.events.Shutdown()
	if err := s.store.Close(); err != nil {
		log.Warn("closing store failed", "err", err)
	}
}
