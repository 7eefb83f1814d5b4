package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/novaadapt/novaadapt/internal/actionlog"
	"github.com/novaadapt/novaadapt/internal/agent"
	"github.com/novaadapt/novaadapt/internal/audit"
	"github.com/novaadapt/novaadapt/internal/config"
	"github.com/novaadapt/novaadapt/internal/idempotency"
	"github.com/novaadapt/novaadapt/internal/jobs"
	"github.com/novaadapt/novaadapt/internal/plan"
	"github.com/novaadapt/novaadapt/internal/router"
	"github.com/novaadapt/novaadapt/internal/router/openaicompat"
	"github.com/novaadapt/novaadapt/internal/store"
	"github.com/novaadapt/novaadapt/internal/transport"
)

// app holds the wired subsystems shared by the serve and mcp commands.
type app struct {
	router     *router.Router
	agent      *agent.Agent
	plans      *plan.Store
	runner     *plan.Runner
	actions    *actionlog.Store
	jobs       *jobs.Manager
	jobStore   *jobs.Store
	idem       *idempotency.Store
	audit      *audit.Store
	transports *transport.Registry
}

func wire(cfg config.Config, log *zap.Logger) (*app, error) {
	rt, err := router.New(cfg.Models.Endpoints, cfg.Models.Default, openaicompat.New(nil), router.Config{
		Temperature:           cfg.Models.Temperature,
		MaxTokens:             cfg.Models.MaxTokens,
		Timeout:               cfg.ModelTimeout(),
		DefaultVoteCandidates: cfg.Models.DefaultVoteCandidates,
		MinVoteAgreement:      cfg.Models.MinVoteAgreement,
	})
	if err != nil {
		return nil, err
	}

	transports, err := buildTransports(cfg)
	if err != nil {
		return nil, err
	}

	actions, err := actionlog.Open(cfg.ActionsDB(), cfg.ActionTTL())
	if err != nil {
		return nil, err
	}
	plans, err := plan.Open(cfg.PlansDB())
	if err != nil {
		actions.Close()
		return nil, err
	}
	jobStore, err := jobs.OpenStore(cfg.JobsDB())
	if err != nil {
		actions.Close()
		plans.Close()
		return nil, err
	}
	idem, err := idempotency.Open(cfg.IdempotencyDB(), cfg.IdempotencyTTL(), cfg.CleanupInterval())
	if err != nil {
		actions.Close()
		plans.Close()
		jobStore.Close()
		return nil, err
	}
	auditStore, err := audit.Open(cfg.AuditDB(), cfg.AuditTTL(), cfg.CleanupInterval())
	if err != nil {
		actions.Close()
		plans.Close()
		jobStore.Close()
		idem.Close()
		return nil, err
	}

	ag := agent.New(rt, transports, actions, cfg.Agent.MaxActions, log)
	runner := plan.NewRunner(plans, actions, transports, log)
	manager := jobs.NewManager(jobStore, cfg.Jobs.Workers, cfg.Jobs.QueueDepth, log)

	return &app{
		router:     rt,
		agent:      ag,
		plans:      plans,
		runner:     runner,
		actions:    actions,
		jobs:       manager,
		jobStore:   jobStore,
		idem:       idem,
		audit:      auditStore,
		transports: transports,
	}, nil
}

func buildTransports(cfg config.Config) (*transport.Registry, error) {
	reg := transport.NewRegistry()
	reg.Register(transport.Noop{})

	switch cfg.Transport.Type {
	case "noop", "":
	case "subprocess":
		t, err := transport.NewSubprocess(cfg.Transport.Command, cfg.TransportTimeout())
		if err != nil {
			return nil, err
		}
		reg.Register(t)
	case "http":
		t, err := transport.NewHTTPExec(cfg.Transport.URL, cfg.Transport.Headers, cfg.TransportTimeout())
		if err != nil {
			return nil, err
		}
		reg.Register(t)
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Transport.Type)
	}
	if cfg.Transport.Type != "" {
		if err := reg.SetDefault(cfg.Transport.Type); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (a *app) close() {
	a.actions.Close()
	a.plans.Close()
	a.jobStore.Close()
	a.idem.Close()
	a.audit.Close()
}

// cleanupLoop runs retention pruning across the TTL-bearing stores.
func (a *app) cleanupLoop(ctx context.Context, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune(log, "idempotency", a.idem.PruneExpired)
			prune(log, "audit", a.audit.PruneExpired)
			prune(log, "actions", a.actions.PruneExpired)
		}
	}
}

func prune(log *zap.Logger, name string, fn func() (int64, error)) {
	n, err := fn()
	if err != nil {
		log.Warn("prune expired", zap.String("store", name), zap.Error(err))
		return
	}
	if n > 0 {
		log.Debug("pruned expired rows", zap.String("store", name), zap.Int64("rows", n))
	}
}

// snapshotStore opens the named store file read-only for the copy and writes
// a timestamped snapshot into destDir.
func snapshotStore(cfg config.Config, name, destDir string) (string, error) {
	path, ok := cfg.StorePaths()[name]
	if !ok {
		return "", fmt.Errorf("unknown store %q", name)
	}
	db, err := store.Open(path)
	if err != nil {
		return "", err
	}
	defer db.Close()
	return store.Snapshot(db, name, destDir)
}

// restoreStore replaces the live file with the newest snapshot from dir. The
// service must be stopped first.
func restoreStore(name, livePath, dir, archiveRoot string) error {
	snapshot, err := store.LatestSnapshot(dir, name)
	if err != nil {
		return err
	}
	return store.Restore(snapshot, livePath, archiveRoot)
}
