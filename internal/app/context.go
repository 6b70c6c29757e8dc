// Package app wires the runtime shared by the CLI and the server:
// workspace config, logging, the per-project store manager, and both
// collaborators behind their interfaces.
package app

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"conductor/internal/auditlog"
	"conductor/internal/collab"
	"conductor/internal/config"
	"conductor/internal/log"
	"conductor/internal/orchestrator"
	"conductor/internal/policy"
)

// Options come from CLI flags and environment.
type Options struct {
	Workspace string
	LogLevel  string
	// Simulate forces in-process collaborators regardless of config.
	Simulate bool
}

// Runtime bundles everything a command needs.
type Runtime struct {
	Workspace    string
	DataDir      string
	Config       *config.Config
	Logger       *logrus.Logger
	Stores       *auditlog.Manager
	Orchestrator *orchestrator.Orchestrator
}

// NewRuntime resolves the workspace config and builds the orchestrator
// with its collaborators. Simulate mode is loud: swapping real backends
// for the in-process ones is never silent.
func NewRuntime(opts Options) (*Runtime, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.Simulate {
		cfg.Simulate = true
	}
	logger := log.New(opts.LogLevel)
	dataDir := filepath.Join(workspace, ".conductor", "projects")
	stores := auditlog.NewManager(dataDir)

	var inference collab.Inference
	var retrieval collab.Retrieval
	if cfg.Simulate {
		logger.Warnf("simulate mode: inference and retrieval run in-process, no external backend is called")
		inference = &orchestrator.SimulatedInference{PlanSteps: cfg.Planner.MinSteps}
		retrieval = collab.NewMemoryRetrieval()
	} else {
		inference = collab.NewHTTPInference(collab.HTTPInferenceConfig{
			BaseURL: cfg.Inference.BaseURL,
			APIKey:  cfg.Inference.APIKey,
			Timeout: time.Duration(cfg.Inference.TimeoutSeconds) * time.Second,
		})
		retrieval = collab.NewHTTPRetrieval(collab.HTTPRetrievalConfig{
			BaseURL: cfg.Retrieval.BaseURL,
			APIKey:  cfg.Retrieval.APIKey,
			Timeout: time.Duration(cfg.Retrieval.TimeoutSeconds) * time.Second,
		})
	}
	pol := policy.New(cfg.Backends.Default, cfg.Backends.Advanced, cfg.Backends.LargeContextTokens)
	orch := orchestrator.New(stores, inference, retrieval, pol, cfg, logger)
	return &Runtime{
		Workspace:    workspace,
		DataDir:      dataDir,
		Config:       cfg,
		Logger:       logger,
		Stores:       stores,
		Orchestrator: orch,
	}, nil
}

// Close releases every opened store handle.
func (r *Runtime) Close() error {
	if r == nil || r.Stores == nil {
		return nil
	}
	return r.Stores.Close()
}
