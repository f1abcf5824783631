package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/shalteor/edbcore/internal/access"
	"github.com/shalteor/edbcore/internal/config"
	"github.com/shalteor/edbcore/internal/db"
	"github.com/shalteor/edbcore/internal/kvstore"
	"github.com/shalteor/edbcore/internal/policy"
	"github.com/shalteor/edbcore/internal/schema"
)

// env holds what the commands share: configuration, the logger and the
// opened stores.
type env struct {
	cfg    *config.Config
	logger hclog.Logger
	db     *db.DB
	meta   schema.NodeStore

	closers []func() error
}

func openEnv() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "edbcore",
		Level: cfg.Level(),
	})

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	e := &env{cfg: cfg, logger: logger, db: database, meta: database}
	e.closers = append(e.closers, database.Close)
	logger.Debug("database initialized", "path", cfg.DatabasePath)

	if cfg.MetaBackend == config.BackendBadger {
		store, err := kvstore.Open(cfg.BadgerPath)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.meta = store
		e.closers = append(e.closers, store.Close)
		logger.Debug("badger meta store opened", "path", cfg.BadgerPath)
	}
	return e, nil
}

// graph builds the principal graph from the policy file.
func (e *env) graph() (*access.Graph, error) {
	if e.cfg.PolicyFile == "" {
		return nil, errors.New("policy_file is required")
	}
	pol, err := policy.Load(e.cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	g := access.New(access.WithLogger(e.logger.Named("graph")))
	if err := pol.Apply(g); err != nil {
		return nil, err
	}
	if err := g.CheckAccess(); err != nil {
		return nil, err
	}
	e.logger.Debug("policy loaded", "file", e.cfg.PolicyFile, "generics", len(g.Generics()), "edges", len(g.Edges()))
	return g, nil
}

func (e *env) loadSchema(ctx context.Context) (*schema.SchemaInfo, error) {
	s, err := schema.LoadSchema(ctx, e.meta)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	return s, nil
}

// Close closes the stores in reverse order of opening.
func (e *env) Close() error {
	var result error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
