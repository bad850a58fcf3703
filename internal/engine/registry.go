package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ecamargo/kindred/internal/account"
	"github.com/ecamargo/kindred/internal/bus"
	"github.com/ecamargo/kindred/internal/ingest"
	"github.com/ecamargo/kindred/internal/store"
)

// ErrUnknownAccount is returned by Get for accounts never initialized.
var ErrUnknownAccount = errors.New("unknown account")

// Registry supervises the engines of all linked accounts and restores
// previously connected sessions at boot.
type Registry struct {
	baseDir  string
	db       *store.DB
	bus      *bus.Bus
	pipeline *ingest.Pipeline
	logger   *zap.Logger
	factory  TransportFactory

	mu      sync.Mutex
	engines map[string]*Engine
}

func NewRegistry(baseDir string, db *store.DB, b *bus.Bus, pipeline *ingest.Pipeline, logger *zap.Logger) *Registry {
	return &Registry{
		baseDir:  baseDir,
		db:       db,
		bus:      b,
		pipeline: pipeline,
		logger:   logger.Named("registry"),
		engines:  make(map[string]*Engine),
	}
}

// GetOrCreate returns the account's engine, building one on first use.
func (r *Registry) GetOrCreate(accountID string) (*Engine, error) {
	if err := account.ValidateID(accountID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[accountID]; ok {
		return e, nil
	}
	e := New(accountID, r.baseDir, r.db, r.bus, r.pipeline, r.logger, r.factory)
	r.engines[accountID] = e
	return e, nil
}

// Get returns the account's engine if one exists.
func (r *Registry) Get(accountID string) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[accountID]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
}

// RestoreAll re-initializes every account that was connected at last
// shutdown. Failures are logged per account; a broken session never blocks
// the others.
func (r *Registry) RestoreAll(ctx context.Context) {
	sessions, err := r.db.ConnectedSessions()
	if err != nil {
		r.logger.Error("list restorable sessions failed", zap.Error(err))
		return
	}
	for _, id := range sessions {
		e, err := r.GetOrCreate(id)
		if err != nil {
			r.logger.Warn("skip restore", zap.String("account", id), zap.Error(err))
			continue
		}
		go func(accountID string, e *Engine) {
			if _, err := e.Initialize(ctx); err != nil {
				r.logger.Warn("session restore failed", zap.String("account", accountID), zap.Error(err))
			}
		}(id, e)
	}
	if len(sessions) > 0 {
		r.logger.Info("session restore started", zap.Int("accounts", len(sessions)))
	}
}

// Accounts lists the accounts with a live engine.
func (r *Registry) Accounts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.engines))
	for id := range r.engines {
		out = append(out, id)
	}
	return out
}

// Shutdown disconnects every engine.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.Unlock()
	for _, e := range engines {
		e.Shutdown()
	}
}
