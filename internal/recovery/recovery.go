// Package recovery repairs state left behind by a run that did not shut down
// cleanly. Components register as Recoverable and run once at startup.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CounselSim/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during startup, before any new session begins.
	RecoverState(ctx context.Context, registry *Registry) error
}

// Registry provides services that components can use during recovery
type Registry struct {
	store store.Store
	now   func() time.Time
}

// NewRegistry creates a registry over st.
func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st, now: time.Now}
}

// Store provides access to the store for recovery operations
func (r *Registry) Store() store.Store { return r.store }

// Now returns the recovery timestamp source.
func (r *Registry) Now() time.Time { return r.now().UTC() }

// Manager orchestrates recovery of all registered components
type Manager struct {
	registry     *Registry
	recoverables []Recoverable
}

// NewManager creates a new recovery manager
func NewManager(st store.Store) *Manager {
	return &Manager{registry: NewRegistry(st)}
}

// Register adds a component that can be recovered
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every registered component. A failing component does not
// stop the others; the combined failure count is returned as an error.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	recovered, failed := 0, 0
	for _, r := range m.recoverables {
		if err := r.RecoverState(ctx, m.registry); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "error", err, "component", fmt.Sprintf("%T", r))
			failed++
			continue
		}
		recovered++
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", recovered, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.recoverables))
	}
	return nil
}
