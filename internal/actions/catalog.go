// ABOUTME: Catalog of actions an agent can execute, with their safety metadata.
// ABOUTME: Shared by the coordinator (confirm policy, scope) and the agent (timeouts).

package actions

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/2389/opsrelay/internal/protocol"
)

// ErrUnknownAction is returned when an action name is not in the catalog.
var ErrUnknownAction = errors.New("unknown action")

// Spec describes one action.
type Spec struct {
	Name              string
	MutatesState      bool
	RequiresConfirm   bool
	AllowedInReadonly bool
	MaxTimeout        time.Duration
	Scope             protocol.ConcurrencyScope
	Risk              protocol.RiskLevel
}

// ClampTimeout returns the effective timeout for a requested value:
// min(requested, MaxTimeout), with non-positive requests taking the maximum.
func (s Spec) ClampTimeout(requested time.Duration) time.Duration {
	if requested <= 0 || requested > s.MaxTimeout {
		return s.MaxTimeout
	}
	return requested
}

// NeedsConfirm applies a caller's confirm policy on top of the action's own
// requirement. The catalog requirement always wins.
func (s Spec) NeedsConfirm(policy protocol.ConfirmPolicy) bool {
	if s.RequiresConfirm {
		return true
	}
	switch policy {
	case protocol.ConfirmAlways:
		return true
	case protocol.ConfirmOnMutation:
		return s.MutatesState
	}
	return false
}

// Catalog is a thread-safe set of action specs.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewCatalog creates a catalog holding the given specs.
func NewCatalog(specs ...Spec) *Catalog {
	c := &Catalog{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		c.specs[s.Name] = s
	}
	return c
}

// Default returns a catalog with every built-in action.
func Default() *Catalog {
	return NewCatalog(builtin...)
}

// Register adds or replaces an action spec.
func (c *Catalog) Register(s Spec) error {
	if s.Name == "" {
		return errors.New("action name is required")
	}
	if s.MaxTimeout <= 0 {
		return fmt.Errorf("action %s: max timeout must be positive", s.Name)
	}
	if s.Scope == "" {
		s.Scope = protocol.ScopeNone
	}
	if !s.Scope.Valid() {
		return fmt.Errorf("action %s: unknown scope %q", s.Name, s.Scope)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs[s.Name] = s
	return nil
}

// Lookup returns the spec for name.
func (c *Catalog) Lookup(name string) (Spec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return s, nil
}

// List returns every spec sorted by name.
func (c *Catalog) List() []Spec {
	c.mu.RLock()
	out := make([]Spec, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
