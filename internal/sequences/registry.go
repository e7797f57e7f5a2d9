package sequences

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"longrunner/internal/longrunner"
)

// Registry is the closed set of actions a service can start or resume,
// keyed by Action.Name. A stored sequence whose action is not registered
// cannot be resumed.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]longrunner.Action
}

func NewRegistry(actions ...longrunner.Action) (*Registry, error) {
	r := &Registry{actions: make(map[string]longrunner.Action, len(actions))}
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(a longrunner.Action) error {
	if a == nil {
		return longrunner.ErrNilAction
	}
	name := strings.TrimSpace(a.Name())
	if name == "" {
		return fmt.Errorf("sequences: action has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.actions[name]; dup {
		return fmt.Errorf("sequences: action %q already registered", name)
	}
	r.actions[name] = a
	return nil
}

func (r *Registry) Lookup(name string) (longrunner.Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.actions))
	for n := range r.actions {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
