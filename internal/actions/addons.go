package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"longrunner/internal/longrunner"
)

const AddonToggleName = "addons.toggle"

var ErrUnknownAddon = errors.New("actions: unknown addon")

// AddonManager switches addons on and off.
type AddonManager interface {
	SetEnabled(ctx context.Context, key string, enabled bool) error
}

// AddonToggle enables or disables a list of addons.
//
// Arguments: [cursor int, keys []string, enabled bool].
type AddonToggle struct {
	mgr  AddonManager
	size int
}

func NewAddonToggle(mgr AddonManager, sliceSize int) *AddonToggle {
	if sliceSize <= 0 {
		sliceSize = DefaultSliceSize
	}
	return &AddonToggle{mgr: mgr, size: sliceSize}
}

func AddonToggleArgs(keys []string, enabled bool) (longrunner.Args, error) {
	return longrunner.EncodeArgs(0, keys, enabled)
}

func (a *AddonToggle) Name() string { return AddonToggleName }

func (a *AddonToggle) Run(ctx context.Context, args longrunner.Args, s *longrunner.Slice) longrunner.Outcome {
	var (
		cursor  int
		keys    []string
		enabled bool
	)
	if err := args.DecodeAll(&cursor, &keys, &enabled); err != nil {
		return longrunner.Fail(longrunner.KindSlice, err)
	}
	next, stop, err := walk(ctx, s, keys, cursor, a.size, func(ctx context.Context, key string) error {
		return a.mgr.SetEnabled(ctx, key, enabled)
	})
	if err != nil {
		return longrunner.Fail(longrunner.KindSlice, err)
	}
	if !stop && next >= len(keys) {
		return longrunner.Complete(BatchResult{Items: len(keys)})
	}
	return continueAt(next, keys, enabled)
}

// MemoryAddons is an in-process AddonManager.
type MemoryAddons struct {
	mu      sync.Mutex
	enabled map[string]bool
	calls   int
}

// NewMemoryAddons knows the given addons, all disabled.
func NewMemoryAddons(keys ...string) *MemoryAddons {
	m := &MemoryAddons{enabled: make(map[string]bool, len(keys))}
	for _, k := range keys {
		m.enabled[k] = false
	}
	return m
}

func (m *MemoryAddons) SetEnabled(ctx context.Context, key string, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if _, ok := m.enabled[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddon, key)
	}
	m.enabled[key] = enabled
	return nil
}

func (m *MemoryAddons) Enabled(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[key]
}

// EnabledKeys lists enabled addons in order.
func (m *MemoryAddons) EnabledKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k, on := range m.enabled {
		if on {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Calls counts SetEnabled invocations, failed ones included.
func (m *MemoryAddons) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
