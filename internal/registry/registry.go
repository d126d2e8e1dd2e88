// Package registry creates and tracks named distributor instances. Each
// Create binds a fresh engine to an immutable (asset, root) pair; names are
// unique and the instance list is append-only.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"merkledrop/internal/distributor"
	"merkledrop/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidName rejects empty or whitespace-only instance names.
	ErrInvalidName = errors.New("instance name is required")
	// ErrInvalidRoot rejects a zero merkle root at creation.
	ErrInvalidRoot = errors.New("merkle root is required")
	// ErrNotFound is returned when no instance has the given name.
	ErrNotFound = errors.New("instance not found")
)

// Registry owns the live engines. The asset backend is shared service-wide;
// each instance records its own asset label alongside the root.
type Registry struct {
	mu       sync.RWMutex
	asset    token.Asset
	store    Store
	engines  map[string]*distributor.Engine
	onCreate func(Instance)
	onEvent  func(name string, ev distributor.Event)
}

func New(asset token.Asset, store Store) *Registry {
	return &Registry{
		asset:   asset,
		store:   store,
		engines: make(map[string]*distributor.Engine),
	}
}

// OnCreate registers a hook invoked after each successful instance creation.
func (r *Registry) OnCreate(fn func(Instance)) {
	r.onCreate = fn
}

// OnEngineEvent registers a hook receiving claim/withdraw events from every
// engine the registry creates or restores.
func (r *Registry) OnEngineEvent(fn func(name string, ev distributor.Event)) {
	r.onEvent = fn
}

// Create builds one engine for the given (asset label, root) pair and
// records it under name. One instance per call; duplicate names fail with
// ErrDuplicateName.
func (r *Registry) Create(ctx context.Context, name, assetID string, root common.Hash) (*distributor.Engine, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if root == (common.Hash{}) {
		return nil, ErrInvalidRoot
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.engines[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	inst := Instance{
		Name:      name,
		Asset:     assetID,
		Root:      root.Hex(),
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.Save(ctx, inst); err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		return nil, fmt.Errorf("save instance: %w", err)
	}

	engine := r.bind(name, assetID, root)
	if r.onCreate != nil {
		r.onCreate(inst)
	}
	return engine, nil
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (*distributor.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engine, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return engine, nil
}

// List returns instance metadata in creation order.
func (r *Registry) List(ctx context.Context) ([]Instance, error) {
	return r.store.List(ctx)
}

// Restore rebinds engines for every instance already in the store. Claim
// state is not durable; restored engines start with empty records.
func (r *Registry) Restore(ctx context.Context) error {
	instances, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range instances {
		if _, ok := r.engines[inst.Name]; ok {
			continue
		}
		r.bind(inst.Name, inst.Asset, common.HexToHash(inst.Root))
	}
	return nil
}

// bind wires a new engine into the registry. Callers hold the mutex.
func (r *Registry) bind(name, assetID string, root common.Hash) *distributor.Engine {
	engine := distributor.New(r.asset, assetID, root)
	if r.onEvent != nil {
		engine.OnEvent(func(ev distributor.Event) {
			r.onEvent(name, ev)
		})
	}
	r.engines[name] = engine
	return engine
}
