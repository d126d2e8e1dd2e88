package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Instance is the persisted metadata of one distributor: enough to rebind
// the engine to its root and asset on restart. Claim state itself lives in
// the engine and is not persisted here.
type Instance struct {
	Name      string    `json:"name"`
	Asset     string    `json:"asset"`
	Root      string    `json:"root"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store abstracts instance metadata persistence. Save must reject duplicate
// names; List returns instances in creation order.
type Store interface {
	Get(ctx context.Context, name string) (*Instance, error)
	Save(ctx context.Context, inst Instance) error
	List(ctx context.Context) ([]Instance, error)
}

// ErrDuplicateName is returned by Save when the name is already registered.
var ErrDuplicateName = errors.New("instance name already registered")

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Instance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Instance),
	}
}

func (m *MemoryStore) Get(_ context.Context, name string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.data[name]
	if !ok {
		return nil, nil
	}
	return &inst, nil
}

func (m *MemoryStore) Save(_ context.Context, inst Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[inst.Name]; ok {
		return ErrDuplicateName
	}
	m.data[inst.Name] = inst
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Instance, 0, len(m.data))
	for _, inst := range m.data {
		out = append(out, inst)
	}
	sortByCreation(out)
	return out, nil
}

// FileStore persists instances to disk as JSON. Suitable for local dev; the
// Postgres store replaces it in deployments.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Instance
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Instance),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) Get(_ context.Context, name string) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.data[name]
	if !ok {
		return nil, nil
	}
	return &inst, nil
}

func (f *FileStore) Save(_ context.Context, inst Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[inst.Name]; ok {
		return ErrDuplicateName
	}
	f.data[inst.Name] = inst
	return f.persist()
}

func (f *FileStore) List(_ context.Context) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Instance, 0, len(f.data))
	for _, inst := range f.data {
		out = append(out, inst)
	}
	sortByCreation(out)
	return out, nil
}

func sortByCreation(list []Instance) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].Name < list[j].Name
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
