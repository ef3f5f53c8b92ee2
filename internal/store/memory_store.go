package store

import (
	"context"
	"sort"
	"sync"

	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"go.uber.org/zap"
)

// MemoryNodeDirectory implements NodeDirectory using an in-memory map
type MemoryNodeDirectory struct {
	mu     sync.RWMutex
	nodes  map[string]*model.Node
	logger *zap.Logger
}

// NewMemoryNodeDirectory creates a node directory seeded with nodes
func NewMemoryNodeDirectory(logger *zap.Logger, nodes ...*model.Node) *MemoryNodeDirectory {
	d := &MemoryNodeDirectory{
		nodes:  make(map[string]*model.Node, len(nodes)),
		logger: logger,
	}
	for _, node := range nodes {
		d.Put(node)
	}
	return d
}

// Put registers or replaces a node, as the external inventory would
func (d *MemoryNodeDirectory) Put(node *model.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := node.Clone()
	if c.RestartFlags == nil {
		c.RestartFlags = model.RestartFlagSet{}
	}
	d.nodes[c.Name] = c
}

// Find returns the nodes matching the query, ordered by name
func (d *MemoryNodeDirectory) Find(ctx context.Context, query NodeQuery) ([]*model.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	nodes := make([]*model.Node, 0, len(d.nodes))
	for _, node := range d.nodes {
		if query.Matches(node) {
			nodes = append(nodes, node.Clone())
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

// FindByNameOrAlias returns the node whose name or alias matches
func (d *MemoryNodeDirectory) FindByNameOrAlias(ctx context.Context, name string) (*model.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if node, ok := d.nodes[name]; ok {
		return node.Clone(), nil
	}
	for _, node := range d.nodes {
		if node.Alias != "" && node.Alias == name {
			return node.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Save persists the restart flags of a node with optimistic locking
func (d *MemoryNodeDirectory) Save(ctx context.Context, node *model.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, ok := d.nodes[node.Name]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != node.Version {
		return ErrConflict
	}

	stored.RestartFlags = node.RestartFlags.Clone()
	if stored.RestartFlags == nil {
		stored.RestartFlags = model.RestartFlagSet{}
	}
	stored.Version++
	node.Version = stored.Version
	return nil
}

// Ping always succeeds
func (d *MemoryNodeDirectory) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (d *MemoryNodeDirectory) Close() {}

// MemoryDocumentStore implements DocumentStore using an in-memory map
type MemoryDocumentStore struct {
	mu   sync.Mutex
	docs map[string]map[string]interface{}
}

// NewMemoryDocumentStore creates an empty document store
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]map[string]interface{})}
}

// GetOrCreate returns a copy of the document, creating it when absent
func (s *MemoryDocumentStore) GetOrCreate(ctx context.Context, namespace, key string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.getOrCreateLocked(namespace, key)
	c := make(map[string]interface{}, len(data))
	for k, v := range data {
		c[k] = v
	}
	return &Document{Namespace: namespace, Key: key, Data: c}, nil
}

// Update merges partial into the document
func (s *MemoryDocumentStore) Update(ctx context.Context, namespace, key string, partial map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.getOrCreateLocked(namespace, key)
	for k, v := range partial {
		data[k] = v
	}
	return nil
}

func (s *MemoryDocumentStore) getOrCreateLocked(namespace, key string) map[string]interface{} {
	id := namespace + "/" + key
	data, ok := s.docs[id]
	if !ok {
		data = map[string]interface{}{"id": key}
		s.docs[id] = data
	}
	return data
}

// Ping always succeeds
func (s *MemoryDocumentStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryDocumentStore) Close() {}

// MemoryStateStore implements StateStore in memory
type MemoryStateStore struct {
	mu    sync.RWMutex
	state *model.UpgradeState
}

// NewMemoryStateStore creates an empty state store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

// Load returns a copy of the stored record
func (s *MemoryStateStore) Load(ctx context.Context) (*model.UpgradeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, ErrNotFound
	}
	return s.state.Clone(), nil
}

// Save stores a copy of the record
func (s *MemoryStateStore) Save(ctx context.Context, state *model.UpgradeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state.Clone()
	return nil
}

// Ping always succeeds
func (s *MemoryStateStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStateStore) Close() error { return nil }

// MemoryTransitionLock implements TransitionLock for a single process
type MemoryTransitionLock struct {
	mu sync.Mutex
}

// NewMemoryTransitionLock creates a new in-process lock
func NewMemoryTransitionLock() *MemoryTransitionLock {
	return &MemoryTransitionLock{}
}

// Acquire takes the lock or returns ErrLockHeld
func (l *MemoryTransitionLock) Acquire(ctx context.Context, owner string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !l.mu.TryLock() {
		return nil, ErrLockHeld
	}
	return &memoryLease{lock: l}, nil
}

type memoryLease struct {
	once sync.Once
	lock *MemoryTransitionLock
}

func (le *memoryLease) Err() error { return nil }

func (le *memoryLease) Release(ctx context.Context) error {
	le.once.Do(le.lock.mu.Unlock)
	return nil
}

var _ NodeDirectory = (*MemoryNodeDirectory)(nil)
var _ DocumentStore = (*MemoryDocumentStore)(nil)
var _ StateStore = (*MemoryStateStore)(nil)
var _ TransitionLock = (*MemoryTransitionLock)(nil)
