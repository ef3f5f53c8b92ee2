package store

import (
	"context"
	"errors"

	"github.com/xiaoruiguo/crowbar-core/internal/model"
)

var (
	// ErrNotFound is returned when a record is not found
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic write lost a race
	ErrConflict = errors.New("version conflict")
	// ErrLockHeld is returned when the transition lock is held by someone else
	ErrLockHeld = errors.New("transition lock is held")
	// ErrLockLost is returned when a held lease expired or was taken over
	ErrLockLost = errors.New("transition lock lost")
)

// NodeQuery selects nodes; zero fields match everything
type NodeQuery struct {
	Role             string
	WithRestartFlags bool
}

// Matches reports whether a node satisfies the query
func (q NodeQuery) Matches(node *model.Node) bool {
	if q.Role != "" && !node.HasRole(q.Role) {
		return false
	}
	if q.WithRestartFlags && node.RestartFlags.Empty() {
		return false
	}
	return true
}

// NodeDirectory gives access to the managed nodes and their attributes
type NodeDirectory interface {
	Find(ctx context.Context, query NodeQuery) ([]*model.Node, error)
	FindByNameOrAlias(ctx context.Context, name string) (*model.Node, error)
	// Save persists the node's restart flags if node.Version still matches the
	// stored version, and bumps node.Version. Returns ErrConflict otherwise.
	Save(ctx context.Context, node *model.Node) error
	Ping(ctx context.Context) error
	Close()
}

// Document is a persisted configuration item
type Document struct {
	Namespace string
	Key       string
	Data      map[string]interface{}
}

// DocumentStore persists configuration items as key/value documents
type DocumentStore interface {
	// GetOrCreate returns the document, creating an empty one if absent
	GetOrCreate(ctx context.Context, namespace, key string) (*Document, error)
	// Update merges the partial mapping into the document atomically
	Update(ctx context.Context, namespace, key string, partial map[string]interface{}) error
	Ping(ctx context.Context) error
	Close()
}

// StateStore persists the cluster-wide upgrade record
type StateStore interface {
	// Load returns ErrNotFound when no upgrade record exists yet
	Load(ctx context.Context) (*model.UpgradeState, error)
	Save(ctx context.Context, state *model.UpgradeState) error
	Ping(ctx context.Context) error
	Close() error
}

// TransitionLock serializes phase transitions cluster-wide
type TransitionLock interface {
	// Acquire returns ErrLockHeld without blocking when the lock is taken
	Acquire(ctx context.Context, owner string) (Lease, error)
}

// Lease represents a held lock that can be released
type Lease interface {
	// Err returns ErrLockLost once the lease is known to be no longer held
	Err() error
	// Release returns ErrLockLost if the lock was no longer owned
	Release(ctx context.Context) error
}
