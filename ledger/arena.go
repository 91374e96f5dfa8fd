package ledger

import (
	"sync"
)

// The arena is a content-addressed node store with a separate table of GC
// roots. Keys are blake2b hashes of the stored object. The ledger state is
// persisted by writing its nodes here and bumping the root count of the top
// node; a snapshot stays reachable as long as its root count is positive.

// UpdateKind tags one command of a BatchUpdate.
type UpdateKind int

const (
	UpdateInsertNode UpdateKind = iota
	UpdateDeleteNode
	UpdateSetRootCount
)

// Update is one command applied by Backend.BatchUpdate.
type Update struct {
	Kind      UpdateKind
	Key       Bytes32
	Object    []byte // InsertNode only
	RefCount  uint32 // InsertNode only
	RootCount uint32 // SetRootCount only
}

// Backend is the storage contract the ledger expects. Implementations are
// invoked synchronously from ledger operations; SQL-backed implementations
// block the calling goroutine on the connection pool.
type Backend interface {
	GetNode(key Bytes32) ([]byte, bool)
	InsertNode(key Bytes32, object []byte, refCount uint32)
	DeleteNode(key Bytes32)
	// BatchUpdate applies all commands atomically.
	BatchUpdate(updates []Update)
	GetRootCount(key Bytes32) uint32
	SetRootCount(key Bytes32, count uint32)
	GetRoots() map[Bytes32]uint32
	// GetUnreachableKeys returns nodes with ref_count zero that are not roots.
	GetUnreachableKeys() []Bytes32
	Size() int
}

// MemoryBackend is the in-process Backend used by tests and by fresh states
// before an on-disk arena is configured.
type MemoryBackend struct {
	mu    sync.Mutex
	nodes map[Bytes32]memoryNode
	roots map[Bytes32]uint32
}

type memoryNode struct {
	object   []byte
	refCount uint32
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		nodes: make(map[Bytes32]memoryNode),
		roots: make(map[Bytes32]uint32),
	}
}

func (m *MemoryBackend) GetNode(key Bytes32) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[key]
	if !ok {
		return nil, false
	}
	object := make([]byte, len(node.object))
	copy(object, node.object)
	return object, true
}

func (m *MemoryBackend) InsertNode(key Bytes32, object []byte, refCount uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(key, object, refCount)
}

func (m *MemoryBackend) insertLocked(key Bytes32, object []byte, refCount uint32) {
	stored := make([]byte, len(object))
	copy(stored, object)
	m.nodes[key] = memoryNode{object: stored, refCount: refCount}
}

func (m *MemoryBackend) DeleteNode(key Bytes32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, key)
}

func (m *MemoryBackend) BatchUpdate(updates []Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		switch u.Kind {
		case UpdateInsertNode:
			m.insertLocked(u.Key, u.Object, u.RefCount)
		case UpdateDeleteNode:
			delete(m.nodes, u.Key)
		case UpdateSetRootCount:
			m.setRootCountLocked(u.Key, u.RootCount)
		}
	}
}

func (m *MemoryBackend) GetRootCount(key Bytes32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roots[key]
}

func (m *MemoryBackend) SetRootCount(key Bytes32, count uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setRootCountLocked(key, count)
}

func (m *MemoryBackend) setRootCountLocked(key Bytes32, count uint32) {
	if count == 0 {
		delete(m.roots, key)
		return
	}
	m.roots[key] = count
}

func (m *MemoryBackend) GetRoots() map[Bytes32]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	roots := make(map[Bytes32]uint32, len(m.roots))
	for k, v := range m.roots {
		roots[k] = v
	}
	return roots
}

func (m *MemoryBackend) GetUnreachableKeys() []Bytes32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []Bytes32
	for k, node := range m.nodes {
		if node.refCount != 0 {
			continue
		}
		if _, isRoot := m.roots[k]; isRoot {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

func (m *MemoryBackend) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

// defaultArena is the process-wide arena. It is set once at startup and
// handed to ledger states as an explicit dependency thereafter.
var (
	defaultArena   Backend = NewMemoryBackend()
	defaultArenaMu sync.RWMutex
)

// InitArena installs the process-wide arena backend. Call once at startup
// before constructing or loading any ledger state.
func InitArena(backend Backend) {
	defaultArenaMu.Lock()
	defer defaultArenaMu.Unlock()
	defaultArena = backend
}

// DefaultArena returns the configured arena backend.
func DefaultArena() Backend {
	defaultArenaMu.RLock()
	defer defaultArenaMu.RUnlock()
	return defaultArena
}
