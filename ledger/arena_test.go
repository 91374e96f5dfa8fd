package ledger

import (
	"testing"
)

func TestMemoryBackendNodes(t *testing.T) {
	backend := NewMemoryBackend()
	key := addr(1)

	if _, ok := backend.GetNode(key); ok {
		t.Fatal("empty backend returned a node")
	}

	backend.InsertNode(key, []byte("object"), 0)
	object, ok := backend.GetNode(key)
	if !ok || string(object) != "object" {
		t.Fatalf("got %q/%v, want object/true", object, ok)
	}

	// Inserts overwrite.
	backend.InsertNode(key, []byte("replaced"), 2)
	object, _ = backend.GetNode(key)
	if string(object) != "replaced" {
		t.Fatalf("got %q, want replaced", object)
	}
	if backend.Size() != 1 {
		t.Fatalf("size = %d, want 1", backend.Size())
	}

	backend.DeleteNode(key)
	if backend.Size() != 0 {
		t.Fatal("delete did not remove the node")
	}
}

func TestMemoryBackendRoots(t *testing.T) {
	backend := NewMemoryBackend()
	key := addr(2)

	if backend.GetRootCount(key) != 0 {
		t.Fatal("fresh key has nonzero root count")
	}
	backend.SetRootCount(key, 3)
	if backend.GetRootCount(key) != 3 {
		t.Fatal("root count not stored")
	}
	roots := backend.GetRoots()
	if roots[key] != 3 {
		t.Fatalf("roots = %v", roots)
	}

	// Setting zero deletes the root row.
	backend.SetRootCount(key, 0)
	if len(backend.GetRoots()) != 0 {
		t.Fatal("zero root count did not delete the row")
	}
}

func TestUnreachableKeys(t *testing.T) {
	backend := NewMemoryBackend()
	reachableRoot := addr(1)
	referenced := addr(2)
	garbage := addr(3)

	backend.BatchUpdate([]Update{
		{Kind: UpdateInsertNode, Key: reachableRoot, Object: []byte("a"), RefCount: 0},
		{Kind: UpdateSetRootCount, Key: reachableRoot, RootCount: 1},
		{Kind: UpdateInsertNode, Key: referenced, Object: []byte("b"), RefCount: 1},
		{Kind: UpdateInsertNode, Key: garbage, Object: []byte("c"), RefCount: 0},
	})

	unreachable := backend.GetUnreachableKeys()
	if len(unreachable) != 1 || unreachable[0] != garbage {
		t.Fatalf("unreachable = %v, want [%s]", unreachable, garbage)
	}
}

func TestBatchUpdateOrdering(t *testing.T) {
	backend := NewMemoryBackend()
	key := addr(4)

	// Later commands of a batch win over earlier ones.
	backend.BatchUpdate([]Update{
		{Kind: UpdateInsertNode, Key: key, Object: []byte("first"), RefCount: 0},
		{Kind: UpdateInsertNode, Key: key, Object: []byte("second"), RefCount: 0},
		{Kind: UpdateSetRootCount, Key: key, RootCount: 1},
		{Kind: UpdateSetRootCount, Key: key, RootCount: 2},
	})
	object, _ := backend.GetNode(key)
	if string(object) != "second" {
		t.Fatalf("object = %q, want second", object)
	}
	if backend.GetRootCount(key) != 2 {
		t.Fatalf("root count = %d, want 2", backend.GetRootCount(key))
	}
}
