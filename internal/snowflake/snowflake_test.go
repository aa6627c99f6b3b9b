package snowflake

import (
	"sync"
	"testing"
	"time"
)

func TestNewNode_Range(t *testing.T) {
	if _, err := NewNode(-1); err != ErrInvalidNodeID {
		t.Errorf("Expected ErrInvalidNodeID, got %v", err)
	}
	if _, err := NewNode(maxNodeID + 1); err != ErrInvalidNodeID {
		t.Errorf("Expected ErrInvalidNodeID, got %v", err)
	}
	if _, err := NewNode(maxNodeID); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestGenerate_UniqueAndIncreasing(t *testing.T) {
	node, err := NewNode(7)
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}

	var last ID
	for i := 0; i < 10000; i++ {
		id := node.Generate()
		if id <= last {
			t.Fatalf("ID not increasing: %d after %d", id, last)
		}
		last = id
	}
}

func TestGenerate_Concurrent(t *testing.T) {
	node, _ := NewNode(1)

	var mu sync.Mutex
	seen := make(map[ID]struct{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id := node.Generate()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 8000 {
		t.Errorf("Expected 8000 unique IDs, got %d", len(seen))
	}
}

func TestID_TimeAndParse(t *testing.T) {
	node, _ := NewNode(3)
	before := time.Now().Add(-time.Second)
	id := node.Generate()

	if id.Time().Before(before) {
		t.Errorf("ID time %v earlier than %v", id.Time(), before)
	}

	parsed, err := ParseID(id.String())
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if parsed != id {
		t.Errorf("Expected %d, got %d", id, parsed)
	}

	for _, bad := range []string{"", "abc", "0", "-5"} {
		if _, err := ParseID(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}
