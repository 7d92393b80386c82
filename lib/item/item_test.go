package item

import (
	"bytes"
	"testing"
)

func TestNextCASIsMonotonic(t *testing.T) {
	prev := NextCAS()
	for i := 0; i < 1000; i++ {
		next := NextCAS()
		if next <= prev {
			t.Fatalf("cas went backwards: %d after %d", next, prev)
		}
		if next == InvalidCAS {
			t.Fatalf("minted the invalid cas sentinel")
		}
		prev = next
	}
}

func TestNewCopiesValue(t *testing.T) {
	value := []byte("value")
	it := New("key", value, 1, 0, 3)
	value[0] = 'X'

	if !bytes.Equal(it.Value, []byte("value")) {
		t.Errorf("New should copy the value, got %s", it.Value)
	}
	if it.ID != -1 {
		t.Errorf("Expected unassigned id -1, got %d", it.ID)
	}

	clone := it.Clone()
	clone.Value[0] = 'Y'
	if it.Value[0] != 'v' {
		t.Errorf("Clone should not share the value buffer")
	}
}

func TestResetMarker(t *testing.T) {
	if !ResetMarker(0).IsReset() {
		t.Errorf("ResetMarker should be a reset sentinel")
	}
	if (QueuedItem{Key: "k"}).IsReset() {
		t.Errorf("a keyed QueuedItem must not be a reset sentinel")
	}
}
