package api

import (
	"testing"

	"github.com/cuemby/quilt/pkg/types"
)

func TestEventFilterMatchesZeroValue(t *testing.T) {
	var f EventFilter
	ev := &types.Event{Kind: types.EventStarted, ContainerID: "abc"}
	if !f.matches(ev) {
		t.Fatal("zero-value filter should match every event")
	}
}

func TestEventFilterMatchesContainerID(t *testing.T) {
	f := EventFilter{ContainerID: "abc"}
	if !f.matches(&types.Event{ContainerID: "abc"}) {
		t.Fatal("expected match on same container id")
	}
	if f.matches(&types.Event{ContainerID: "other"}) {
		t.Fatal("expected no match on different container id")
	}
}

func TestEventFilterMatchesKinds(t *testing.T) {
	f := EventFilter{Kinds: []types.EventKind{types.EventStarted, types.EventDied}}
	if !f.matches(&types.Event{Kind: types.EventDied}) {
		t.Fatal("expected match on listed kind")
	}
	if f.matches(&types.Event{Kind: types.EventRemoved}) {
		t.Fatal("expected no match on unlisted kind")
	}
}
