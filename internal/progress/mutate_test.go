package progress

import (
	"errors"
	"testing"
)

func testMap() MapDefinition {
	return MapDefinition{MapID: "map1", Activities: []ActivityDefinition{
		{ActivityID: "a1", Kind: NodeActivity, Tags: []string{"intro"}},
		{ActivityID: "a2", Kind: NodeActivity, Tags: []string{"intro", "loops"}},
		{ActivityID: "reward", Kind: NodeReward, Prerequisites: []string{"a1", "a2"}},
	}}
}

func TestEnsureSourceIsLazyAndCopyOnWrite(t *testing.T) {
	base := NewLedger("user-1")
	withSource := EnsureSource(base, sourceX)
	if withSource == base {
		t.Fatalf("expected a new ledger when the source is created")
	}
	if _, ok := base.Source(sourceX); ok {
		t.Fatalf("base ledger must not be mutated")
	}
	if withSource.Version != base.Version+1 {
		t.Fatalf("expected version bump, got %d", withSource.Version)
	}
	if again := EnsureSource(withSource, sourceX); again != withSource {
		t.Fatalf("expected same ledger when the source already exists")
	}
	if got := EnsureSource(base, "  "); got != base {
		t.Fatalf("blank source should be ignored")
	}
}

func TestCompleteActivityCountsTagsOnce(t *testing.T) {
	def := testMap()
	l := NewLedger("user-1")

	next, changed, err := CompleteActivity(l, def, Completion{Source: sourceX, MapID: "map1", ActivityID: "a1", HeaderID: "h1"})
	if err != nil || !changed {
		t.Fatalf("first completion: changed=%v err=%v", changed, err)
	}
	if len(l.Sources) != 0 {
		t.Fatalf("input ledger mutated: %+v", l.Sources)
	}
	mp := next.Sources[sourceX].MapProgress["map1"]
	if mp.CompletionState != StateInProgress {
		t.Fatalf("expected in-progress map, got %s", mp.CompletionState)
	}
	if got := mp.ActivityState["a1"]; !got.IsCompleted || got.HeaderID != "h1" {
		t.Fatalf("unexpected activity state %+v", got)
	}

	same, changed, err := CompleteActivity(next, def, Completion{Source: sourceX, MapID: "map1", ActivityID: "a1"})
	if err != nil || changed || same != next {
		t.Fatalf("repeat completion should be a no-op: changed=%v err=%v", changed, err)
	}

	final, _, err := CompleteActivity(next, def, Completion{Source: sourceX, MapID: "map1", ActivityID: "a2"})
	if err != nil {
		t.Fatalf("complete a2: %v", err)
	}
	tags := final.Sources[sourceX].CompletedTags
	if tags["intro"] != 2 || tags["loops"] != 1 {
		t.Fatalf("unexpected tag counters %v", tags)
	}
	if state := final.Sources[sourceX].MapProgress["map1"].CompletionState; state != StateCompleted {
		t.Fatalf("expected completed map, got %s", state)
	}
	if final.Version <= next.Version {
		t.Fatalf("expected version to increase, %d -> %d", next.Version, final.Version)
	}
	if next.Sources[sourceX].CompletedTags["loops"] != 0 {
		t.Fatalf("previous snapshot mutated")
	}
}

func TestCompleteActivityRewardNodeDoesNotCountTags(t *testing.T) {
	def := testMap()
	def.Activities[2].Tags = []string{"bonus"}
	next, _, err := CompleteActivity(NewLedger(""), def, Completion{Source: sourceX, MapID: "map1", ActivityID: "reward"})
	if err != nil {
		t.Fatalf("complete reward: %v", err)
	}
	if got := next.Sources[sourceX].CompletedTags["bonus"]; got != 0 {
		t.Fatalf("reward completion counted tag: %d", got)
	}
}

func TestCompleteActivityRejectsBadInput(t *testing.T) {
	def := testMap()
	l := NewLedger("")
	cases := []struct {
		name string
		c    Completion
		want error
	}{
		{name: "missing source", c: Completion{MapID: "map1", ActivityID: "a1"}, want: ErrInvalidInput},
		{name: "wrong map", c: Completion{Source: sourceX, MapID: "map2", ActivityID: "a1"}, want: ErrInvalidInput},
		{name: "unknown activity", c: Completion{Source: sourceX, MapID: "map1", ActivityID: "zz"}, want: ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, changed, err := CompleteActivity(l, def, tc.c)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if changed || got != l {
				t.Fatalf("failed completion must return the input ledger")
			}
		})
	}
}

func TestAttachHeader(t *testing.T) {
	l := NewLedger("")
	next, err := AttachHeader(l, sourceX, "map1", "a1", "h1")
	if err != nil {
		t.Fatalf("attach header: %v", err)
	}
	got := next.Sources[sourceX].MapProgress["map1"]
	if got.CompletionState != StateInProgress || got.ActivityState["a1"].HeaderID != "h1" || got.ActivityState["a1"].IsCompleted {
		t.Fatalf("unexpected map progress %+v", got)
	}
	if !next.IsSourceStarted(sourceX) {
		t.Fatalf("attached header should start the source")
	}
	same, err := AttachHeader(next, sourceX, "map1", "a1", "h1")
	if err != nil || same != next {
		t.Fatalf("attaching the same header should be a no-op")
	}
	if _, err := AttachHeader(next, sourceX, "map1", "a1", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank header, got %v", err)
	}
}
