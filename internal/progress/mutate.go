package progress

import (
	"fmt"
	"strings"
)

// EnsureSource returns a ledger with an (empty) entry for source. When the
// entry already exists l itself is returned.
func EnsureSource(l *Ledger, source string) *Ledger {
	source = strings.TrimSpace(source)
	if source == "" {
		return l
	}
	if _, ok := l.Source(source); ok {
		return l
	}
	out := l.Clone()
	if out == nil {
		out = NewLedger("")
	}
	out.Sources[source] = emptySource()
	out.Version++
	return out
}

type Completion struct {
	Source     string `json:"source"`
	MapID      string `json:"mapId"`
	ActivityID string `json:"activityId"`
	HeaderID   string `json:"headerId,omitempty"`
}

func (c Completion) validate() error {
	if strings.TrimSpace(c.Source) == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidInput)
	}
	if strings.TrimSpace(c.MapID) == "" {
		return fmt.Errorf("%w: mapId is required", ErrInvalidInput)
	}
	if strings.TrimSpace(c.ActivityID) == "" {
		return fmt.Errorf("%w: activityId is required", ErrInvalidInput)
	}
	return nil
}

// CompleteActivity marks an activity completed. The first completion of an
// activity node increments each of its tags once; repeated completions leave
// the counters alone. The returned bool is false when nothing changed, in
// which case the input ledger is returned as is.
func CompleteActivity(l *Ledger, def MapDefinition, c Completion) (*Ledger, bool, error) {
	if err := c.validate(); err != nil {
		return l, false, err
	}
	if def.MapID != c.MapID {
		return l, false, fmt.Errorf("%w: map %s does not match definition %s", ErrInvalidInput, c.MapID, def.MapID)
	}
	node, ok := def.Activity(c.ActivityID)
	if !ok {
		return l, false, fmt.Errorf("%w: activity %s in map %s", ErrNotFound, c.ActivityID, c.MapID)
	}

	prev, _ := activityIn(l, c.Source, c.MapID, c.ActivityID)
	headerID := strings.TrimSpace(c.HeaderID)
	if headerID == "" {
		headerID = prev.HeaderID
	}
	if prev.IsCompleted && prev.HeaderID == headerID {
		return l, false, nil
	}

	out := EnsureSource(l, c.Source)
	if out == l {
		out = l.Clone()
	}
	sp := out.Sources[c.Source]
	mp := mapIn(sp, c.MapID)
	mp.ActivityState[c.ActivityID] = ActivityState{
		ActivityID:  c.ActivityID,
		IsCompleted: true,
		HeaderID:    headerID,
	}
	mp.CompletionState = completionStateFor(def, mp)
	sp.MapProgress[c.MapID] = mp
	if !prev.IsCompleted && node.Kind == NodeActivity {
		for _, tag := range node.Tags {
			sp.CompletedTags[tag]++
		}
	}
	out.Sources[c.Source] = sp
	out.Version = nextVersion(l)
	return out, true, nil
}

// AttachHeader records the header id of saved but unfinished work.
func AttachHeader(l *Ledger, source, mapID, activityID, headerID string) (*Ledger, error) {
	c := Completion{Source: source, MapID: mapID, ActivityID: activityID, HeaderID: headerID}
	if err := c.validate(); err != nil {
		return l, err
	}
	headerID = strings.TrimSpace(headerID)
	if headerID == "" {
		return l, fmt.Errorf("%w: headerId is required", ErrInvalidInput)
	}
	prev, ok := activityIn(l, source, mapID, activityID)
	if ok && prev.HeaderID == headerID {
		return l, nil
	}

	out := EnsureSource(l, source)
	if out == l {
		out = l.Clone()
	}
	sp := out.Sources[source]
	mp := mapIn(sp, mapID)
	prev.ActivityID = activityID
	prev.HeaderID = headerID
	mp.ActivityState[activityID] = prev
	if mp.CompletionState == StateNotStarted {
		mp.CompletionState = StateInProgress
	}
	sp.MapProgress[mapID] = mp
	out.Sources[source] = sp
	out.Version = nextVersion(l)
	return out, nil
}

func activityIn(l *Ledger, source, mapID, activityID string) (ActivityState, bool) {
	sp, ok := l.Source(source)
	if !ok {
		return ActivityState{}, false
	}
	activity, ok := sp.MapProgress[mapID].ActivityState[activityID]
	return activity, ok
}

func mapIn(sp SourceProgress, mapID string) MapProgress {
	mp, ok := sp.MapProgress[mapID]
	if !ok {
		return MapProgress{
			CompletionState: StateNotStarted,
			MapID:           mapID,
			ActivityState:   map[string]ActivityState{},
		}
	}
	if mp.ActivityState == nil {
		mp.ActivityState = map[string]ActivityState{}
	}
	return mp
}

func completionStateFor(def MapDefinition, mp MapProgress) CompletionState {
	if len(mp.ActivityState) == 0 {
		return StateNotStarted
	}
	for _, node := range def.Activities {
		if node.Kind != NodeActivity {
			continue
		}
		if !mp.ActivityState[node.ActivityID].IsCompleted {
			return StateInProgress
		}
	}
	return StateCompleted
}

func nextVersion(l *Ledger) uint64 {
	if l == nil {
		return 1
	}
	return l.Version + 1
}
