package progress

import "strings"

// HeaderMapping translates header ids minted by a local session into the
// durable ids assigned when that work is transferred to cloud storage.
type HeaderMapping map[string]string

// Lookup returns the durable id for old, or old itself when nothing maps it.
func (m HeaderMapping) Lookup(old string) string {
	if len(m) == 0 || old == "" {
		return old
	}
	if mapped, ok := m[old]; ok && strings.TrimSpace(mapped) != "" {
		return mapped
	}
	return old
}

func RemapActivity(mapping HeaderMapping, activity ActivityState) ActivityState {
	if activity.HeaderID == "" {
		return activity
	}
	activity.HeaderID = mapping.Lookup(activity.HeaderID)
	return activity
}

func RemapMap(mapping HeaderMapping, mp MapProgress) MapProgress {
	out := mp.Clone()
	for id, activity := range out.ActivityState {
		out.ActivityState[id] = RemapActivity(mapping, activity)
	}
	return out
}

func RemapSource(mapping HeaderMapping, sp SourceProgress) SourceProgress {
	out := sp.Clone()
	for id, mp := range out.MapProgress {
		out.MapProgress[id] = RemapMap(mapping, mp)
	}
	return out
}
