package progress

import "strings"

type DebugFlags struct {
	NewUser   bool
	Completed bool
}

// ParseDebugFlags reads a comma separated flag list such as
// "debugNewUser,debugCompleted".
func ParseDebugFlags(raw string) DebugFlags {
	var flags DebugFlags
	for _, part := range strings.Split(raw, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "debugnewuser", "newuser":
			flags.NewUser = true
		case "debugcompleted", "completed":
			flags.Completed = true
		}
	}
	return flags
}

func (f DebugFlags) Any() bool {
	return f.NewUser || f.Completed
}

// ApplyDebugFlags replaces the ledger with a fixture for source. NewUser
// clears all progress; Completed marks every node of every map completed and
// counts each tagged activity once.
func ApplyDebugFlags(l *Ledger, flags DebugFlags, source string, maps []MapDefinition) *Ledger {
	if !flags.Any() {
		return l
	}
	if strings.TrimSpace(source) == "" {
		source = "default"
	}
	out := l.Clone()
	if out == nil {
		out = NewLedger("")
	}
	out.IsDebug = true
	out.Version = nextVersion(l)
	out.Sources = map[string]SourceProgress{source: emptySource()}
	if !flags.Completed {
		return out
	}

	sp := out.Sources[source]
	for _, def := range maps {
		mp := MapProgress{
			CompletionState: StateCompleted,
			MapID:           def.MapID,
			ActivityState:   make(map[string]ActivityState, len(def.Activities)),
		}
		for _, node := range def.Activities {
			mp.ActivityState[node.ActivityID] = ActivityState{
				ActivityID:  node.ActivityID,
				IsCompleted: true,
			}
			if node.Kind == NodeActivity {
				for _, tag := range node.Tags {
					sp.CompletedTags[tag]++
				}
			}
		}
		sp.MapProgress[def.MapID] = mp
	}
	out.Sources[source] = sp
	return out
}
