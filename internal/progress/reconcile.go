package progress

// Reconcile merges a ledger accumulated while signed out into the signed-in
// user's cloud ledger.
//
// Each source in the result is taken whole from one side. Sources the cloud
// ledger has started keep the cloud copy exactly. Every other local source is
// copied with its header ids rewritten through mapping; cloud sources that are
// neither started nor present locally are carried over untouched. A nil or
// empty mapping leaves header ids as they were.
//
// The merged Version is the larger of the two inputs, which makes
// Reconcile(Reconcile(l, c, m), c, m) equal to Reconcile(l, c, m) as long as
// mapping never maps an id onto another mapped id.
func Reconcile(local, cloud *Ledger, mapping HeaderMapping) *Ledger {
	result := &Ledger{Sources: map[string]SourceProgress{}}
	if cloud != nil {
		result.UserID = cloud.UserID
		result.Version = cloud.Version
		result.IsDebug = cloud.IsDebug
	}
	if local != nil {
		if result.UserID == "" {
			result.UserID = local.UserID
		}
		if local.Version > result.Version {
			result.Version = local.Version
		}
		for source, sp := range local.Sources {
			if cloud.IsSourceStarted(source) {
				continue
			}
			result.Sources[source] = RemapSource(mapping, sp)
		}
	}
	if cloud != nil {
		for source, sp := range cloud.Sources {
			if sp.Started() {
				result.Sources[source] = sp.Clone()
				continue
			}
			if _, copied := result.Sources[source]; !copied {
				result.Sources[source] = sp.Clone()
			}
		}
	}
	return result.Normalize()
}

// TransferCandidates lists the local header ids whose work must be copied to
// cloud storage before a merge: those under sources the cloud has not started.
func TransferCandidates(local, cloud *Ledger) []string {
	if local == nil {
		return nil
	}
	seen := map[string]struct{}{}
	for source, sp := range local.Sources {
		if cloud.IsSourceStarted(source) {
			continue
		}
		collectHeaderIDs(sp, seen)
	}
	return sortedKeys(seen)
}
