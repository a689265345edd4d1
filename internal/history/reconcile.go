package history

import "time"

type reconcilePolicy struct {
	distinguishCause bool
	includePayload   bool
	includeArguments bool
}

type reconcileResult struct {
	dupes   int
	removed int
	dropped int
	added   int
}

func (r reconcileResult) changed() bool {
	return r.dupes+r.removed+r.dropped+r.added > 0
}

// reconcile brings state in line with the platform's active notifications.
//
// Only records already in effect (DateAdded <= now) that are not yet
// Removed take part. When several share an identity the newest wins and the
// rest are deleted. Stored identities missing from the platform are flipped
// to Removed, except AddedViaPush records the consumer never accepted, which
// are deleted outright. Platform identities with no stored record are
// inserted as AddedViaPush.
func reconcile(state *generationState, active []Notification, now time.Time, policy reconcilePolicy) reconcileResult {
	var result reconcileResult

	stored := map[Identity]int{}
	doomed := map[int64]struct{}{}
	for i, record := range state.records {
		if record.DateAdded.After(now) || record.Status == StatusRemoved {
			continue
		}
		id := record.Identity()
		j, seen := stored[id]
		if !seen {
			stored[id] = i
			continue
		}
		result.dupes++
		if supersedes(record, state.records[j]) {
			doomed[state.records[j].UniqueID] = struct{}{}
			stored[id] = i
		} else {
			doomed[record.UniqueID] = struct{}{}
		}
	}

	onPlatform := map[Identity]struct{}{}
	var toAdd []Notification
	for _, n := range active {
		if n.Tag == "" {
			continue
		}
		id := n.Identity()
		if _, dup := onPlatform[id]; dup {
			continue
		}
		onPlatform[id] = struct{}{}
		if _, known := stored[id]; !known {
			toAdd = append(toAdd, n)
		}
	}

	for id, i := range stored {
		if _, ok := onPlatform[id]; ok {
			continue
		}
		record := &state.records[i]
		if record.Status == StatusAddedViaPush {
			doomed[record.UniqueID] = struct{}{}
			result.dropped++
			continue
		}
		record.Status = StatusRemoved
		record.DateRemoved = now
		record.Cause = removalCause(*record, now, policy)
		result.removed++
	}

	if len(doomed) > 0 {
		state.deleteWhere(func(record ChangeRecord) bool {
			_, ok := doomed[record.UniqueID]
			return ok
		})
	}

	for _, n := range toAdd {
		state.insert(newChangeRecord(n, StatusAddedViaPush, now, "", policy))
		result.added++
	}
	return result
}

// supersedes reports whether a should survive over b when both share an
// identity: later DateAdded wins, and an exact tie goes to the later insert.
func supersedes(a, b ChangeRecord) bool {
	if !a.DateAdded.Equal(b.DateAdded) {
		return a.DateAdded.After(b.DateAdded)
	}
	return a.UniqueID > b.UniqueID
}

func removalCause(record ChangeRecord, now time.Time, policy reconcilePolicy) RemovalCause {
	if !policy.distinguishCause {
		return CauseUnspecified
	}
	if !record.ExpirationTime.IsZero() && !now.Before(record.ExpirationTime) {
		return CauseExpired
	}
	return CauseDismissedByUser
}

func newChangeRecord(n Notification, status RecordStatus, dateAdded time.Time, additionalData string, policy reconcilePolicy) ChangeRecord {
	record := ChangeRecord{
		Tag:            n.Tag,
		Group:          n.Group,
		Status:         status,
		DateAdded:      dateAdded,
		ExpirationTime: n.ExpirationTime,
		AdditionalData: additionalData,
	}
	if record.ExpirationTime.IsZero() {
		record.ExpirationTime = FarFuture
	}
	if policy.includePayload {
		record.Payload = n.Payload
	}
	if policy.includeArguments {
		record.PayloadArguments = launchArguments(n)
	}
	return record
}
