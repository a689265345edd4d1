package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type RecordStatus int

const (
	StatusCommitted RecordStatus = iota
	StatusAddedViaPush
	StatusRemoved
)

func (s RecordStatus) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusAddedViaPush:
		return "added_via_push"
	case StatusRemoved:
		return "removed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type RemovalCause int

const (
	CauseUnspecified RemovalCause = iota
	CauseExpired
	CauseDismissedByUser
)

func (c RemovalCause) String() string {
	switch c {
	case CauseExpired:
		return "expired"
	case CauseDismissedByUser:
		return "dismissed_by_user"
	default:
		return "unspecified"
	}
}

func (c RemovalCause) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *RemovalCause) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "expired":
		*c = CauseExpired
	case "dismissed_by_user":
		*c = CauseDismissedByUser
	case "", "unspecified":
		*c = CauseUnspecified
	default:
		return fmt.Errorf("unknown removal cause %q", raw)
	}
	return nil
}

// FarFuture stands in for "never expires".
var FarFuture = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

type Identity struct {
	Tag   string
	Group string
}

func (id Identity) String() string {
	if id.Group == "" {
		return id.Tag
	}
	return id.Group + "/" + id.Tag
}

// ChangeRecord is one stored observation of a notification identity. The
// same identity may appear in several records over time; UniqueID addresses
// a single row.
type ChangeRecord struct {
	UniqueID         int64        `json:"uniqueId"`
	Tag              string       `json:"tag"`
	Group            string       `json:"group,omitempty"`
	Status           RecordStatus `json:"status"`
	Cause            RemovalCause `json:"cause,omitempty"`
	DateAdded        time.Time    `json:"dateAdded"`
	DateRemoved      time.Time    `json:"dateRemoved,omitzero"`
	ExpirationTime   time.Time    `json:"expirationTime"`
	Payload          string       `json:"payload,omitempty"`
	PayloadArguments string       `json:"payloadArguments,omitempty"`
	AdditionalData   string       `json:"additionalData,omitempty"`
}

func (r ChangeRecord) Identity() Identity {
	return Identity{Tag: r.Tag, Group: r.Group}
}

func (r ChangeRecord) EffectiveDate() time.Time {
	if !r.DateRemoved.IsZero() {
		return r.DateRemoved
	}
	return r.DateAdded
}

// Snapshot is the persisted form of the whole record collection.
type Snapshot struct {
	Version      int            `json:"version"`
	NextUniqueID int64          `json:"nextUniqueId"`
	Records      []ChangeRecord `json:"records"`
}

const snapshotVersion = 1

func cloneRecords(records []ChangeRecord) []ChangeRecord {
	if records == nil {
		return nil
	}
	out := make([]ChangeRecord, len(records))
	copy(out, records)
	return out
}

// sortRecordsForPresentation orders by effective date then status. Records
// removed in the same reconciliation pass share a removal time, so ties fall
// back to the date they were added and finally to UniqueID.
func sortRecordsForPresentation(records []ChangeRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if ea, eb := a.EffectiveDate(), b.EffectiveDate(); !ea.Equal(eb) {
			return ea.Before(eb)
		}
		if a.Status != b.Status {
			return a.Status < b.Status
		}
		if !a.DateAdded.Equal(b.DateAdded) {
			return a.DateAdded.Before(b.DateAdded)
		}
		return a.UniqueID < b.UniqueID
	})
}
