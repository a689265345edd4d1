package history

import (
	"fmt"
	"time"
)

// recordRow is the column layout shared by the relational backends.
// Timestamps are stored as RFC 3339 text so they round-trip exactly.
type recordRow struct {
	UniqueID         int64  `db:"unique_id"`
	Tag              string `db:"tag"`
	Grp              string `db:"grp"`
	Status           int    `db:"status"`
	Cause            int    `db:"cause"`
	DateAdded        string `db:"date_added"`
	DateRemoved      string `db:"date_removed"`
	ExpirationTime   string `db:"expiration_time"`
	Payload          string `db:"payload"`
	PayloadArguments string `db:"payload_arguments"`
	AdditionalData   string `db:"additional_data"`
}

type metaRow struct {
	Version      int   `db:"version"`
	NextUniqueID int64 `db:"next_unique_id"`
}

func rowFromRecord(r ChangeRecord) recordRow {
	return recordRow{
		UniqueID:         r.UniqueID,
		Tag:              r.Tag,
		Grp:              r.Group,
		Status:           int(r.Status),
		Cause:            int(r.Cause),
		DateAdded:        formatRowTime(r.DateAdded),
		DateRemoved:      formatRowTime(r.DateRemoved),
		ExpirationTime:   formatRowTime(r.ExpirationTime),
		Payload:          r.Payload,
		PayloadArguments: r.PayloadArguments,
		AdditionalData:   r.AdditionalData,
	}
}

func (row recordRow) record() (ChangeRecord, error) {
	if row.UniqueID <= 0 || row.Tag == "" {
		return ChangeRecord{}, corruptf("row %d has no identity", row.UniqueID)
	}
	if row.Status < int(StatusCommitted) || row.Status > int(StatusRemoved) {
		return ChangeRecord{}, corruptf("row %d has status %d", row.UniqueID, row.Status)
	}
	if row.Cause < int(CauseUnspecified) || row.Cause > int(CauseDismissedByUser) {
		return ChangeRecord{}, corruptf("row %d has cause %d", row.UniqueID, row.Cause)
	}
	added, err := parseRowTime(row.DateAdded)
	if err != nil || added.IsZero() {
		return ChangeRecord{}, corruptf("row %d date_added %q", row.UniqueID, row.DateAdded)
	}
	removed, err := parseRowTime(row.DateRemoved)
	if err != nil {
		return ChangeRecord{}, corruptf("row %d date_removed %q", row.UniqueID, row.DateRemoved)
	}
	expires, err := parseRowTime(row.ExpirationTime)
	if err != nil {
		return ChangeRecord{}, corruptf("row %d expiration_time %q", row.UniqueID, row.ExpirationTime)
	}
	return ChangeRecord{
		UniqueID:         row.UniqueID,
		Tag:              row.Tag,
		Group:            row.Grp,
		Status:           RecordStatus(row.Status),
		Cause:            RemovalCause(row.Cause),
		DateAdded:        added,
		DateRemoved:      removed,
		ExpirationTime:   expires,
		Payload:          row.Payload,
		PayloadArguments: row.PayloadArguments,
		AdditionalData:   row.AdditionalData,
	}, nil
}

func snapshotFromRows(meta metaRow, rows []recordRow) (*Snapshot, error) {
	if meta.Version != snapshotVersion {
		return nil, corruptf("unsupported collection version %d", meta.Version)
	}
	records := make([]ChangeRecord, 0, len(rows))
	for _, row := range rows {
		record, err := row.record()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := checkUniqueIDs(meta.NextUniqueID, records); err != nil {
		return nil, err
	}
	return &Snapshot{
		Version:      meta.Version,
		NextUniqueID: meta.NextUniqueID,
		Records:      records,
	}, nil
}

func formatRowTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseRowTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}
