package history

import (
	"encoding/json"
	"fmt"
	"time"
)

type ChangeType int

const (
	ChangeAddedViaPush ChangeType = iota
	ChangeRemoved
	// ChangeTrackingLost is reported alone when the store cannot be trusted.
	// The consumer should call Reset and resynchronize from scratch.
	ChangeTrackingLost
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAddedViaPush:
		return "added_via_push"
	case ChangeRemoved:
		return "removed"
	case ChangeTrackingLost:
		return "tracking_lost"
	default:
		return fmt.Sprintf("change(%d)", int(t))
	}
}

func (t ChangeType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ChangeType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "added_via_push":
		*t = ChangeAddedViaPush
	case "removed":
		*t = ChangeRemoved
	case "tracking_lost":
		*t = ChangeTrackingLost
	default:
		return fmt.Errorf("unknown change type %q", raw)
	}
	return nil
}

type Change struct {
	Type             ChangeType   `json:"type"`
	Cause            RemovalCause `json:"cause,omitempty"`
	Tag              string       `json:"tag,omitempty"`
	Group            string       `json:"group,omitempty"`
	DateAdded        time.Time    `json:"dateAdded"`
	DateRemoved      time.Time    `json:"dateRemoved,omitzero"`
	ExpirationTime   time.Time    `json:"expirationTime,omitzero"`
	Payload          string       `json:"payload,omitempty"`
	PayloadArguments string       `json:"payloadArguments,omitempty"`
	AdditionalData   string       `json:"additionalData,omitempty"`
}

func changeFromRecord(record ChangeRecord) Change {
	change := Change{
		Tag:              record.Tag,
		Group:            record.Group,
		DateAdded:        record.DateAdded,
		DateRemoved:      record.DateRemoved,
		ExpirationTime:   record.ExpirationTime,
		Payload:          record.Payload,
		PayloadArguments: record.PayloadArguments,
		AdditionalData:   record.AdditionalData,
	}
	if record.Status == StatusRemoved {
		change.Type = ChangeRemoved
		change.Cause = record.Cause
	} else {
		change.Type = ChangeAddedViaPush
	}
	return change
}
