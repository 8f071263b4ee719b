package model

import "fmt"

// ReplicaStatus controls which operations a replica serves within its chain
type ReplicaStatus int

const (
	// ReplicaStatusNone marks a replica that is not part of the view
	ReplicaStatusNone ReplicaStatus = iota
	// ReplicaStatusReadOnly serves reads only; the chain rejects writes
	ReplicaStatusReadOnly
	// ReplicaStatusWriteOnly receives writes but is not caught up for reads
	ReplicaStatusWriteOnly
	// ReplicaStatusReadWrite is a fully caught up replica
	ReplicaStatusReadWrite
)

func (s ReplicaStatus) String() string {
	switch s {
	case ReplicaStatusNone:
		return "none"
	case ReplicaStatusReadOnly:
		return "read_only"
	case ReplicaStatusWriteOnly:
		return "write_only"
	case ReplicaStatusReadWrite:
		return "read_write"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status by name in JSON and YAML documents.
func (s ReplicaStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *ReplicaStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "none", "":
		*s = ReplicaStatusNone
	case "read_only":
		*s = ReplicaStatusReadOnly
	case "write_only":
		*s = ReplicaStatusWriteOnly
	case "read_write":
		*s = ReplicaStatusReadWrite
	default:
		return fmt.Errorf("unknown replica status %q", string(text))
	}
	return nil
}

// Readable reports whether readers may be served by the replica.
func (s ReplicaStatus) Readable() bool {
	return s == ReplicaStatusReadOnly || s == ReplicaStatusReadWrite
}

// Writable reports whether the replica accepts chain writes.
func (s ReplicaStatus) Writable() bool {
	return s == ReplicaStatusWriteOnly || s == ReplicaStatusReadWrite
}

// ReplicaInfo describes one replica of a chain as persisted in the configuration
type ReplicaInfo struct {
	Endpoint                string        `json:"endpoint" yaml:"endpoint"`
	ViewInWhichAddedToChain int64         `json:"view_in_which_added_to_chain" yaml:"view_in_which_added_to_chain"`
	Status                  ReplicaStatus `json:"status" yaml:"status"`
	ViewWhenTurnedOff       int64         `json:"view_when_turned_off,omitempty" yaml:"view_when_turned_off,omitempty"`
}

// IsActive reports whether the replica participates in the view
func (r ReplicaInfo) IsActive() bool {
	return r.Status != ReplicaStatusNone
}
