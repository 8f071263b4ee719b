package model

import (
	"fmt"
	"time"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
)

// Replica pairs a chain member with the client used to reach it
type Replica struct {
	Info   ReplicaInfo
	Client backend.TableClient
}

// View is an immutable snapshot of one chain. Position 0 is the write head and
// the last position is the tail.
type View struct {
	Name          string
	ViewID        int64
	Chain         []Replica
	ReadHeadIndex int
	LeaseDuration time.Duration
	RefreshedAt   time.Time
}

// ClientResolver maps endpoint names to table clients
type ClientResolver interface {
	Resolve(endpoint string) (backend.TableClient, error)
}

// NewView builds a runtime view from its persisted record. Replicas whose
// status is None are not part of the chain.
func NewView(record *ViewRecord, lease time.Duration, refreshedAt time.Time, resolver ClientResolver) (*View, error) {
	view := &View{
		Name:          record.Name,
		ViewID:        record.ViewID,
		ReadHeadIndex: record.ReadViewHeadIndex,
		LeaseDuration: lease,
		RefreshedAt:   refreshedAt,
	}

	for _, info := range record.ActiveChain() {
		client, err := resolver.Resolve(info.Endpoint)
		if err != nil {
			return nil, err
		}
		view.Chain = append(view.Chain, Replica{Info: info, Client: client})
	}

	if len(view.Chain) > 0 && (view.ReadHeadIndex < 0 || view.ReadHeadIndex >= len(view.Chain)) {
		return nil, tableerrors.Configuration(fmt.Sprintf("view %q read head index %d out of range", record.Name, record.ReadViewHeadIndex))
	}
	return view, nil
}

// IsEmpty reports a degraded view with no replicas
func (v *View) IsEmpty() bool {
	return len(v.Chain) == 0
}

// IsStable reports whether every replica is caught up
func (v *View) IsStable() bool {
	return v.ReadHeadIndex == 0
}

// IsWritable reports whether the head accepts chain writes
func (v *View) IsWritable() bool {
	return !v.IsEmpty() && v.Chain[0].Info.Status.Writable()
}

// IsExpired reports whether the lease of this snapshot has elapsed
func (v *View) IsExpired(now time.Time) bool {
	return now.Sub(v.RefreshedAt) >= v.LeaseDuration
}

// Head returns the write head
func (v *View) Head() Replica {
	return v.Chain[0]
}

// Tail returns the commit point of the chain
func (v *View) Tail() Replica {
	return v.Chain[len(v.Chain)-1]
}

// TailIndex returns the position of the tail
func (v *View) TailIndex() int {
	return len(v.Chain) - 1
}

// ReadHead returns the first replica exposed to readers
func (v *View) ReadHead() Replica {
	return v.Chain[v.ReadHeadIndex]
}

// Endpoints lists chain endpoints in order; used in logs.
func (v *View) Endpoints() []string {
	out := make([]string, len(v.Chain))
	for i, r := range v.Chain {
		out[i] = r.Info.Endpoint
	}
	return out
}
