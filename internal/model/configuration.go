package model

import (
	"fmt"
	"maps"
	"time"

	tableerrors "github.com/devrev/chaintable/internal/errors"
)

// ViewRecord is the persisted description of one replication chain
type ViewRecord struct {
	Name              string        `json:"name" yaml:"name"`
	ViewID            int64         `json:"view_id" yaml:"view_id"`
	Chain             []ReplicaInfo `json:"chain" yaml:"chain"`
	ReadViewHeadIndex int           `json:"read_view_head_index" yaml:"read_view_head_index"`
}

// ActiveChain returns the replicas that participate in the view, in chain order.
func (v *ViewRecord) ActiveChain() []ReplicaInfo {
	active := make([]ReplicaInfo, 0, len(v.Chain))
	for _, r := range v.Chain {
		if r.IsActive() {
			active = append(active, r)
		}
	}
	return active
}

// IndexOf returns the position of an endpoint in the full chain, or -1.
func (v *ViewRecord) IndexOf(endpoint string) int {
	for i, r := range v.Chain {
		if r.Endpoint == endpoint {
			return i
		}
	}
	return -1
}

// TableRoute binds a table name to the view that replicates it
type TableRoute struct {
	TableName     string `json:"table_name" yaml:"table_name"`
	ViewName      string `json:"view_name" yaml:"view_name"`
	UseAsDefault  bool   `json:"use_as_default,omitempty" yaml:"use_as_default,omitempty"`
	ConvertLegacy bool   `json:"convert_legacy,omitempty" yaml:"convert_legacy,omitempty"`
}

// Configuration is the document stored in every configuration location
type Configuration struct {
	ID                   string       `json:"id" yaml:"id"`
	Timestamp            time.Time    `json:"timestamp" yaml:"timestamp"`
	LeaseDurationSeconds int64        `json:"lease_duration_seconds" yaml:"lease_duration_seconds"`
	Views                []ViewRecord `json:"views" yaml:"views"`
	Tables               []TableRoute `json:"tables" yaml:"tables"`
	// ViewHighWater is the highest id each view name was ever published
	// with, kept after the view is removed so a re-created view moves on
	ViewHighWater map[string]int64 `json:"view_high_water,omitempty" yaml:"view_high_water,omitempty"`
}

// LeaseDuration returns the configured lease as a duration
func (c *Configuration) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationSeconds) * time.Second
}

// Clone returns a deep copy safe to mutate.
func (c *Configuration) Clone() *Configuration {
	if c == nil {
		return nil
	}
	out := *c
	out.Views = make([]ViewRecord, len(c.Views))
	for i, v := range c.Views {
		v.Chain = append([]ReplicaInfo(nil), v.Chain...)
		out.Views[i] = v
	}
	out.Tables = append([]TableRoute(nil), c.Tables...)
	out.ViewHighWater = maps.Clone(c.ViewHighWater)
	return &out
}

// FindView returns a pointer into Views for in-place mutation, or nil.
func (c *Configuration) FindView(name string) *ViewRecord {
	for i := range c.Views {
		if c.Views[i].Name == name {
			return &c.Views[i]
		}
	}
	return nil
}

// Route resolves the route for a table: an exact match first, then the default.
func (c *Configuration) Route(table string) (TableRoute, bool) {
	var fallback *TableRoute
	for i := range c.Tables {
		if c.Tables[i].TableName == table {
			return c.Tables[i], true
		}
		if c.Tables[i].UseAsDefault {
			fallback = &c.Tables[i]
		}
	}
	if fallback != nil {
		route := *fallback
		route.TableName = table
		return route, true
	}
	return TableRoute{}, false
}

// TablesForView lists the explicitly routed tables replicated by a view.
func (c *Configuration) TablesForView(view string) []string {
	var tables []string
	for _, t := range c.Tables {
		if t.ViewName == view && t.TableName != "" {
			tables = append(tables, t.TableName)
		}
	}
	return tables
}

// Validate rejects contradictory chains and routing rules
func (c *Configuration) Validate() error {
	if c.LeaseDurationSeconds <= 0 {
		return tableerrors.Configuration("lease_duration_seconds must be positive")
	}

	views := make(map[string]bool, len(c.Views))
	for i := range c.Views {
		v := &c.Views[i]
		if v.Name == "" {
			return tableerrors.Configuration("view name is required")
		}
		if views[v.Name] {
			return tableerrors.Configuration(fmt.Sprintf("duplicate view %q", v.Name))
		}
		views[v.Name] = true
		if err := validateChain(v); err != nil {
			return err
		}
	}

	defaults := 0
	tables := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if !views[t.ViewName] {
			return tableerrors.Configuration(fmt.Sprintf("table route %q refers to unknown view %q", t.TableName, t.ViewName))
		}
		if t.UseAsDefault {
			defaults++
		}
		if t.TableName == "" {
			if !t.UseAsDefault {
				return tableerrors.Configuration("table route without a table name must be the default route")
			}
			continue
		}
		if tables[t.TableName] {
			return tableerrors.Configuration(fmt.Sprintf("duplicate table route %q", t.TableName))
		}
		tables[t.TableName] = true
	}
	if defaults > 1 {
		return tableerrors.Configuration("at most one default table route is allowed")
	}
	return nil
}

func validateChain(v *ViewRecord) error {
	endpoints := make(map[string]bool, len(v.Chain))
	for _, r := range v.Chain {
		if r.Endpoint == "" {
			return tableerrors.Configuration(fmt.Sprintf("view %q has a replica without endpoint", v.Name))
		}
		if endpoints[r.Endpoint] {
			return tableerrors.Configuration(fmt.Sprintf("view %q lists endpoint %q twice", v.Name, r.Endpoint))
		}
		endpoints[r.Endpoint] = true
	}

	active := v.ActiveChain()
	if len(active) == 0 {
		if v.ReadViewHeadIndex != 0 {
			return tableerrors.Configuration(fmt.Sprintf("view %q has no active replica but read head %d", v.Name, v.ReadViewHeadIndex))
		}
		return nil
	}
	if v.ReadViewHeadIndex < 0 || v.ReadViewHeadIndex >= len(active) {
		return tableerrors.Configuration(fmt.Sprintf("view %q read head index %d out of range [0,%d)", v.Name, v.ReadViewHeadIndex, len(active)))
	}

	readOnly := 0
	for i, r := range active {
		if i < v.ReadViewHeadIndex {
			if r.Status != ReplicaStatusWriteOnly {
				return tableerrors.Configuration(fmt.Sprintf("view %q replica %q ahead of the read head must be write_only", v.Name, r.Endpoint))
			}
			continue
		}
		if !r.Status.Readable() {
			return tableerrors.Configuration(fmt.Sprintf("view %q replica %q behind the read head must be readable", v.Name, r.Endpoint))
		}
		if r.Status == ReplicaStatusReadOnly {
			readOnly++
		}
	}
	if readOnly > 0 && (readOnly != len(active) || v.ReadViewHeadIndex != 0) {
		return tableerrors.Configuration(fmt.Sprintf("view %q mixes read_only and writable replicas", v.Name))
	}
	return nil
}
