package model

import (
	"fmt"
	"strconv"
	"time"

	tableerrors "github.com/devrev/chaintable/internal/errors"
)

// Entity is a logical row as seen by callers. ETag carries the virtual
// version token, never a replica's physical etag.
type Entity struct {
	PartitionKey string     `json:"partition_key"`
	RowKey       string     `json:"row_key"`
	ETag         string     `json:"etag,omitempty"`
	Timestamp    time.Time  `json:"timestamp,omitempty"`
	Properties   Properties `json:"properties,omitempty"`
}

// Validate checks keys and rejects application columns in the reserved namespace.
func (e *Entity) Validate() error {
	if e.PartitionKey == "" {
		return tableerrors.InvalidArgument("partition_key is required")
	}
	if e.RowKey == "" {
		return tableerrors.InvalidArgument("row_key is required")
	}
	for name := range e.Properties {
		if IsReservedColumn(name) {
			return tableerrors.InvalidArgument(fmt.Sprintf("column %q uses the reserved prefix %s", name, ColumnPrefix))
		}
	}
	return nil
}

// VersionToken renders a version as the token surfaced to callers
func VersionToken(version int64) string {
	return strconv.FormatInt(version, 10)
}

// ParseVersionToken parses a caller supplied token.
func ParseVersionToken(token string) (int64, error) {
	v, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0, tableerrors.InvalidArgument(fmt.Sprintf("malformed etag %q", token))
	}
	return v, nil
}

// Codec is implemented by application row types that map themselves onto a
// property bag.
type Codec interface {
	Keys() (partitionKey, rowKey string)
	Encode() (Properties, error)
	Decode(props Properties) error
}

// ToEntity encodes a typed row. etag is the caller's expected version token.
func ToEntity(c Codec, etag string) (*Entity, error) {
	props, err := c.Encode()
	if err != nil {
		return nil, tableerrors.InvalidArgument(fmt.Sprintf("encode row: %v", err))
	}
	pk, rk := c.Keys()
	e := &Entity{PartitionKey: pk, RowKey: rk, ETag: etag, Properties: props}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// FromEntity decodes an entity's columns into a typed row.
func FromEntity(e *Entity, c Codec) error {
	if err := c.Decode(e.Properties); err != nil {
		return tableerrors.Internal("decode row", err)
	}
	return nil
}
