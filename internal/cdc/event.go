// Package cdc turns raw change-feed messages into typed change events.
package cdc

import (
	"fmt"
	"strconv"
)

// Operation is the kind of row change carried by a ChangeEvent.
type Operation int

const (
	OpCreate Operation = iota + 1
	OpUpdate
	OpDelete
	OpSnapshot
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// ParseOperation maps a capture op code to an Operation.
func ParseOperation(code string) (Operation, error) {
	switch code {
	case "c":
		return OpCreate, nil
	case "u":
		return OpUpdate, nil
	case "r":
		return OpSnapshot, nil
	case "d":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("%w: unknown op %q", ErrMalformedPayload, code)
	}
}

// Offset is the source position of a message. Only offsets from the same
// topic partition are comparable.
type Offset struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (o Offset) String() string {
	return o.Topic + "/" + strconv.FormatInt(int64(o.Partition), 10) + "@" + strconv.FormatInt(o.Offset, 10)
}

// SamePartition reports whether o and other can be ordered by Offset.
func (o Offset) SamePartition(other Offset) bool {
	return o.Topic == other.Topic && o.Partition == other.Partition
}

// RowImage is one catalog row as captured from the system-of-record.
type RowImage struct {
	ID          int64
	SKU         string
	Name        string
	Description string
	Category    string
	Tags        string // comma-joined
	Price       float64
	Stock       int64
	IsActive    bool
}

// Key is the document identity shared by the row and its index projection.
func (r RowImage) Key() string {
	return strconv.FormatInt(r.ID, 10)
}

// ChangeEvent is a decoded row change. After is set for create, update and
// snapshot; Before is set for delete.
type ChangeEvent struct {
	Op     Operation
	Before *RowImage
	After  *RowImage
	Offset Offset
}

// Image returns the row image that holds the authoritative key.
func (e ChangeEvent) Image() *RowImage {
	if e.Op == OpDelete {
		return e.Before
	}
	return e.After
}

func (e ChangeEvent) Key() string {
	if img := e.Image(); img != nil {
		return img.Key()
	}
	return ""
}
