// Package types defines core domain identifiers shared across tablewatch packages.
package types

import "github.com/google/uuid"

// SnapshotID is a unique identifier for a captured state snapshot.
type SnapshotID string

// BatchID is a unique identifier for a batch update.
type BatchID string

// NewSnapshotID generates a new unique snapshot ID.
func NewSnapshotID() SnapshotID {
	return SnapshotID(uuid.NewString())
}

// String returns the string representation of a SnapshotID.
func (id SnapshotID) String() string {
	return string(id)
}

// IsZero returns true if the SnapshotID is the zero value.
func (id SnapshotID) IsZero() bool {
	return id == ""
}

// NewBatchID generates a new unique batch ID.
func NewBatchID() BatchID {
	return BatchID(uuid.NewString())
}

// String returns the string representation of a BatchID.
func (id BatchID) String() string {
	return string(id)
}

// IsZero returns true if the BatchID is the zero value.
func (id BatchID) IsZero() bool {
	return id == ""
}
