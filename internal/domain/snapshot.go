package domain

import "time"

// SnapshotStatus is the lifecycle state of one derived-state generation.
type SnapshotStatus string

const (
	SnapshotBuilding SnapshotStatus = "building"
	SnapshotCurrent  SnapshotStatus = "current"
	SnapshotRetired  SnapshotStatus = "retired"
	SnapshotFailed   SnapshotStatus = "failed"
)

// Snapshot is one immutable generation of the derived tables (positions and
// PnL), identified by BuildID. Exactly one snapshot is current at a time;
// the previously current generation is retired, not deleted, so a publish
// can be reverted in a single step.
type Snapshot struct {
	BuildID     string
	Status      SnapshotStatus
	CreatedAt   time.Time
	PublishedAt *time.Time
	Positions   int64
	PnLRecords  int64
}
