package store

import "time"

// Snapshot is the durable copy of one document's full state. Data is an
// envelope produced by the snapshot package; SavedAt only ever increases
// for a given document.
type Snapshot struct {
	DocID   string
	Data    []byte
	SavedAt time.Time
}

// Metadata describes a document without its content.
type Metadata struct {
	DocID         string    `json:"docId"`
	Title         string    `json:"title"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	SavedAt       time.Time `json:"savedAt"`
	SnapshotBytes int       `json:"snapshotBytes"`
}
