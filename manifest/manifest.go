// Package manifest keeps a record of every finalized recording file.
//
// A manifest lets tooling find the files of a recording session without
// scanning the output directory. Stores are written once per closed file,
// so throughput is not a concern.
package manifest

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("manifest store is closed")

	// ErrEmptyPath is returned when an entry has no path.
	ErrEmptyPath = errors.New("manifest entry path cannot be empty")
)

// Entry describes one finalized file.
type Entry struct {
	Path        string    `json:"path" msgpack:"path"`
	SessionID   string    `json:"session_id" msgpack:"session_id"`
	Sequence    int       `json:"sequence" msgpack:"sequence"`
	OpenedAt    time.Time `json:"opened_at" msgpack:"opened_at"`
	ClosedAt    time.Time `json:"closed_at" msgpack:"closed_at"`
	Messages    uint64    `json:"messages" msgpack:"messages"`
	Bytes       int64     `json:"bytes" msgpack:"bytes"`
	Schemas     int       `json:"schemas" msgpack:"schemas"`
	Channels    int       `json:"channels" msgpack:"channels"`
	OpenReason  string    `json:"open_reason" msgpack:"open_reason"`
	CloseReason string    `json:"close_reason" msgpack:"close_reason"`
}

// Validate checks required fields.
func (e *Entry) Validate() error {
	if e.Path == "" {
		return ErrEmptyPath
	}
	return nil
}

// Store records finalized files.
type Store interface {
	// Record adds an entry.
	Record(ctx context.Context, entry Entry) error

	// List returns the entries of a session ordered by sequence, or the
	// entries of every session when sessionID is empty.
	List(ctx context.Context, sessionID string) ([]Entry, error)

	// Close releases the store.
	Close() error
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].OpenedAt.Equal(entries[j].OpenedAt) {
			return entries[i].OpenedAt.Before(entries[j].OpenedAt)
		}
		return entries[i].Sequence < entries[j].Sequence
	})
}
