// Package file holds the per-file replication state kept by leaf peers.
package file

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a file is absent from a store or registry.
	ErrNotFound = errors.New("file not found")
	// ErrNotMaster is returned when an edit targets a replica.
	ErrNotMaster = errors.New("not a master copy")
	// ErrInvalid is returned when an edit targets an invalidated record.
	ErrInvalid = errors.New("invalid")
	// ErrAlreadyHeld is returned when a download targets a file the leaf holds.
	ErrAlreadyHeld = errors.New("file already held")
	// ErrBadHolder is returned when a download names an unusable holder.
	ErrBadHolder = errors.New("bad holder")
)

// Record describes one file's replication state at a leaf.
type Record struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Valid   bool   `json:"valid"`
	IsCopy  bool   `json:"is_copy"`
	Origin  string `json:"origin"`
}

// NewMaster returns the authoritative record for a file declared by owner.
func NewMaster(name, owner string) *Record {
	return &Record{Name: name, Version: 1, Valid: true, Origin: owner}
}

// NewCopy returns a valid replica of a file whose master lives at origin.
func NewCopy(name, origin string, version int) *Record {
	if version < 1 {
		version = 1
	}
	return &Record{Name: name, Version: version, Valid: true, IsCopy: true, Origin: origin}
}

// CheckEditable reports why the record cannot be edited, if it cannot.
func (r *Record) CheckEditable() error {
	if r.IsCopy {
		return fmt.Errorf("edit %s: %w", r.Name, ErrNotMaster)
	}
	if !r.Valid {
		return fmt.Errorf("edit %s: %w", r.Name, ErrInvalid)
	}
	return nil
}

// Bump increments the version of an editable master.
func (r *Record) Bump() error {
	if err := r.CheckEditable(); err != nil {
		return err
	}
	r.Version++
	return nil
}

// Invalidate marks the record as unusable until it is replaced.
func (r *Record) Invalidate() {
	r.Valid = false
}

// Servable is true when the record may be handed to another leaf.
func (r *Record) Servable() bool {
	return r.Valid
}

// PollTarget is true for records the pull protocol must check.
func (r *Record) PollTarget() bool {
	return r.Valid && r.IsCopy
}
