package storage

import "errors"

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateEntity indicates that an insert violated the
	// (canonical_name, entity_type) uniqueness constraint. The resolver
	// catches this and re-resolves, so a create/create race converges on a
	// single entity.
	ErrDuplicateEntity = errors.New("duplicate entity")
)

// NoteSearchOptions carries the filters for hybrid note search.
type NoteSearchOptions struct {
	// Owner is the username whose notes are searched. Required.
	Owner string

	// Limit is the maximum number of results (default: 10, max: 100).
	Limit int

	// DaysBack, when > 0, restricts results to notes created within that
	// many days of now.
	DaysBack int

	// EntityFilter, when non-empty, restricts results to notes with at
	// least one mention of an entity whose canonical name contains the
	// filter string (case-insensitive).
	EntityFilter string
}

// Normalize applies defaults and bounds to the search options.
func (o *NoteSearchOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 10
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.DaysBack < 0 {
		o.DaysBack = 0
	}
}

// EntitySearchOptions carries the filters for fuzzy entity name search.
type EntitySearchOptions struct {
	// EntityType, when non-empty, restricts matches to that registry
	// category.
	EntityType string

	// Limit is the maximum number of results (default: 10, max: 100).
	Limit int

	// MinScore is the similarity floor for a candidate (default: 0.3).
	MinScore float64
}

// Normalize applies defaults and bounds to the entity search options.
func (o *EntitySearchOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 10
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.MinScore <= 0 {
		o.MinScore = 0.3
	}
}
