package models

const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Page selects a window of a newest-first listing.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// EntryFilter narrows an entry listing.
type EntryFilter struct {
	Kind EntryKind // empty means every kind
	Page Page
}

// SessionFilter narrows a session listing for one participant.
type SessionFilter struct {
	State SessionState // empty means every state
	Page  Page
}
