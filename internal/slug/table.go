// Package slug maps human-readable slugs to upstream page identifiers.
package slug

import (
	"errors"
	"fmt"
)

// PageIDLength is the fixed width of an upstream page identifier. Paths are
// matched against page ids by taking their trailing PageIDLength characters;
// no format check is applied to the candidate.
const PageIDLength = 32

// ErrDuplicateSlug is returned when the same slug is configured twice.
var ErrDuplicateSlug = errors.New("duplicate slug")

// Entry is one configured slug → page id pair.
type Entry struct {
	Slug string
	Page string
}

// Table is an immutable bidirectional slug ↔ page id mapping. It is safe for
// concurrent use because nothing mutates it after New returns.
type Table struct {
	entries    []Entry
	slugToPage map[string]string
	pageToSlug map[string]string
	shadowed   []Entry
}

// New builds a Table from entries in configuration order. The empty slug is
// allowed and stands for the site root. When several slugs point at the same
// page, the inverse lookup keeps the last one; the earlier entries are
// reported by Shadowed.
func New(entries []Entry) (*Table, error) {
	t := &Table{
		entries:    make([]Entry, 0, len(entries)),
		slugToPage: make(map[string]string, len(entries)),
		pageToSlug: make(map[string]string, len(entries)),
	}

	for _, e := range entries {
		if e.Page == "" {
			return nil, fmt.Errorf("slug %q: empty page id", e.Slug)
		}
		if _, ok := t.slugToPage[e.Slug]; ok {
			return nil, fmt.Errorf("slug %q: %w", e.Slug, ErrDuplicateSlug)
		}
		if prev, ok := t.pageToSlug[e.Page]; ok {
			t.shadowed = append(t.shadowed, Entry{Slug: prev, Page: e.Page})
		}

		t.entries = append(t.entries, e)
		t.slugToPage[e.Slug] = e.Page
		t.pageToSlug[e.Page] = e.Slug
	}

	return t, nil
}

// Page returns the page id configured for slug.
func (t *Table) Page(slug string) (string, bool) {
	p, ok := t.slugToPage[slug]
	return p, ok
}

// Slug returns the slug for page id. For pages reachable through several
// slugs it returns the last configured one.
func (t *Table) Slug(page string) (string, bool) {
	s, ok := t.pageToSlug[page]
	return s, ok
}

// Entries returns a copy of the configured pairs in configuration order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Shadowed returns the entries that lost the inverse lookup to a later slug
// pointing at the same page.
func (t *Table) Shadowed() []Entry {
	out := make([]Entry, len(t.shadowed))
	copy(out, t.shadowed)
	return out
}

// Len returns the number of configured slugs.
func (t *Table) Len() int {
	return len(t.entries)
}

// PageCandidate returns the trailing PageIDLength characters of path, the
// part that is looked up as a page id. Shorter paths are returned whole.
func PageCandidate(path string) string {
	if len(path) <= PageIDLength {
		return path
	}
	return path[len(path)-PageIDLength:]
}
