package cap

import (
	"fmt"
	"sort"

	"github.com/filegrind/capns-go/urn"
)

// CatalogError reports a failure from Catalog lookups or registration.
type CatalogError struct {
	Type    string
	Message string
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func newNoCapsFoundError(request string) *CatalogError {
	return &CatalogError{Type: "NoCapsFound", Message: fmt.Sprintf("no caps registered for request: %s", request)}
}

func newCatalogInvalidUrnError(request, reason string) *CatalogError {
	return &CatalogError{Type: "InvalidUrn", Message: fmt.Sprintf("invalid request URN '%s': %s", request, reason)}
}

type catalogEntry struct {
	name string
	caps []*Cap
}

// Catalog is a keyed store of Caps, registered under a name (typically a
// cap set or plugin identity). Lookup returns every registered cap whose
// URN is accepted by a request pattern, ranked by specificity.
type Catalog struct {
	entries []catalogEntry
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{}
}

// Register adds a named group of caps. Re-registering the same name
// replaces its caps.
func (c *Catalog) Register(name string, caps []*Cap) {
	for i, e := range c.entries {
		if e.name == name {
			c.entries[i].caps = caps
			return
		}
	}
	c.entries = append(c.entries, catalogEntry{name: name, caps: caps})
}

// Unregister removes a named group. Reports whether it was present.
func (c *Catalog) Unregister(name string) bool {
	for i, e := range c.entries {
		if e.name == name {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// match pairs a matched cap with the registration order it was found in
// and the name it was registered under, for stable tie-breaking.
type match struct {
	cap   *Cap
	order int
	name  string
}

// Lookup returns every registered cap whose URN is accepted by requestUrn
// — the request acts as the pattern and each candidate cap's URN as the
// instance, the reverse of a cap's own pattern role in direct invocation —
// sorted by specificity descending, ties broken by registration order.
func (c *Catalog) Lookup(requestUrn string) ([]*Cap, error) {
	request, err := urn.NewCapUrnFromString(requestUrn)
	if err != nil {
		return nil, newCatalogInvalidUrnError(requestUrn, err.Error())
	}

	var matches []match
	order := 0
	for _, entry := range c.entries {
		for _, cp := range entry.caps {
			if request.Accepts(cp.Urn) {
				matches = append(matches, match{cap: cp, order: order, name: entry.name})
			}
			order++
		}
	}

	if len(matches) == 0 {
		return nil, newNoCapsFoundError(requestUrn)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		si, sj := matches[i].cap.Urn.Specificity(), matches[j].cap.Urn.Specificity()
		if si != sj {
			return si > sj
		}
		return matches[i].order < matches[j].order
	})

	result := make([]*Cap, len(matches))
	for i, m := range matches {
		result[i] = m.cap
	}
	return result, nil
}

// CanHandle reports whether Lookup would return at least one cap.
func (c *Catalog) CanHandle(requestUrn string) bool {
	_, err := c.Lookup(requestUrn)
	return err == nil
}

// All returns every registered cap across every name.
func (c *Catalog) All() []*Cap {
	var all []*Cap
	for _, e := range c.entries {
		all = append(all, e.caps...)
	}
	return all
}

// Names returns every registered name.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		names = append(names, e.name)
	}
	return names
}
