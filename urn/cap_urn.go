package urn

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CapUrn is a TaggedUrn with required scheme "cap" and two required tags,
// "in" and "out", each either a MediaUrn string or the wildcard "*". All
// other tags are opaque classification (op=..., target=...).
type CapUrn struct {
	inner *TaggedUrn
}

// NewCapUrnFromString parses and validates the two required direction tags.
func NewCapUrnFromString(s string) (*CapUrn, error) {
	parsed, err := NewTaggedUrnFromString(s)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme() != "cap" {
		return nil, newErr(ErrorPrefixMismatch, "expected scheme 'cap', got %q", parsed.Scheme())
	}
	if _, ok := parsed.GetTag("in"); !ok {
		return nil, newErr(ErrorMissingIn, "cap URN missing required 'in' tag")
	}
	if _, ok := parsed.GetTag("out"); !ok {
		return nil, newErr(ErrorMissingOut, "cap URN missing required 'out' tag")
	}
	return &CapUrn{inner: parsed}, nil
}

// NewCapUrn builds a CapUrn from explicit in/out media specs and extra tags.
func NewCapUrn(inSpec, outSpec string, tags map[string]string) *CapUrn {
	t := &TaggedUrn{scheme: "cap", tags: map[string]string{"in": inSpec, "out": outSpec}}
	t.order = []string{"in", "out"}
	for k, v := range tags {
		if k == "in" || k == "out" {
			continue
		}
		t = t.WithTag(k, v)
	}
	return &CapUrn{inner: t}
}

func (c *CapUrn) String() string {
	if c == nil || c.inner == nil {
		return ""
	}
	return c.inner.String()
}

func (c *CapUrn) ToString() string { return c.String() }

// InSpec returns the raw "in" tag value (a media URN string or "*").
func (c *CapUrn) InSpec() string {
	v, _ := c.inner.GetTag("in")
	return v
}

// OutSpec returns the raw "out" tag value (a media URN string or "*").
func (c *CapUrn) OutSpec() string {
	v, _ := c.inner.GetTag("out")
	return v
}

func (c *CapUrn) GetTag(key string) (string, bool) {
	if key == "in" || key == "out" {
		return "", false
	}
	return c.inner.GetTag(key)
}

func (c *CapUrn) HasTag(key string) bool {
	_, ok := c.GetTag(key)
	return ok
}

// WithTag returns a copy with a non-directional tag set. Attempts to set
// "in"/"out" through this method are silently ignored per §4.A — use
// WithInSpec/WithOutSpec instead.
func (c *CapUrn) WithTag(key, value string) *CapUrn {
	if key == "in" || key == "out" {
		return c
	}
	return &CapUrn{inner: c.inner.WithTag(key, value)}
}

// WithoutTag removes a non-directional tag; "in"/"out" cannot be removed
// this way since they are required.
func (c *CapUrn) WithoutTag(key string) *CapUrn {
	if key == "in" || key == "out" {
		return c
	}
	return &CapUrn{inner: c.inner.WithoutTag(key)}
}

func (c *CapUrn) WithInSpec(spec string) *CapUrn {
	return &CapUrn{inner: c.inner.WithTag("in", spec)}
}

func (c *CapUrn) WithOutSpec(spec string) *CapUrn {
	return &CapUrn{inner: c.inner.WithTag("out", spec)}
}

// directionalAccepts checks in/out direction per §4.A: request's in must
// conform to pattern's in (contravariant input), pattern's out must
// conform to request's out (covariant output).
func directionalAccepts(pattern, request *CapUrn) bool {
	patIn, patOut := pattern.InSpec(), pattern.OutSpec()
	reqIn, reqOut := request.InSpec(), request.OutSpec()

	if !specValueMatches(patIn, reqIn) {
		return false
	}
	if !specValueMatches(patOut, reqOut) {
		return false
	}
	return true
}

// specValueMatches compares a direction tag whose value is itself either
// "*" or a media URN string, using MediaUrn.Accepts when both sides parse
// as media URNs and falling back to the tagged-urn value lattice otherwise
// (covers the bare "*"/"!"/"?" and empty-media "media:" patterns).
func specValueMatches(patternValue, requestValue string) bool {
	patMedia, patErr := NewMediaUrnFromString(patternValue)
	reqMedia, reqErr := NewMediaUrnFromString(requestValue)
	if patErr == nil && reqErr == nil {
		return patMedia.Accepts(reqMedia)
	}
	pv, rv := patternValue, requestValue
	return valuesMatch(&pv, &rv)
}

// Accepts treats the receiver as a pattern and request as an instance:
// direction tags match per specValueMatches, then every other pattern tag
// is checked against the request's tags via the four-valued lattice.
func (c *CapUrn) Accepts(request *CapUrn) bool {
	if c == nil || c.inner == nil || request == nil || request.inner == nil {
		return false
	}
	if !directionalAccepts(c, request) {
		return false
	}
	ok, err := c.inner.WithoutTag("in").WithoutTag("out").Accepts(
		request.inner.WithoutTag("in").WithoutTag("out"))
	return err == nil && ok
}

// ConformsTo is the dual of Accepts.
func (c *CapUrn) ConformsTo(pattern *CapUrn) bool {
	if pattern == nil {
		return false
	}
	return pattern.Accepts(c)
}

// Matches is an alias for Accepts kept for callers that read "does this
// registered cap URN match a request" in matcher terms.
func (c *CapUrn) Matches(request *CapUrn) bool {
	return c.Accepts(request)
}

// Specificity grades every tag — in, out, and all others alike — at the
// whole-tag level: a concrete value is 3, "*" is 2, "!" is 1, "?" or
// missing is 0. In/out contribute identically to any other tag; they are
// not decomposed into their underlying media URN's own tag count.
func (c *CapUrn) Specificity() int {
	if c == nil || c.inner == nil {
		return 0
	}
	return c.inner.Specificity()
}

func (c *CapUrn) IsMoreSpecificThan(other *CapUrn) bool {
	if other == nil {
		return true
	}
	return c.Specificity() > other.Specificity()
}

// IsCompatibleWith reports whether either side accepts the other — used
// where direction of pattern/instance is not yet known (e.g. comparing two
// registered caps for conflict detection).
func (c *CapUrn) IsCompatibleWith(other *CapUrn) bool {
	if other == nil {
		return false
	}
	return c.Accepts(other) || other.Accepts(c)
}

func (c *CapUrn) Equals(other *CapUrn) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.inner.Equals(other.inner)
}

// Hash returns the hex SHA-256 of the canonical string form, matching the
// registry cache-key scheme from §6 ("always canonicalize first").
func (c *CapUrn) Hash() string {
	sum := sha256.Sum256([]byte(c.String()))
	return hex.EncodeToString(sum[:])
}

func (c *CapUrn) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *CapUrn) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := NewCapUrnFromString(s)
	if err != nil {
		return err
	}
	c.inner = parsed.inner
	return nil
}

// CapUrnBuilder is a small fluent builder matching the teacher's
// CapUrnBuilder ergonomics for assembling a CapUrn from parts.
type CapUrnBuilder struct {
	inSpec, outSpec string
	tags            map[string]string
}

func NewCapUrnBuilder() *CapUrnBuilder {
	return &CapUrnBuilder{inSpec: ValueWildcard, outSpec: ValueWildcard, tags: map[string]string{}}
}

func (b *CapUrnBuilder) In(spec string) *CapUrnBuilder {
	b.inSpec = spec
	return b
}

func (b *CapUrnBuilder) Out(spec string) *CapUrnBuilder {
	b.outSpec = spec
	return b
}

func (b *CapUrnBuilder) Tag(key, value string) *CapUrnBuilder {
	b.tags[key] = value
	return b
}

func (b *CapUrnBuilder) Build() *CapUrn {
	return NewCapUrn(b.inSpec, b.outSpec, b.tags)
}
