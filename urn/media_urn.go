package urn

import (
	"encoding/json"
	"strings"
)

// MediaUrn is a TaggedUrn with the required scheme "media". Its marker
// tags derive predicate flags (textable, list, record, bytes, ...) per
// §3's MediaURN data model.
type MediaUrn struct {
	inner *TaggedUrn
}

// NewMediaUrnFromString parses a media URN, rejecting any other scheme.
func NewMediaUrnFromString(s string) (*MediaUrn, error) {
	parsed, err := NewTaggedUrnFromString(s)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme() != "media" {
		return nil, newErr(ErrorPrefixMismatch, "expected scheme 'media', got %q", parsed.Scheme())
	}
	return &MediaUrn{inner: parsed}, nil
}

// NewMediaUrnFromTagged wraps an already-parsed TaggedUrn of scheme media.
func NewMediaUrnFromTagged(t *TaggedUrn) (*MediaUrn, error) {
	if t == nil || t.Scheme() != "media" {
		return nil, newErr(ErrorPrefixMismatch, "expected scheme 'media'")
	}
	return &MediaUrn{inner: t}, nil
}

func (m *MediaUrn) String() string {
	if m == nil || m.inner == nil {
		return ""
	}
	return m.inner.String()
}

// Inner exposes the underlying TaggedUrn for graph/cap code that needs
// the raw tag algebra (e.g. Accepts against a non-media pattern tag set).
func (m *MediaUrn) Inner() *TaggedUrn {
	if m == nil {
		return nil
	}
	return m.inner
}

func (m *MediaUrn) HasTag(tag string) bool {
	if m == nil || m.inner == nil {
		return false
	}
	_, ok := m.inner.GetTag(tag)
	return ok
}

func (m *MediaUrn) GetTag(tag string) (string, bool) {
	if m == nil || m.inner == nil {
		return "", false
	}
	return m.inner.GetTag(tag)
}

func (m *MediaUrn) hasMarker(tag string) bool {
	v, ok := m.GetTag(tag)
	return ok && v == ValueWildcard
}

// IsText is true iff the "textable" marker is present.
func (m *MediaUrn) IsText() bool { return m.hasMarker("textable") }

// IsBinary is the negation of IsText, per §4.B (`is_binary = ¬textable`).
func (m *MediaUrn) IsBinary() bool { return !m.IsText() }

// IsList is true iff the "list" marker is present; default cardinality is scalar.
func (m *MediaUrn) IsList() bool { return m.hasMarker("list") }

// IsScalar is the negation of IsList.
func (m *MediaUrn) IsScalar() bool { return !m.IsList() }

// IsRecord is true iff the "record" marker is present; default structure is opaque.
func (m *MediaUrn) IsRecord() bool { return m.hasMarker("record") }

// IsOpaque is the negation of IsRecord.
func (m *MediaUrn) IsOpaque() bool { return !m.IsRecord() }

func (m *MediaUrn) IsImage() bool      { return m.hasMarker("image") }
func (m *MediaUrn) IsAudio() bool      { return m.hasMarker("audio") }
func (m *MediaUrn) IsVideo() bool      { return m.hasMarker("video") }
func (m *MediaUrn) IsJSON() bool       { return m.hasMarker("json") }
func (m *MediaUrn) IsNumeric() bool    { return m.hasMarker("numeric") }
func (m *MediaUrn) IsBool() bool       { return m.hasMarker("bool") }
func (m *MediaUrn) IsVoid() bool       { return m.hasMarker("void") }
func (m *MediaUrn) IsFilePath() bool   { return m.hasMarker("file-path") }
func (m *MediaUrn) IsCollection() bool { return m.hasMarker("collection") }

// Accepts treats the receiver as a pattern matched against instance.
func (m *MediaUrn) Accepts(instance *MediaUrn) bool {
	if m == nil || m.inner == nil || instance == nil || instance.inner == nil {
		return false
	}
	ok, err := m.inner.Accepts(instance.inner)
	return err == nil && ok
}

// ConformsTo is the dual of Accepts.
func (m *MediaUrn) ConformsTo(pattern *MediaUrn) bool {
	if pattern == nil {
		return false
	}
	return pattern.Accepts(m)
}

func (m *MediaUrn) Equals(other *MediaUrn) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.inner.Equals(other.inner)
}

// Specificity is the sum of per-tag grades on this URN used as a pattern.
func (m *MediaUrn) Specificity() int {
	if m == nil || m.inner == nil {
		return 0
	}
	return m.inner.Specificity()
}

// TagCount is the raw number of tags. CapUrn.Specificity does not use it:
// the in/out specs are graded as whole values there.
func (m *MediaUrn) TagCount() int {
	if m == nil || m.inner == nil {
		return 0
	}
	return len(m.inner.AllTags())
}

func (m *MediaUrn) MarshalJSON() ([]byte, error) {
	if m == nil || m.inner == nil {
		return json.Marshal("")
	}
	return json.Marshal(m.inner.String())
}

func (m *MediaUrn) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		m.inner = nil
		return nil
	}
	parsed, err := NewMediaUrnFromString(s)
	if err != nil {
		return err
	}
	m.inner = parsed.inner
	return nil
}

// IsMediaUrnString is a light-weight prefix check used where callers pass
// a raw media URN string instead of a parsed MediaUrn.
func IsMediaUrnString(s string) bool {
	return strings.HasPrefix(s, "media:")
}
