// Package urn implements the tagged-URN algebra: parsing, canonicalization,
// pattern/instance matching and graded specificity scoring for both media
// URNs (media:...) and capability URNs (cap:in=...;out=...;...).
//
// There is no third-party tagged-URN grammar library in the wild that this
// module could reach for (see DESIGN.md) so the whole engine lives here on
// the standard library alone, the way a small, self-contained parser
// usually does.
package urn

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorCode enumerates the ways a URN string can fail to parse.
type ErrorCode int

const (
	ErrorInvalidFormat ErrorCode = iota
	ErrorMissingScheme
	ErrorEmptyTag
	ErrorInvalidTagFormat
	ErrorDuplicateKey
	ErrorNumericKey
	ErrorUnterminatedQuote
	ErrorInvalidEscapeSequence
	ErrorPrefixMismatch
	ErrorMissingIn
	ErrorMissingOut
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorInvalidFormat:
		return "InvalidFormat"
	case ErrorMissingScheme:
		return "MissingScheme"
	case ErrorEmptyTag:
		return "EmptyTag"
	case ErrorInvalidTagFormat:
		return "InvalidTagFormat"
	case ErrorDuplicateKey:
		return "DuplicateKey"
	case ErrorNumericKey:
		return "NumericKey"
	case ErrorUnterminatedQuote:
		return "UnterminatedQuote"
	case ErrorInvalidEscapeSequence:
		return "InvalidEscapeSequence"
	case ErrorPrefixMismatch:
		return "PrefixMismatch"
	case ErrorMissingIn:
		return "MissingIn"
	case ErrorMissingOut:
		return "MissingOut"
	default:
		return "Unknown"
	}
}

// TaggedUrnError is the single error type raised by this package.
type TaggedUrnError struct {
	Code    ErrorCode
	Message string
}

func (e *TaggedUrnError) Error() string {
	return fmt.Sprintf("tagged urn %s: %s", e.Code, e.Message)
}

func newErr(code ErrorCode, format string, args ...interface{}) *TaggedUrnError {
	return &TaggedUrnError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Four-valued constraint lattice markers, stored verbatim as tag values.
const (
	ValueWildcard = "*" // present, any value
	ValueAbsent   = "!" // must be absent from the instance
	ValueDontCare = "?" // always matches
)

// TaggedUrn is the parsed, immutable form of "<scheme>:key=value;...".
// Mutation methods return a new value; the receiver is never modified.
type TaggedUrn struct {
	scheme string
	tags   map[string]string
	// order preserves first-seen insertion order for tags whose canonical
	// position does not matter once sorted; kept only for round-trip tests.
	order []string
}

// NewTaggedUrnFromString parses the canonical textual grammar described in
// the wire-format grammar (scheme ":" taglist, tag = key ("=" value)?).
func NewTaggedUrnFromString(s string) (*TaggedUrn, error) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 {
		return nil, newErr(ErrorMissingScheme, "no scheme found in %q", s)
	}
	scheme := s[:idx]
	if !isValidKey(scheme, true) {
		return nil, newErr(ErrorMissingScheme, "invalid scheme %q", scheme)
	}
	rest := s[idx+1:]

	tags := make(map[string]string)
	var order []string

	if rest != "" {
		segments, err := splitTagList(rest)
		if err != nil {
			return nil, err
		}
		for _, seg := range segments {
			key, value, err := parseTag(seg)
			if err != nil {
				return nil, err
			}
			if _, exists := tags[key]; exists {
				return nil, newErr(ErrorDuplicateKey, "duplicate key %q", key)
			}
			tags[key] = value
			order = append(order, key)
		}
	}

	return &TaggedUrn{scheme: strings.ToLower(scheme), tags: tags, order: order}, nil
}

// splitTagList splits a taglist on unquoted ';' characters.
func splitTagList(s string) ([]string, error) {
	var segments []string
	var cur strings.Builder
	inQuotes := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			if c != '"' && c != '\\' {
				return nil, newErr(ErrorInvalidEscapeSequence, "invalid escape sequence '\\%c'", c)
			}
			cur.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if !inQuotes {
				return nil, newErr(ErrorInvalidEscapeSequence, "escape outside of quotes")
			}
			escaped = true
		case '"':
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case ';':
			if inQuotes {
				cur.WriteByte(c)
			} else {
				segments = append(segments, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if inQuotes {
		return nil, newErr(ErrorUnterminatedQuote, "unterminated quote in %q", s)
	}
	if cur.Len() > 0 || len(segments) == 0 {
		segments = append(segments, cur.String())
	}
	return segments, nil
}

// parseTag parses one "key" or "key=value" segment, unquoting the value.
func parseTag(seg string) (key, value string, err error) {
	if seg == "" {
		return "", "", newErr(ErrorEmptyTag, "empty tag segment")
	}
	eq := strings.IndexByte(seg, '=')
	var rawKey, rawVal string
	hasValue := eq >= 0
	if hasValue {
		rawKey = seg[:eq]
		rawVal = seg[eq+1:]
	} else {
		rawKey = seg
	}

	rawKey = strings.ToLower(rawKey)
	if !isValidKey(rawKey, false) {
		return "", "", newErr(ErrorInvalidTagFormat, "invalid key %q", rawKey)
	}

	if !hasValue {
		return rawKey, ValueWildcard, nil
	}

	unquoted, err := unquoteValue(rawVal)
	if err != nil {
		return "", "", err
	}
	return rawKey, unquoted, nil
}

func unquoteValue(v string) (string, error) {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		inner := v[1 : len(v)-1]
		var b strings.Builder
		for i := 0; i < len(inner); i++ {
			c := inner[i]
			if c == '\\' {
				i++
				if i >= len(inner) {
					return "", newErr(ErrorUnterminatedQuote, "dangling escape in quoted value")
				}
				switch inner[i] {
				case '"', '\\':
					b.WriteByte(inner[i])
				default:
					return "", newErr(ErrorInvalidEscapeSequence, "invalid escape sequence '\\%c'", inner[i])
				}
			} else {
				b.WriteByte(c)
			}
		}
		return b.String(), nil
	}
	if strings.ContainsAny(v, `"\`) {
		return "", newErr(ErrorInvalidTagFormat, "unquoted value %q contains reserved characters", v)
	}
	return v, nil
}

func isValidKey(k string, allowEmpty bool) bool {
	if k == "" {
		return allowEmpty
	}
	allDigits := true
	for i, r := range k {
		isAlpha := r >= 'a' && r <= 'z'
		isDigit := r >= '0' && r <= '9'
		isDash := r == '-'
		if i == 0 {
			if !isAlpha {
				return false
			}
		} else if !isAlpha && !isDigit && !isDash {
			return false
		}
		if !isDigit {
			allDigits = false
		}
	}
	return !allDigits
}

func needsQuoting(v string) bool {
	return strings.ContainsAny(v, `;="\`)
}

func quoteValue(v string) string {
	if !needsQuoting(v) {
		return v
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

// String renders the canonical form: scheme, then tags sorted by key.
func (t *TaggedUrn) String() string {
	if t == nil {
		return ""
	}
	keys := t.sortedKeys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := t.tags[k]
		if v == ValueWildcard {
			parts = append(parts, k)
		} else {
			parts = append(parts, k+"="+quoteValue(v))
		}
	}
	if len(parts) == 0 {
		return t.scheme + ":"
	}
	return t.scheme + ":" + strings.Join(parts, ";")
}

func (t *TaggedUrn) sortedKeys() []string {
	keys := make([]string, 0, len(t.tags))
	for k := range t.tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Scheme returns the URN scheme ("cap", "media", ...).
func (t *TaggedUrn) Scheme() string { return t.scheme }

// GetTag returns a tag's raw value and whether it is present.
func (t *TaggedUrn) GetTag(key string) (string, bool) {
	v, ok := t.tags[key]
	return v, ok
}

// AllTags returns a copy of the tag map.
func (t *TaggedUrn) AllTags() map[string]string {
	out := make(map[string]string, len(t.tags))
	for k, v := range t.tags {
		out[k] = v
	}
	return out
}

// WithTag returns a copy with key set to value (immutable update).
func (t *TaggedUrn) WithTag(key, value string) *TaggedUrn {
	out := t.clone()
	if _, existed := out.tags[key]; !existed {
		out.order = append(out.order, key)
	}
	out.tags[key] = value
	return out
}

// WithoutTag returns a copy with key removed.
func (t *TaggedUrn) WithoutTag(key string) *TaggedUrn {
	out := t.clone()
	delete(out.tags, key)
	newOrder := out.order[:0:0]
	for _, k := range out.order {
		if k != key {
			newOrder = append(newOrder, k)
		}
	}
	out.order = newOrder
	return out
}

func (t *TaggedUrn) clone() *TaggedUrn {
	tags := make(map[string]string, len(t.tags))
	for k, v := range t.tags {
		tags[k] = v
	}
	order := make([]string, len(t.order))
	copy(order, t.order)
	return &TaggedUrn{scheme: t.scheme, tags: tags, order: order}
}

// grade scores a single pattern-tag value per §4.A: exact=3, *=2, !=1, ?/missing=0.
func grade(patternValue string, present bool) int {
	if !present {
		return 0
	}
	switch patternValue {
	case ValueDontCare:
		return 0
	case ValueAbsent:
		return 1
	case ValueWildcard:
		return 2
	default:
		return 3
	}
}

// Specificity sums the per-tag grade for every tag present on this URN
// (treated as a pattern). Scheme-level in/out contribution is added by
// CapUrn.Specificity, which composes this with the directional specs.
func (t *TaggedUrn) Specificity() int {
	total := 0
	for _, v := range t.tags {
		total += grade(v, true)
	}
	return total
}

// valuesMatch implements the four-valued lattice from §4.A `accepts`:
// pattern is the receiver's value (possibly missing), inst is the
// instance's value (possibly missing).
func valuesMatch(patternValue *string, instanceValue *string) bool {
	if patternValue == nil {
		// Missing in pattern => any value accepted (implicit wildcard).
		return true
	}
	switch *patternValue {
	case ValueDontCare:
		return true
	case ValueAbsent:
		return instanceValue == nil
	case ValueWildcard:
		return instanceValue != nil
	default:
		if instanceValue == nil {
			return false
		}
		if *instanceValue == ValueWildcard {
			// Instance value `*` matches any non-`!` pattern value.
			return true
		}
		return *patternValue == *instanceValue
	}
}

// Accepts treats the receiver as a pattern and arg as an instance: every
// tag present in the pattern must be satisfied by the instance per the
// four-valued lattice; tags present only on the instance are ignored.
func (t *TaggedUrn) Accepts(instance *TaggedUrn) (bool, error) {
	if t == nil || instance == nil {
		return false, newErr(ErrorInvalidFormat, "nil urn in Accepts")
	}
	allKeys := make(map[string]struct{})
	for k := range t.tags {
		allKeys[k] = struct{}{}
	}
	for k := range instance.tags {
		allKeys[k] = struct{}{}
	}
	for k := range allKeys {
		pv, pok := t.tags[k]
		iv, iok := instance.tags[k]
		var pvp, ivp *string
		if pok {
			pvp = &pv
		}
		if iok {
			ivp = &iv
		}
		if !valuesMatch(pvp, ivp) {
			return false, nil
		}
	}
	return true, nil
}

// ConformsTo is the dual of Accepts: pattern.Accepts(self).
func (t *TaggedUrn) ConformsTo(pattern *TaggedUrn) (bool, error) {
	return pattern.Accepts(t)
}

// Equals compares canonical string form.
func (t *TaggedUrn) Equals(other *TaggedUrn) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.String() == other.String()
}
