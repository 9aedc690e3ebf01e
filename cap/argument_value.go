package cap

import (
	"fmt"
	"unicode/utf8"
)

// CapArgumentValue is a single argument passed to a cap call: the media URN
// describing its shape plus the raw bytes carrying the value.
type CapArgumentValue struct {
	MediaUrn string
	Value    []byte
}

// NewCapArgumentValue creates an argument value from raw bytes.
func NewCapArgumentValue(mediaUrn string, value []byte) CapArgumentValue {
	return CapArgumentValue{
		MediaUrn: mediaUrn,
		Value:    value,
	}
}

// NewCapArgumentValueFromStr creates an argument value from a UTF-8 string.
func NewCapArgumentValueFromStr(mediaUrn string, s string) CapArgumentValue {
	return CapArgumentValue{
		MediaUrn: mediaUrn,
		Value:    []byte(s),
	}
}

// ValueAsStr interprets the raw value as a UTF-8 string, failing for
// arguments carrying binary data that isn't valid text.
func (a CapArgumentValue) ValueAsStr() (string, error) {
	if !utf8.Valid(a.Value) {
		return "", fmt.Errorf("argument value for '%s' is not valid UTF-8", a.MediaUrn)
	}
	return string(a.Value), nil
}

// String implements fmt.Stringer for debugging/logging purposes.
func (a CapArgumentValue) String() string {
	return fmt.Sprintf("CapArgumentValue{media_urn: %s, value: %d bytes}", a.MediaUrn, len(a.Value))
}
