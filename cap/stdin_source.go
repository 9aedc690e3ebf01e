package cap

// StdinSourceKind distinguishes the two ways a cap's stdin payload can be
// carried across the host/plugin boundary.
type StdinSourceKind string

const (
	// StdinSourceKindData means the payload bytes are carried inline.
	StdinSourceKindData StdinSourceKind = "data"
	// StdinSourceKindFileReference means the payload lives in a tracked
	// file the plugin must re-open rather than receive inline.
	StdinSourceKindFileReference StdinSourceKind = "file_reference"
)

// StdinSource describes where a cap's stdin argument comes from: either
// inline bytes, or a reference to a file tracked by the host.
type StdinSource struct {
	Kind StdinSourceKind

	// Data variant
	Data []byte

	// FileReference variant
	TrackedFileID    string
	OriginalPath     string
	SecurityBookmark []byte
	MediaUrn         string
}

// NewStdinSourceFromData creates a Data-variant stdin source carrying the
// given bytes inline.
func NewStdinSourceFromData(data []byte) *StdinSource {
	return &StdinSource{
		Kind: StdinSourceKindData,
		Data: data,
	}
}

// NewStdinSourceFromFileReference creates a FileReference-variant stdin
// source pointing at a file tracked by the host.
func NewStdinSourceFromFileReference(trackedFileID, originalPath string, securityBookmark []byte, mediaUrn string) *StdinSource {
	return &StdinSource{
		Kind:             StdinSourceKindFileReference,
		TrackedFileID:    trackedFileID,
		OriginalPath:     originalPath,
		SecurityBookmark: securityBookmark,
		MediaUrn:         mediaUrn,
	}
}

// IsData reports whether this is the Data variant. A nil receiver is
// treated as neither variant.
func (s *StdinSource) IsData() bool {
	return s != nil && s.Kind == StdinSourceKindData
}

// IsFileReference reports whether this is the FileReference variant. A
// nil receiver is treated as neither variant.
func (s *StdinSource) IsFileReference() bool {
	return s != nil && s.Kind == StdinSourceKindFileReference
}
