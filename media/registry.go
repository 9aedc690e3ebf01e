package media

import (
	"fmt"
	"sync"

	"github.com/filegrind/capns-go/urn"
)

// MediaValidation carries optional validation constraints for a media spec.
// Resolution copies it onto ResolvedMediaSpec; nothing in this module
// enforces these constraints.
type MediaValidation struct {
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	MinLength     *int     `json:"min_length,omitempty"`
	MaxLength     *int     `json:"max_length,omitempty"`
	Pattern       *string  `json:"pattern,omitempty"`
	AllowedValues []string `json:"allowed_values,omitempty"`
}

// RegistryConfig governs registry construction; reserved for future
// disk-cache/remote-fetch settings (see cap.RegistryConfig for the
// capability-registry equivalent, which already uses this shape).
type RegistryConfig struct{}

func DefaultRegistryConfig() RegistryConfig { return RegistryConfig{} }

// StoredMediaSpec is a media spec as held in the registry, before being
// narrowed down to a ResolvedMediaSpec for a specific lookup.
type StoredMediaSpec struct {
	Urn         string           `json:"urn"`
	MediaType   string           `json:"media_type"`
	Title       string           `json:"title"`
	ProfileURI  string           `json:"profile_uri,omitempty"`
	Schema      any              `json:"schema,omitempty"`
	Description string           `json:"description,omitempty"`
	Validation  *MediaValidation `json:"validation,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Extensions  []string         `json:"extensions,omitempty"`
}

func (s *StoredMediaSpec) ToMediaSpecDef() MediaSpecDef {
	return MediaSpecDef{
		Urn:         s.Urn,
		MediaType:   s.MediaType,
		Title:       s.Title,
		ProfileURI:  s.ProfileURI,
		Schema:      s.Schema,
		Description: s.Description,
		Validation:  s.Validation,
		Metadata:    s.Metadata,
		Extensions:  s.Extensions,
	}
}

// MediaUrnRegistry holds the bundled standard media specs plus anything a
// caller adds, keyed by canonical URN string for exact-match lookup.
type MediaUrnRegistry struct {
	mu          sync.RWMutex
	cachedSpecs map[string]StoredMediaSpec
	extIndex    map[string][]string
	config      RegistryConfig
}

// MediaRegistryError is raised when a URN is not present in the registry.
type MediaRegistryError struct {
	Message string
}

func (e *MediaRegistryError) Error() string { return e.Message }

// NewMediaUrnRegistry builds a registry pre-loaded with the bundled
// standard media specs — the production constructor.
func NewMediaUrnRegistry() (*MediaUrnRegistry, error) {
	registry := &MediaUrnRegistry{
		cachedSpecs: make(map[string]StoredMediaSpec),
		extIndex:    make(map[string][]string),
		config:      DefaultRegistryConfig(),
	}
	if err := registry.installStandardSpecs(); err != nil {
		return nil, err
	}
	return registry, nil
}

// NewMediaUrnRegistryForTest builds an empty registry for tests that want
// to exercise AddSpec/GetMediaSpec without the full bundled vocabulary.
func NewMediaUrnRegistryForTest() (*MediaUrnRegistry, error) {
	return &MediaUrnRegistry{
		cachedSpecs: make(map[string]StoredMediaSpec),
		extIndex:    make(map[string][]string),
		config:      DefaultRegistryConfig(),
	}, nil
}

func (r *MediaUrnRegistry) installStandardSpecs() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, spec := range getBundledStandardMediaSpecs() {
		normalizedUrn := normalizeMediaUrn(spec.Urn)
		r.cachedSpecs[normalizedUrn] = spec
		for _, ext := range spec.Extensions {
			r.extIndex[ext] = append(r.extIndex[ext], spec.Urn)
		}
	}
	return nil
}

// GetMediaSpec retrieves a media spec by URN, canonicalizing both sides so
// equivalent but differently-ordered tag lists still hit the same entry.
func (r *MediaUrnRegistry) GetMediaSpec(mediaUrn string) (*StoredMediaSpec, error) {
	normalizedUrn := normalizeMediaUrn(mediaUrn)

	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.cachedSpecs[normalizedUrn]
	if !ok {
		return nil, &MediaRegistryError{Message: fmt.Sprintf("media URN '%s' not found in registry", mediaUrn)}
	}
	return &spec, nil
}

// AddSpec registers an additional spec, for tests that need coverage the
// bundled table doesn't provide.
func (r *MediaUrnRegistry) AddSpec(spec StoredMediaSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	normalizedUrn := normalizeMediaUrn(spec.Urn)
	r.cachedSpecs[normalizedUrn] = spec
	for _, ext := range spec.Extensions {
		r.extIndex[ext] = append(r.extIndex[ext], spec.Urn)
	}
}

func normalizeMediaUrn(urnStr string) string {
	parsed, err := urn.NewTaggedUrnFromString(urnStr)
	if err != nil {
		return urnStr
	}
	return parsed.String()
}

// getBundledStandardMediaSpecs is the compiled-in vocabulary: the core
// scalar, map, list, bytes and void types plus the common document, text,
// image, audio and video formats. Other Media* constants (for example
// MediaRst, MediaLog, MediaJsonSchema and the model and file-path types)
// have no entry.
func getBundledStandardMediaSpecs() []StoredMediaSpec {
	return []StoredMediaSpec{
		{Urn: MediaVoid, MediaType: "application/octet-stream", Title: "Void", ProfileURI: ProfileVoid, Description: "No input/output."},
		{Urn: MediaString, MediaType: "text/plain", Title: "String", ProfileURI: ProfileStr, Description: "UTF-8 string value."},
		{Urn: MediaInteger, MediaType: "text/plain", Title: "Integer", ProfileURI: ProfileInt, Description: "Integer value."},
		{Urn: MediaNumber, MediaType: "text/plain", Title: "Number", ProfileURI: ProfileNum, Description: "Numeric scalar value."},
		{Urn: MediaBoolean, MediaType: "text/plain", Title: "Boolean", ProfileURI: ProfileBool, Description: "Boolean value."},
		{Urn: MediaObject, MediaType: "application/json", Title: "Object", ProfileURI: ProfileObj, Description: "String-keyed map value."},
		{Urn: MediaBinary, MediaType: "application/octet-stream", Title: "Bytes", Description: "Raw byte sequence."},
		{Urn: MediaStringArray, MediaType: "application/json", Title: "String Array", ProfileURI: ProfileStrArray},
		{Urn: MediaIntegerArray, MediaType: "application/json", Title: "Integer Array", ProfileURI: ProfileIntArray},
		{Urn: MediaNumberArray, MediaType: "application/json", Title: "Number Array", ProfileURI: ProfileNumArray},
		{Urn: MediaBooleanArray, MediaType: "application/json", Title: "Boolean Array", ProfileURI: ProfileBoolArray},
		{Urn: MediaObjectArray, MediaType: "application/json", Title: "Object Array", ProfileURI: ProfileObjArray},
		{Urn: MediaPdf, MediaType: "application/pdf", Title: "PDF", ProfileURI: ProfilePdf, Description: "PDF document.", Extensions: []string{"pdf"}},
		{Urn: MediaEpub, MediaType: "application/epub+zip", Title: "EPUB", ProfileURI: ProfileEpub, Description: "EPUB document.", Extensions: []string{"epub"}},
		{Urn: MediaMd, MediaType: "text/markdown", Title: "Markdown", ProfileURI: ProfileMd, Extensions: []string{"md", "markdown"}},
		{Urn: MediaTxt, MediaType: "text/plain", Title: "Plain Text", ProfileURI: ProfileTxt, Extensions: []string{"txt"}},
		{Urn: MediaHtml, MediaType: "text/html", Title: "HTML", ProfileURI: ProfileHtml, Extensions: []string{"html", "htm"}},
		{Urn: MediaXml, MediaType: "text/xml", Title: "XML", ProfileURI: ProfileXml, Extensions: []string{"xml"}},
		{Urn: MediaJson, MediaType: "application/json", Title: "JSON", ProfileURI: ProfileJson, Extensions: []string{"json"}},
		{Urn: MediaYaml, MediaType: "text/yaml", Title: "YAML", ProfileURI: ProfileYaml, Extensions: []string{"yaml", "yml"}},
		{Urn: MediaImage, MediaType: "image/png", Title: "PNG Image", ProfileURI: ProfileImage, Extensions: []string{"png"}},
		{Urn: MediaAudio, MediaType: "audio/wav", Title: "WAV Audio", ProfileURI: ProfileAudio, Extensions: []string{"wav"}},
		{Urn: MediaVideo, MediaType: "video/mp4", Title: "Video", ProfileURI: ProfileVideo, Extensions: []string{"mp4"}},
	}
}
