// Package media resolves media URNs to MediaSpecDef/ResolvedMediaSpec values:
// content type, profile URI, optional schema, and the predicate flags a
// planner or validator needs (IsBinary, IsMap, IsList, ...). A MediaSpecDef
// is always a structured object — there is no alternate string-only form.
//
// Media URNs reference definitions either inline, in a cap's own
// media_specs array, or in the MediaUrnRegistry's bundled standard table.
// Examples: "media:textable;form=scalar", "media:pdf;bytes".
package media

import (
	"fmt"
	"os"
	"strings"

	"github.com/filegrind/capns-go/urn"
)

// Built-in media URN constants with coercion tags.
const (
	MediaVoid         = "media:void"
	MediaString       = "media:textable;form=scalar"
	MediaInteger      = "media:integer;textable;numeric;form=scalar"
	MediaNumber       = "media:textable;numeric;form=scalar"
	MediaBoolean      = "media:bool;textable;form=scalar"
	MediaObject       = "media:form=map;textable"
	MediaBinary       = "media:bytes"
	MediaStringArray  = "media:textable;form=list"
	MediaIntegerArray = "media:integer;textable;numeric;form=list"
	MediaNumberArray  = "media:textable;numeric;form=list"
	MediaBooleanArray = "media:bool;textable;form=list"
	MediaObjectArray  = "media:form=list;textable"
	// Semantic content types
	MediaImage = "media:image;png;bytes"
	MediaAudio = "media:wav;audio;bytes"
	MediaVideo = "media:video;bytes"
	// Semantic AI input types
	MediaAudioSpeech    = "media:audio;wav;bytes;speech"
	MediaImageThumbnail = "media:image;png;bytes;thumbnail"
	// Document types (type IS the format)
	MediaPdf  = "media:pdf;bytes"
	MediaEpub = "media:epub;bytes"
	// Text format types (type IS the format)
	MediaMd         = "media:md;textable"
	MediaTxt        = "media:txt;textable"
	MediaRst        = "media:rst;textable"
	MediaLog        = "media:log;textable"
	MediaHtml       = "media:html;textable"
	MediaXml        = "media:xml;textable"
	MediaJson       = "media:json;textable;form=map"
	MediaJsonSchema = "media:json;json-schema;textable;form=map"
	MediaYaml       = "media:yaml;textable;form=map"
	// Semantic input types
	MediaModelSpec = "media:model-spec;textable;form=scalar"
	MediaModelRepo = "media:model-repo;textable;form=map"
	// File path types
	MediaFilePath      = "media:file-path;textable;form=scalar"
	MediaFilePathArray = "media:file-path;textable;form=list"
	// Semantic output types
	MediaModelDim      = "media:model-dim;integer;textable;numeric;form=scalar"
	MediaDecision      = "media:decision;bool;textable;form=scalar"
	MediaDecisionArray = "media:decision;bool;textable;form=list"
	MediaLlmInferenceOutput = "media:generated-text;textable;form=map"
	MediaAvailabilityOutput = "media:model-availability;textable;form=map"
	MediaPathOutput         = "media:model-path;textable;form=map"
)

// Profile URL constants (defaults; use GetSchemaBase/GetProfileURL for the
// env-configurable version).
const (
	SchemaBase       = "https://capns.org/schema"
	ProfileStr       = "https://capns.org/schema/str"
	ProfileInt       = "https://capns.org/schema/int"
	ProfileNum       = "https://capns.org/schema/num"
	ProfileBool      = "https://capns.org/schema/bool"
	ProfileObj       = "https://capns.org/schema/obj"
	ProfileStrArray  = "https://capns.org/schema/str-array"
	ProfileIntArray  = "https://capns.org/schema/int-array"
	ProfileNumArray  = "https://capns.org/schema/num-array"
	ProfileBoolArray = "https://capns.org/schema/bool-array"
	ProfileObjArray  = "https://capns.org/schema/obj-array"
	ProfileVoid      = "https://capns.org/schema/void"
	ProfileImage = "https://capns.org/schema/image"
	ProfileAudio = "https://capns.org/schema/audio"
	ProfileVideo = "https://capns.org/schema/video"
	ProfileText  = "https://capns.org/schema/text"
	ProfilePdf  = "https://capns.org/schema/pdf"
	ProfileEpub = "https://capns.org/schema/epub"
	ProfileMd   = "https://capns.org/schema/md"
	ProfileTxt  = "https://capns.org/schema/txt"
	ProfileRst  = "https://capns.org/schema/rst"
	ProfileLog  = "https://capns.org/schema/log"
	ProfileHtml = "https://capns.org/schema/html"
	ProfileXml  = "https://capns.org/schema/xml"
	ProfileJson = "https://capns.org/schema/json"
	ProfileYaml = "https://capns.org/schema/yaml"
)

// GetSchemaBase returns the schema base URL, checking CAPNS_SCHEMA_BASE_URL,
// then CAPNS_REGISTRY_URL + "/schema", then the compiled-in default.
func GetSchemaBase() string {
	if schemaURL := os.Getenv("CAPNS_SCHEMA_BASE_URL"); schemaURL != "" {
		return schemaURL
	}
	if registryURL := os.Getenv("CAPNS_REGISTRY_URL"); registryURL != "" {
		return registryURL + "/schema"
	}
	return SchemaBase
}

// GetProfileURL builds a profile URL under the configured schema base.
func GetProfileURL(profileName string) string {
	return GetSchemaBase() + "/" + profileName
}

// MediaSpecDef is a structured media spec definition, either inlined on a
// Cap's media_specs array or held in the MediaUrnRegistry.
type MediaSpecDef struct {
	Urn         string                 `json:"urn"`
	MediaType   string                 `json:"media_type"`
	ProfileURI  string                 `json:"profile_uri,omitempty"`
	Schema      interface{}            `json:"schema,omitempty"`
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description,omitempty"`
	Validation  *MediaValidation       `json:"validation,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Extensions  []string               `json:"extensions,omitempty"`
}

func NewMediaSpecDef(urn, mediaType, profileURI string) MediaSpecDef {
	return MediaSpecDef{Urn: urn, MediaType: mediaType, ProfileURI: profileURI}
}

func NewMediaSpecDefWithTitle(urn, mediaType, profileURI, title string) MediaSpecDef {
	return MediaSpecDef{Urn: urn, MediaType: mediaType, ProfileURI: profileURI, Title: title}
}

func NewMediaSpecDefWithSchema(urn, mediaType, profileURI string, schema interface{}) MediaSpecDef {
	return MediaSpecDef{Urn: urn, MediaType: mediaType, ProfileURI: profileURI, Schema: schema}
}

// ResolvedMediaSpec is a fully resolved media spec with every field populated.
type ResolvedMediaSpec struct {
	SpecID      string
	MediaType   string
	ProfileURI  string
	Schema      interface{}
	Title       string
	Description string
	Validation  *MediaValidation
	Metadata    map[string]interface{}
	Extensions  []string
}

// IsBinary is true iff the "bytes" marker tag is present on the source URN.
func (r *ResolvedMediaSpec) IsBinary() bool { return HasMediaUrnTag(r.SpecID, "bytes") }

// IsMap is true iff form=map is present (key-value structure).
func (r *ResolvedMediaSpec) IsMap() bool { return HasMediaUrnTagValue(r.SpecID, "form", "map") }

// IsScalar is true iff form=scalar is present (single value).
func (r *ResolvedMediaSpec) IsScalar() bool { return HasMediaUrnTagValue(r.SpecID, "form", "scalar") }

// IsList is true iff form=list is present (ordered collection).
func (r *ResolvedMediaSpec) IsList() bool { return HasMediaUrnTagValue(r.SpecID, "form", "list") }

// IsJSON is true iff the "json" marker tag is present (JSON representation,
// distinct from map structure — see IsMap).
func (r *ResolvedMediaSpec) IsJSON() bool { return HasMediaUrnTag(r.SpecID, "json") }

// IsStructured is true for map or list data (either serializes as JSON text).
func (r *ResolvedMediaSpec) IsStructured() bool { return r.IsMap() || r.IsList() }

func (r *ResolvedMediaSpec) IsText() bool  { return HasMediaUrnTag(r.SpecID, "textable") }
func (r *ResolvedMediaSpec) IsImage() bool { return HasMediaUrnTag(r.SpecID, "image") }
func (r *ResolvedMediaSpec) IsAudio() bool { return HasMediaUrnTag(r.SpecID, "audio") }
func (r *ResolvedMediaSpec) IsVideo() bool { return HasMediaUrnTag(r.SpecID, "video") }
func (r *ResolvedMediaSpec) IsNumeric() bool { return HasMediaUrnTag(r.SpecID, "numeric") }
func (r *ResolvedMediaSpec) IsBool() bool    { return HasMediaUrnTag(r.SpecID, "bool") }

// HasMediaUrnTag checks for a marker tag (e.g. bytes, json, textable) using
// the native tagged-URN parser. Requires a valid, non-empty media URN —
// panics otherwise, since a resolved spec should never carry an empty or
// invalid SpecID.
func HasMediaUrnTag(mediaUrn, tagName string) bool {
	if mediaUrn == "" {
		panic("HasMediaUrnTag called with empty mediaUrn - this indicates the MediaSpec was not resolved via ResolveMediaUrn")
	}
	parsed, err := urn.NewTaggedUrnFromString(mediaUrn)
	if err != nil {
		panic(fmt.Sprintf("failed to parse media URN '%s': %v - this indicates invalid data", mediaUrn, err))
	}
	_, exists := parsed.GetTag(tagName)
	return exists
}

// HasMediaUrnTagValue checks for a tag with a specific value (e.g. form=map).
func HasMediaUrnTagValue(mediaUrn, tagKey, tagValue string) bool {
	if mediaUrn == "" {
		panic("HasMediaUrnTagValue called with empty mediaUrn - this indicates the MediaSpec was not resolved via ResolveMediaUrn")
	}
	parsed, err := urn.NewTaggedUrnFromString(mediaUrn)
	if err != nil {
		panic(fmt.Sprintf("failed to parse media URN '%s': %v - this indicates invalid data", mediaUrn, err))
	}
	value, exists := parsed.GetTag(tagKey)
	return exists && value == tagValue
}

// PrimaryType returns the primary type (e.g. "image" from "image/png").
func (r *ResolvedMediaSpec) PrimaryType() string {
	parts := strings.SplitN(r.MediaType, "/", 2)
	return parts[0]
}

// Subtype returns the subtype (e.g. "png" from "image/png").
func (r *ResolvedMediaSpec) Subtype() string {
	parts := strings.SplitN(r.MediaType, "/", 2)
	if len(parts) > 1 {
		return parts[1]
	}
	return ""
}

func (r *ResolvedMediaSpec) String() string {
	if r.ProfileURI != "" {
		return fmt.Sprintf("%s; profile=%s", r.MediaType, r.ProfileURI)
	}
	return r.MediaType
}

// MediaSpecError is raised by media spec resolution and validation.
type MediaSpecError struct {
	Message string
}

func (e *MediaSpecError) Error() string { return e.Message }

var (
	ErrUnresolvableMediaUrn = &MediaSpecError{"media URN cannot be resolved"}
	ErrInvalidMediaUrn      = &MediaSpecError{"invalid media URN - must start with 'media:'"}
	ErrDuplicateMediaUrn    = &MediaSpecError{"duplicate media URN in media_specs array"}
)

func NewUnresolvableMediaUrnError(mediaUrn string) error {
	return &MediaSpecError{Message: fmt.Sprintf("media URN '%s' cannot be resolved - not found in cap's media_specs or registry", mediaUrn)}
}

func NewDuplicateMediaUrnError(mediaUrn string) error {
	return &MediaSpecError{Message: fmt.Sprintf("duplicate media URN '%s' in media_specs array", mediaUrn)}
}

// ValidateNoMediaSpecDuplicates rejects a media_specs array carrying the
// same URN twice (cap.ValidateNoInlineMediaSpecRedefinition is the
// registry-level sibling check; manifest loading does not call it).
func ValidateNoMediaSpecDuplicates(mediaSpecs []MediaSpecDef) error {
	seen := make(map[string]bool)
	for _, spec := range mediaSpecs {
		if seen[spec.Urn] {
			return NewDuplicateMediaUrnError(spec.Urn)
		}
		seen[spec.Urn] = true
	}
	return nil
}

// ResolveMediaUrn is the single resolution path for every media URN lookup.
//
// Resolution order:
//  1. The cap's local media_specs array (cap-specific definitions win)
//  2. The registry's bundled standard specs
//  3. Fail hard — a dangling media URN is a defect in the cap definition,
//     not something to paper over with a guessed content type.
func ResolveMediaUrn(mediaUrn string, mediaSpecs []MediaSpecDef, registry *MediaUrnRegistry) (*ResolvedMediaSpec, error) {
	if !strings.HasPrefix(mediaUrn, "media:") {
		return nil, ErrInvalidMediaUrn
	}

	if mediaSpecs != nil {
		for i := range mediaSpecs {
			if mediaSpecs[i].Urn == mediaUrn {
				return resolveMediaSpecDef(&mediaSpecs[i])
			}
		}
	}

	if registry != nil {
		storedSpec, err := registry.GetMediaSpec(mediaUrn)
		if err == nil {
			return &ResolvedMediaSpec{
				SpecID:      mediaUrn,
				MediaType:   storedSpec.MediaType,
				ProfileURI:  storedSpec.ProfileURI,
				Schema:      storedSpec.Schema,
				Title:       storedSpec.Title,
				Description: storedSpec.Description,
				Validation:  storedSpec.Validation,
				Metadata:    storedSpec.Metadata,
				Extensions:  storedSpec.Extensions,
			}, nil
		}
	}

	return nil, &MediaSpecError{Message: fmt.Sprintf("cannot resolve media URN '%s' - not found in cap's media_specs or registry", mediaUrn)}
}

func resolveMediaSpecDef(def *MediaSpecDef) (*ResolvedMediaSpec, error) {
	return &ResolvedMediaSpec{
		SpecID:      def.Urn,
		MediaType:   def.MediaType,
		ProfileURI:  def.ProfileURI,
		Schema:      def.Schema,
		Title:       def.Title,
		Description: def.Description,
		Validation:  def.Validation,
		Metadata:    def.Metadata,
		Extensions:  def.Extensions,
	}, nil
}

// GetTypeFromMediaUrn returns the base Go-facing type (string, integer,
// number, boolean, object, array, binary, void) implied by a media URN's
// tags, for argument-coercion decisions ahead of schema validation.
func GetTypeFromMediaUrn(mediaUrn string) string {
	parsed, err := urn.NewTaggedUrnFromString(mediaUrn)
	if err != nil {
		return "unknown"
	}

	if _, ok := parsed.GetTag("bytes"); ok {
		return "binary"
	}
	if _, ok := parsed.GetTag("void"); ok {
		return "void"
	}
	if form, ok := parsed.GetTag("form"); ok {
		switch form {
		case "map":
			return "object"
		case "list":
			return "array"
		}
	}
	if _, ok := parsed.GetTag("integer"); ok {
		return "integer"
	}
	if _, ok := parsed.GetTag("numeric"); ok {
		return "number"
	}
	if _, ok := parsed.GetTag("number"); ok {
		return "number"
	}
	if _, ok := parsed.GetTag("bool"); ok {
		return "boolean"
	}
	if _, ok := parsed.GetTag("textable"); ok {
		return "string"
	}
	return "unknown"
}

// GetTypeFromResolvedMediaSpec mirrors GetTypeFromMediaUrn but starting
// from an already-resolved spec, using its predicate methods directly.
func GetTypeFromResolvedMediaSpec(resolved *ResolvedMediaSpec) string {
	if resolved.IsBinary() {
		return "binary"
	}
	if resolved.IsMap() || resolved.IsJSON() {
		return "object"
	}
	if resolved.IsList() {
		return "array"
	}
	if resolved.IsText() || resolved.IsScalar() {
		return "string"
	}
	return "unknown"
}

// GetMediaSpecFromCapUrn resolves the media spec named by a cap URN's "out"
// direction tag.
func GetMediaSpecFromCapUrn(capUrn *urn.CapUrn, mediaSpecs []MediaSpecDef, registry *MediaUrnRegistry) (*ResolvedMediaSpec, error) {
	outUrn := capUrn.OutSpec()
	if outUrn == "" {
		return nil, &MediaSpecError{Message: "no 'out' tag found in cap URN"}
	}
	return ResolveMediaUrn(outUrn, mediaSpecs, registry)
}
