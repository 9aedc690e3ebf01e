package cap

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/filegrind/capns-go/standard"
	"github.com/filegrind/capns-go/urn"
	"gopkg.in/yaml.v3"
)

// Manifest describes a plugin component: its identity plus the caps it
// exposes. A plugin emits its manifest as CBOR during the transport
// handshake and as JSON via the `manifest` CLI subcommand.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Caps        []Cap  `json:"caps"`

	Author  *string `json:"author,omitempty"`
	PageUrl *string `json:"page_url,omitempty"`
}

// NewManifest creates a new manifest with the given identity and caps.
func NewManifest(name, version, description string, caps []Cap) *Manifest {
	return &Manifest{
		Name:        name,
		Version:     version,
		Description: description,
		Caps:        caps,
	}
}

// WithAuthor sets the manifest's author and returns it for chaining.
func (m *Manifest) WithAuthor(author string) *Manifest {
	m.Author = &author
	return m
}

// WithPageUrl sets the manifest's human-readable page URL (e.g. a
// repository or documentation page) and returns it for chaining.
func (m *Manifest) WithPageUrl(pageUrl string) *Manifest {
	m.PageUrl = &pageUrl
	return m
}

// EnsureIdentity returns a manifest guaranteed to advertise the standard
// Identity cap, prepending it if not already present. The receiver is left
// unmodified; a new manifest is returned when identity must be added.
func (m *Manifest) EnsureIdentity() *Manifest {
	identityUrn, err := urn.NewCapUrnFromString(standard.CapIdentity)
	if err != nil {
		panic("CapIdentity constant is invalid")
	}

	for _, c := range m.Caps {
		if c.Urn != nil && c.Urn.Equals(identityUrn) {
			return m
		}
	}

	identityCap := NewCap(identityUrn, "Identity", "identity")
	newCaps := make([]Cap, 0, len(m.Caps)+1)
	newCaps = append(newCaps, *identityCap)
	newCaps = append(newCaps, m.Caps...)

	return &Manifest{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Caps:        newCaps,
		Author:      m.Author,
		PageUrl:     m.PageUrl,
	}
}

// LoadManifestYAML reads a manifest authored as YAML (the format plugin
// authors hand-write; the wire and CLI forms are JSON/CBOR). Cap entries
// parse through the same rules as Cap's JSON form, so a YAML manifest and
// a JSON manifest describing the same plugin are interchangeable.
func LoadManifestYAML(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file '%s': %w", path, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize manifest YAML: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(normalized, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	return &manifest, nil
}

// ComponentMetadata is implemented by anything that can describe itself as
// a manifest, typically a plugin runtime or a host-side aggregate.
type ComponentMetadata interface {
	ComponentManifest() *Manifest
	Caps() []Cap
}
