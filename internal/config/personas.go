package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/agentplexus/omnivoice-pbx/session"
)

// Catalog holds personas by id.
type Catalog map[string]session.Persona

// Persona returns the persona with id.
func (c Catalog) Persona(id string) (session.Persona, bool) {
	p, ok := c[id]
	return p, ok
}

// IDs returns the persona ids in order.
func (c Catalog) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type personasFile struct {
	Personas []session.Persona `yaml:"personas" toml:"personas"`
}

// LoadPersonas reads a persona catalog. Files ending in .toml are read as
// TOML, anything else as YAML:
//
//	personas:
//	  - id: dental
//	    system_prompt: You book appointments for Acme Dental.
//	    greeting: Hello, this is Acme Dental.
//	    voice_id: nova
func LoadPersonas(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParsePersonasTOML(data)
	}
	return ParsePersonas(data)
}

// ParsePersonas decodes a YAML persona catalog. Unknown keys, missing ids
// and duplicate ids are errors.
func ParsePersonas(data []byte) (Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f personasFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode personas: %w", err)
	}
	return newCatalog(f.Personas)
}

// ParsePersonasTOML decodes a TOML persona catalog of [[personas]] tables.
func ParsePersonasTOML(data []byte) (Catalog, error) {
	var f personasFile
	if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&f); err != nil {
		return nil, fmt.Errorf("decode personas: %w", err)
	}
	return newCatalog(f.Personas)
}

func newCatalog(personas []session.Persona) (Catalog, error) {
	catalog := make(Catalog, len(personas))
	for i, p := range personas {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("persona %d: id is required", i)
		}
		if _, dup := catalog[p.ID]; dup {
			return nil, fmt.Errorf("persona %q defined twice", p.ID)
		}
		catalog[p.ID] = p
	}
	return catalog, nil
}
