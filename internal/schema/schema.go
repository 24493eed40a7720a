// Package schema holds the per-kind manifests: which fields are normalized
// columns, which document paths mirror them, where images live, and the
// default document tree every record is reconciled against.
package schema

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/starford/verdant/internal/apperr"
	"github.com/starford/verdant/internal/docmerge"
	"github.com/starford/verdant/internal/models"
)

//go:embed kinds/*.yaml
var kindFiles embed.FS

// Field types.
const (
	FieldText = "text"
	FieldList = "list"
)

// ReservedKeys are never routed to either update channel.
var ReservedKeys = map[string]struct{}{
	"id":         {},
	"created_at": {},
	"updated_at": {},
	"owner_id":   {},
}

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Field is one normalized column.
type Field struct {
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type" json:"type"`
	Default string `yaml:"default" json:"default,omitempty"`
}

// Mirror copies a normalized field into the document for display.
type Mirror struct {
	Field string `yaml:"field" json:"field"`
	Path  string `yaml:"path" json:"path"`
}

// ImageTarget is an image-bearing location in an update payload. Path holds
// a single image string or a list of them; with Field, a list of objects
// whose Field carries the image. Lists hold at most Max items when Max > 0.
type ImageTarget struct {
	Path  string `yaml:"path" json:"path"`
	Field string `yaml:"field" json:"field,omitempty"`
	Max   int    `yaml:"max" json:"max,omitempty"`
}

// Spec is the manifest of one entity kind.
type Spec struct {
	Kind       models.Kind    `yaml:"kind"`
	Table      string         `yaml:"table"`
	SlugField  string         `yaml:"slug_field"`
	Owned      bool           `yaml:"owned"`
	Deletable  bool           `yaml:"deletable"`
	Normalized []Field        `yaml:"normalized"`
	Mirrors    []Mirror       `yaml:"mirrors"`
	Images     []ImageTarget  `yaml:"images"`
	Document   map[string]any `yaml:"document"`

	keys map[string]Field
}

// Validate checks the manifest for internal consistency.
func (s *Spec) Validate() error {
	kinds := make([]any, len(models.Kinds))
	for i, k := range models.Kinds {
		kinds[i] = k
	}
	if err := validation.ValidateStruct(s,
		validation.Field(&s.Kind, validation.Required, validation.In(kinds...)),
		validation.Field(&s.Table, validation.Required, validation.Match(identRe)),
		validation.Field(&s.Normalized, validation.Required),
		validation.Field(&s.Document, validation.Required),
	); err != nil {
		return fmt.Errorf("schema %s: %w", s.Kind, err)
	}
	seen := make(map[string]Field, len(s.Normalized))
	for _, f := range s.Normalized {
		if err := validation.ValidateStruct(&f,
			validation.Field(&f.Name, validation.Required, validation.Match(identRe)),
			validation.Field(&f.Type, validation.Required, validation.In(FieldText, FieldList)),
		); err != nil {
			return fmt.Errorf("schema %s: field %q: %w", s.Kind, f.Name, err)
		}
		if _, ok := ReservedKeys[f.Name]; ok {
			return fmt.Errorf("schema %s: field %q is reserved", s.Kind, f.Name)
		}
		if f.Name == "document" {
			return fmt.Errorf("schema %s: field name %q collides with the document column", s.Kind, f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("schema %s: duplicate field %q", s.Kind, f.Name)
		}
		seen[f.Name] = f
	}
	for _, m := range s.Mirrors {
		if _, ok := seen[m.Field]; !ok {
			return fmt.Errorf("schema %s: mirror of unknown field %q", s.Kind, m.Field)
		}
		if m.Path == "" {
			return fmt.Errorf("schema %s: mirror of %q has no path", s.Kind, m.Field)
		}
	}
	for _, img := range s.Images {
		if err := validation.ValidateStruct(&img,
			validation.Field(&img.Path, validation.Required),
			validation.Field(&img.Max, validation.Min(0)),
		); err != nil {
			return fmt.Errorf("schema %s: image %q: %w", s.Kind, img.Path, err)
		}
	}
	return nil
}

// NormalizedKeys returns the manifest's normalized field names as a set.
func (s *Spec) NormalizedKeys() map[string]struct{} {
	out := make(map[string]struct{}, len(s.Normalized))
	for _, f := range s.Normalized {
		out[f.Name] = struct{}{}
	}
	return out
}

// Field looks up a normalized field by name.
func (s *Spec) Field(name string) (Field, bool) {
	f, ok := s.keys[name]
	return f, ok
}

// FieldDefault returns a fresh placeholder for a normalized field.
func (f Field) FieldDefault() any {
	if f.Type == FieldList {
		return []any{}
	}
	if f.Default != "" {
		return f.Default
	}
	return models.NotSpecified
}

// IsPlaceholder reports whether v is the field's placeholder value.
func (f Field) IsPlaceholder(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return f.Type == FieldText && t == f.FieldDefault()
	case []any:
		return f.Type == FieldList && len(t) == 0
	case []string:
		return f.Type == FieldList && len(t) == 0
	}
	return false
}

// Coerce converts an incoming value to the column's canonical form: a string
// for text fields, a []any of strings for list fields. nil becomes the
// placeholder.
func (f Field) Coerce(v any) (any, error) {
	if v == nil {
		return f.FieldDefault(), nil
	}
	switch f.Type {
	case FieldText:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case FieldList:
		switch t := v.(type) {
		case []string:
			out := make([]any, len(t))
			for i, s := range t {
				out[i] = s
			}
			return out, nil
		case []any:
			out := make([]any, len(t))
			for i, e := range t {
				s, ok := e.(string)
				if !ok {
					return nil, fmt.Errorf("%w: field %q: list element %d is %T, want string", apperr.ErrInvalidInput, f.Name, i, e)
				}
				out[i] = s
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: field %q: unexpected %T for %s field", apperr.ErrInvalidInput, f.Name, v, f.Type)
}

// DefaultFields returns every normalized field set to its placeholder.
func (s *Spec) DefaultFields() map[string]any {
	out := make(map[string]any, len(s.Normalized))
	for _, f := range s.Normalized {
		out[f.Name] = f.FieldDefault()
	}
	return out
}

// Defaults returns a private copy of the kind's default document tree.
func (s *Spec) Defaults() map[string]any {
	return docmerge.Clone(s.Document)
}

// Registry indexes the manifests of every kind.
type Registry struct {
	specs map[models.Kind]*Spec
}

// Load parses and validates the embedded kind manifests.
func Load() (*Registry, error) {
	return LoadFS(kindFiles, "kinds")
}

// LoadFS reads every *.yaml manifest in dir of fsys.
func LoadFS(fsys fs.FS, dir string) (*Registry, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("schema: read dir: %w", err)
	}
	reg := &Registry{specs: make(map[models.Kind]*Spec, len(entries))}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".yaml" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("schema: read %s: %w", e.Name(), err)
		}
		var spec Spec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("schema: parse %s: %w", e.Name(), err)
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, dup := reg.specs[spec.Kind]; dup {
			return nil, fmt.Errorf("schema: duplicate manifest for kind %q", spec.Kind)
		}
		spec.keys = make(map[string]Field, len(spec.Normalized))
		for _, f := range spec.Normalized {
			spec.keys[f.Name] = f
		}
		reg.specs[spec.Kind] = &spec
	}
	return reg, nil
}

// MustLoad loads the embedded manifests and panics on failure.
func MustLoad() *Registry {
	reg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load schema: %v", err))
	}
	return reg
}

// Spec returns the manifest for kind.
func (r *Registry) Spec(kind models.Kind) (*Spec, error) {
	s, ok := r.specs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperr.ErrUnknownKind, kind)
	}
	return s, nil
}

// Specs returns every manifest ordered by kind.
func (r *Registry) Specs() []*Spec {
	out := make([]*Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
