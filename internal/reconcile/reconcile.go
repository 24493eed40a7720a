// Package reconcile turns sparse or malformed records into fully populated
// ones by layering them over the kind's default tree.
package reconcile

import (
	"github.com/starford/verdant/internal/docmerge"
	"github.com/starford/verdant/internal/models"
	"github.com/starford/verdant/internal/schema"
)

// Reconciler fills records against the manifests of a schema registry.
type Reconciler struct {
	reg *schema.Registry
}

// New creates a Reconciler over reg.
func New(reg *schema.Registry) *Reconciler {
	return &Reconciler{reg: reg}
}

// Document returns raw layered over the kind's defaults. Every path declared
// in the defaults is present in the result with a value of the declared
// shape; values of the wrong shape fall back to the placeholder.
func (r *Reconciler) Document(kind models.Kind, raw map[string]any) (map[string]any, error) {
	spec, err := r.reg.Spec(kind)
	if err != nil {
		return nil, err
	}
	return document(spec, raw), nil
}

// Record reconciles both halves of rec: missing or invalid normalized fields
// become placeholders, the document is filled from defaults and mirrored
// fields are copied into the document.
func (r *Reconciler) Record(rec models.Record) (models.Record, error) {
	spec, err := r.reg.Spec(rec.Kind)
	if err != nil {
		return models.Record{}, err
	}
	out := rec
	out.Fields = fields(spec, rec.Fields)
	out.Document = document(spec, rec.Document)
	out.Document = mirror(spec, out.Fields, rec.Document, out.Document)
	return out, nil
}

func document(spec *schema.Spec, raw map[string]any) map[string]any {
	return conform(spec.Document, docmerge.Merge(spec.Document, raw))
}

func fields(spec *schema.Spec, raw map[string]any) map[string]any {
	out := make(map[string]any, len(spec.Normalized))
	for k, v := range raw {
		if _, ok := spec.Field(k); !ok {
			out[k] = v
		}
	}
	for _, f := range spec.Normalized {
		v, err := f.Coerce(raw[f.Name])
		if err != nil {
			v = f.FieldDefault()
		}
		out[f.Name] = v
	}
	return out
}

// mirror copies normalized values into their document paths. A real
// normalized value always wins; a placeholder only fills the document copy
// when the stored document had none of its own.
func mirror(spec *schema.Spec, fields, rawDoc, doc map[string]any) map[string]any {
	for _, m := range spec.Mirrors {
		f, _ := spec.Field(m.Field)
		v := fields[m.Field]
		if f.IsPlaceholder(v) {
			if _, had := docmerge.Get(rawDoc, m.Path); had {
				continue
			}
		}
		doc = docmerge.Set(doc, m.Path, docmerge.CloneValue(v))
	}
	return doc
}

// conform walks the default tree and replaces every value in doc whose shape
// disagrees with the default. doc must be a fresh tree owned by the caller
// along the default spine, which Merge guarantees.
func conform(defaults, doc map[string]any) map[string]any {
	for k, def := range defaults {
		v, ok := doc[k]
		switch d := def.(type) {
		case map[string]any:
			obj, isObj := v.(map[string]any)
			if !ok || !isObj {
				doc[k] = docmerge.Clone(d)
				continue
			}
			doc[k] = conform(d, docmerge.Merge(obj, nil))
		case string:
			if _, isStr := v.(string); !isStr {
				doc[k] = d
			}
		case bool:
			if _, isBool := v.(bool); !isBool {
				doc[k] = d
			}
		case nil:
			// Any value, including null, is acceptable.
		default:
			if docmerge.IsList(def) {
				if !ok || !docmerge.IsList(v) {
					doc[k] = docmerge.CloneValue(def)
				}
				continue
			}
			if !isNumber(v) {
				doc[k] = def
			}
		}
	}
	return doc
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

// SyncPatch keeps mirrored values consistent inside one update. A mirrored
// normalized field in the update is also written to its document path, and
// a mirrored document path edited without its normalized field updates the
// field too. The normalized value wins when both are present. Inputs are not
// modified.
func (r *Reconciler) SyncPatch(kind models.Kind, normalized, document map[string]any) (map[string]any, map[string]any, error) {
	spec, err := r.reg.Spec(kind)
	if err != nil {
		return nil, nil, err
	}
	outN := docmerge.Merge(nil, normalized)
	outD := document
	for _, m := range spec.Mirrors {
		f, _ := spec.Field(m.Field)
		if v, ok := normalized[m.Field]; ok {
			cv, err := f.Coerce(v)
			if err != nil {
				return nil, nil, err
			}
			outN[m.Field] = cv
			outD = docmerge.Merge(outD, docmerge.Patch(m.Path, docmerge.CloneValue(cv)))
			continue
		}
		if v, ok := docmerge.Get(document, m.Path); ok {
			if cv, err := f.Coerce(v); err == nil {
				outN[m.Field] = cv
			}
		}
	}
	if outD == nil {
		outD = map[string]any{}
	}
	return outN, outD, nil
}
