// Package split partitions an update payload between normalized columns and
// the nested document column.
package split

import "github.com/starford/verdant/internal/schema"

// Result holds the two halves of an update.
type Result struct {
	Normalized map[string]any
	Document   map[string]any
}

// HasDocument reports whether the update touches the document at all.
func (r Result) HasDocument() bool {
	return len(r.Document) > 0
}

// Split routes each top-level key of update: keys named in normalizedKeys go
// to Normalized, everything else to Document. Identifier, ownership and
// timestamp keys are dropped. Values are shared with update, not copied.
func Split(update map[string]any, normalizedKeys map[string]struct{}) Result {
	res := Result{
		Normalized: make(map[string]any),
		Document:   make(map[string]any),
	}
	for k, v := range update {
		if _, reserved := schema.ReservedKeys[k]; reserved {
			continue
		}
		if _, ok := normalizedKeys[k]; ok {
			res.Normalized[k] = v
			continue
		}
		res.Document[k] = v
	}
	return res
}
