// Package assets replaces inline data-URI images in update payloads with
// references to objects in an AssetStore.
package assets

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/starford/verdant/internal/apperr"
	"github.com/starford/verdant/internal/checksum"
	"github.com/starford/verdant/internal/docmerge"
	"github.com/starford/verdant/internal/models"
	"github.com/starford/verdant/internal/schema"
	"github.com/starford/verdant/internal/storage"
)

// Externalizer uploads inline images and rewrites payloads to point at them.
type Externalizer struct {
	store     storage.AssetStore
	namespace string
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an Externalizer.
type Option func(*Externalizer)

// WithClock overrides the time source used in object names.
func WithClock(now func() time.Time) Option {
	return func(e *Externalizer) {
		e.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Externalizer) {
		e.logger = l
	}
}

// New creates an Externalizer that uploads into namespace of store.
func New(store storage.AssetStore, namespace string, opts ...Option) *Externalizer {
	e := &Externalizer{
		store:     store,
		namespace: namespace,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// pending is one inline image found in a payload. index is -1 for a single
// image field; field is empty when list elements are strings.
type pending struct {
	target schema.ImageTarget
	index  int
	inline *Inline
	url    string
}

// Externalize returns a copy of update with every inline image at targets
// replaced by the URL of its uploaded object. slug names the objects (e.g.
// the record's common name). Values that are not inline pass through, so
// running it again on its own output uploads nothing. update is never
// modified; on error nothing has been written back.
func (e *Externalizer) Externalize(ctx context.Context, kind models.Kind, slug string, update map[string]any, targets []schema.ImageTarget) (map[string]any, error) {
	found, err := collect(update, targets)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return docmerge.Clone(update), nil
	}

	base := Slug(slug)
	if base == "" {
		base = uuid.NewString()[:8]
	}
	stamp := e.now().UTC().Format("20060102T150405Z")
	for i := range found {
		p := &found[i]
		// The digest keeps different bytes uploaded in the same second under
		// the same slug from sharing a key.
		name := fmt.Sprintf("%s-%s-%s", stamp, checksum.Sum(p.inline.Data)[:10], base)
		if len(found) > 1 {
			name = fmt.Sprintf("%s-%d", name, i+1)
		}
		key := fmt.Sprintf("%s/%s%s", kind, name, p.inline.Ext)
		url, err := e.store.Upload(ctx, e.namespace, key, p.inline.Data, p.inline.MediaType)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", apperr.ErrUpload, key, err)
		}
		p.url = url
		e.logger.Debug("assets: uploaded",
			slog.String("kind", string(kind)),
			slog.String("key", key),
			slog.Int("bytes", len(p.inline.Data)))
	}

	out := docmerge.Clone(update)
	for _, p := range found {
		out = apply(out, p)
	}
	return out, nil
}

func collect(update map[string]any, targets []schema.ImageTarget) ([]pending, error) {
	var found []pending
	for _, tgt := range targets {
		v, ok := docmerge.Get(update, tgt.Path)
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if !IsInline(s) {
				continue
			}
			in, err := Decode(s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", tgt.Path, err)
			}
			found = append(found, pending{target: tgt, index: -1, inline: in})
			continue
		}
		items, ok := v.([]any)
		if !ok {
			continue
		}
		if tgt.Max > 0 && len(items) > tgt.Max {
			return nil, fmt.Errorf("%w: %s holds %d images, at most %d allowed", apperr.ErrInvalidInput, tgt.Path, len(items), tgt.Max)
		}
		for i, item := range items {
			s, ok := imageAt(item, tgt.Field)
			if !ok || !IsInline(s) {
				continue
			}
			in, err := Decode(s)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", tgt.Path, i, err)
			}
			found = append(found, pending{target: tgt, index: i, inline: in})
		}
	}
	return found, nil
}

// imageAt extracts the image string of a list element: the element itself,
// or its field when the list holds objects.
func imageAt(item any, field string) (string, bool) {
	if obj, ok := item.(map[string]any); ok && field != "" {
		s, ok := obj[field].(string)
		return s, ok
	}
	s, ok := item.(string)
	return s, ok
}

// apply writes p's URL into out, which must be a private deep copy.
func apply(out map[string]any, p pending) map[string]any {
	if p.index < 0 {
		return docmerge.Set(out, p.target.Path, p.url)
	}
	v, _ := docmerge.Get(out, p.target.Path)
	items := v.([]any)
	if obj, ok := items[p.index].(map[string]any); ok && p.target.Field != "" {
		obj[p.target.Field] = p.url
	} else {
		items[p.index] = p.url
	}
	return out
}
