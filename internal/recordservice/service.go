// Package recordservice runs partial updates against stored records:
// externalize inline images, split the payload, merge the document half onto
// the stored document, persist both halves in one write and hand back the
// reconciled record.
package recordservice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/starford/verdant/internal/apperr"
	"github.com/starford/verdant/internal/docmerge"
	"github.com/starford/verdant/internal/models"
	"github.com/starford/verdant/internal/reconcile"
	"github.com/starford/verdant/internal/schema"
	"github.com/starford/verdant/internal/split"
)

// Event actions passed to an EventCallback.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// EventCallback is called after a successful write.
type EventCallback func(action string, kind models.Kind, id string)

// RecordStore is the persistence the service writes through.
type RecordStore interface {
	Fetch(ctx context.Context, kind models.Kind, id string) (*models.Record, error)
	Insert(ctx context.Context, rec models.Record) (*models.Record, error)
	// Persist writes normalized fields and, when document is non-nil, the
	// whole document in a single row update.
	Persist(ctx context.Context, kind models.Kind, id string, normalized, document map[string]any) (*models.Record, error)
	Delete(ctx context.Context, kind models.Kind, id string) error
	List(ctx context.Context, kind models.Kind, q models.ListQuery) ([]models.Record, int, error)
}

// Externalizer replaces inline images in a payload with stored references.
type Externalizer interface {
	Externalize(ctx context.Context, kind models.Kind, slug string, update map[string]any, targets []schema.ImageTarget) (map[string]any, error)
}

// Service coordinates the asset store, the record store and the reconciler.
type Service struct {
	store   RecordStore
	assets  Externalizer
	reg     *schema.Registry
	rec     *reconcile.Reconciler
	logger  *slog.Logger
	onEvent EventCallback
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithEventCallback registers cb to run after every successful write.
func WithEventCallback(cb EventCallback) Option {
	return func(s *Service) { s.onEvent = cb }
}

// New creates a Service.
func New(store RecordStore, assets Externalizer, reg *schema.Registry, opts ...Option) *Service {
	s := &Service{
		store:  store,
		assets: assets,
		reg:    reg,
		rec:    reconcile.New(reg),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ownerKey struct{}

// WithOwner returns a context that scopes owned kinds to owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom returns the owner carried by ctx, or "".
func OwnerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// Spec returns the manifest of kind.
func (s *Service) Spec(kind models.Kind) (*schema.Spec, error) {
	return s.reg.Spec(kind)
}

// Get returns the reconciled record.
func (s *Service) Get(ctx context.Context, kind models.Kind, id string) (*models.Record, error) {
	spec, err := s.reg.Spec(kind)
	if err != nil {
		return nil, err
	}
	cur, err := s.store.Fetch(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(ctx, spec, cur); err != nil {
		return nil, err
	}
	return s.decode(*cur)
}

// List returns one page of reconciled records. Owned kinds only list the
// records of the context's owner.
func (s *Service) List(ctx context.Context, kind models.Kind, q models.ListQuery) ([]models.Record, int, error) {
	spec, err := s.reg.Spec(kind)
	if err != nil {
		return nil, 0, err
	}
	if spec.Owned {
		q.OwnerID = OwnerFrom(ctx)
	} else {
		q.OwnerID = ""
	}
	rows, total, err := s.store.List(ctx, kind, q)
	if err != nil {
		return nil, 0, err
	}
	out := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := s.decode(row)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *rec)
	}
	return out, total, nil
}

// Create stores a new record built from a sparse payload. An empty id gets a
// fresh UUID. Owned kinds require an owner in ctx.
func (s *Service) Create(ctx context.Context, kind models.Kind, id string, payload map[string]any) (*models.Record, error) {
	spec, err := s.reg.Spec(kind)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	owner := ""
	if spec.Owned {
		owner = OwnerFrom(ctx)
		if owner == "" {
			return nil, fmt.Errorf("%w: %s records need an owner", apperr.ErrInvalidInput, kind)
		}
	}

	normalized, document, err := s.prepare(ctx, spec, id, payload)
	if err != nil {
		return nil, err
	}
	for k, v := range normalized {
		f, _ := spec.Field(k)
		if _, err := f.Coerce(v); err != nil {
			return nil, fmt.Errorf("recordservice: %s: %w", k, err)
		}
	}
	full, err := s.rec.Record(models.Record{
		ID:       id,
		Kind:     kind,
		OwnerID:  owner,
		Fields:   normalized,
		Document: document,
	})
	if err != nil {
		return nil, err
	}

	stored, err := s.store.Insert(ctx, full)
	if err != nil {
		return nil, fmt.Errorf("recordservice: insert: %w", err)
	}
	s.emit(ActionCreated, kind, id)
	return s.decode(*stored)
}

// Update applies a sparse patch to a stored record. Keys absent from patch
// keep their stored values; document keys are deep-merged, lists replaced.
// The stored document is only read when the patch touches it. Any failure
// aborts before the write; nothing is retried.
func (s *Service) Update(ctx context.Context, kind models.Kind, id string, patch map[string]any) (*models.Record, error) {
	spec, err := s.reg.Spec(kind)
	if err != nil {
		return nil, err
	}

	var cur *models.Record
	if spec.Owned && OwnerFrom(ctx) != "" {
		if cur, err = s.fetch(ctx, spec, id); err != nil {
			return nil, err
		}
	}

	normalized, document, err := s.prepare(ctx, spec, id, patch)
	if err != nil {
		return nil, err
	}

	var merged map[string]any
	if len(document) > 0 {
		if cur == nil {
			if cur, err = s.fetch(ctx, spec, id); err != nil {
				return nil, err
			}
		}
		merged = docmerge.Merge(cur.Document, document)
	}

	stored, err := s.store.Persist(ctx, kind, id, normalized, merged)
	if err != nil {
		return nil, fmt.Errorf("recordservice: persist: %w", err)
	}
	s.logger.Debug("recordservice: updated",
		slog.String("kind", string(kind)),
		slog.String("id", id),
		slog.Int("normalized", len(normalized)),
		slog.Bool("document", merged != nil))
	s.emit(ActionUpdated, kind, id)
	return s.decode(*stored)
}

// Delete removes a record. Only kinds marked deletable can be removed.
func (s *Service) Delete(ctx context.Context, kind models.Kind, id string) error {
	spec, err := s.reg.Spec(kind)
	if err != nil {
		return err
	}
	if !spec.Deletable {
		return fmt.Errorf("%w: %s records cannot be deleted", apperr.ErrUnsupported, kind)
	}
	if spec.Owned && OwnerFrom(ctx) != "" {
		if _, err := s.fetch(ctx, spec, id); err != nil {
			return err
		}
	}
	if err := s.store.Delete(ctx, kind, id); err != nil {
		return err
	}
	s.emit(ActionDeleted, kind, id)
	return nil
}

// prepare externalizes images, splits the payload and keeps mirrored values
// in step across both halves.
func (s *Service) prepare(ctx context.Context, spec *schema.Spec, id string, payload map[string]any) (map[string]any, map[string]any, error) {
	slug, _ := payload[spec.SlugField].(string)
	if slug == "" {
		slug = id
	}
	ext, err := s.assets.Externalize(ctx, spec.Kind, slug, payload, spec.Images)
	if err != nil {
		return nil, nil, fmt.Errorf("recordservice: externalize: %w", err)
	}
	parts := split.Split(ext, spec.NormalizedKeys())
	normalized, document, err := s.rec.SyncPatch(spec.Kind, parts.Normalized, parts.Document)
	if err != nil {
		return nil, nil, fmt.Errorf("recordservice: sync mirrors: %w", err)
	}
	return normalized, document, nil
}

func (s *Service) fetch(ctx context.Context, spec *schema.Spec, id string) (*models.Record, error) {
	cur, err := s.store.Fetch(ctx, spec.Kind, id)
	if err != nil {
		return nil, fmt.Errorf("recordservice: fetch: %w", err)
	}
	if err := checkOwner(ctx, spec, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

func (s *Service) decode(rec models.Record) (*models.Record, error) {
	out, err := s.rec.Record(rec)
	if err != nil {
		return nil, fmt.Errorf("recordservice: decode: %w", err)
	}
	return &out, nil
}

func (s *Service) emit(action string, kind models.Kind, id string) {
	if s.onEvent != nil {
		s.onEvent(action, kind, id)
	}
}

// checkOwner hides records of owned kinds from other owners.
func checkOwner(ctx context.Context, spec *schema.Spec, rec *models.Record) error {
	owner := OwnerFrom(ctx)
	if !spec.Owned || owner == "" || rec.OwnerID == owner {
		return nil
	}
	return fmt.Errorf("%w: %s %q", apperr.ErrNotFound, spec.Kind, rec.ID)
}
