// Package importer loads record content files from a directory into the
// record service, once at startup and again whenever a file changes.
//
// A content file is YAML:
//
//	kind: plant
//	id: cherry-tomato
//	fields:
//	  common_name: Cherry Tomato
//	  image_url: data:image/png;base64,...
//
// fields may be sparse; it is applied as a create the first time and as a
// partial update afterwards.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/starford/verdant/internal/apperr"
	"github.com/starford/verdant/internal/checksum"
	"github.com/starford/verdant/internal/models"
	"github.com/starford/verdant/internal/recordservice"
	"github.com/starford/verdant/internal/store"
)

var idRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// File is the decoded form of one content file.
type File struct {
	Kind    models.Kind    `yaml:"kind"`
	ID      string         `yaml:"id"`
	OwnerID string         `yaml:"owner_id"`
	Fields  map[string]any `yaml:"fields"`
}

// Validate checks the file's identifying keys.
func (f *File) Validate() error {
	return validation.ValidateStruct(f,
		validation.Field(&f.Kind, validation.Required),
		validation.Field(&f.ID, validation.Required, validation.Match(idRe)),
	)
}

// Records is the part of the record service the importer drives.
type Records interface {
	Get(ctx context.Context, kind models.Kind, id string) (*models.Record, error)
	Create(ctx context.Context, kind models.Kind, id string, payload map[string]any) (*models.Record, error)
	Update(ctx context.Context, kind models.Kind, id string, patch map[string]any) (*models.Record, error)
}

// Ledger remembers which files were applied and with what checksum.
type Ledger interface {
	GetImport(ctx context.Context, source string) (*store.ImportRow, error)
	PutImport(ctx context.Context, r store.ImportRow) error
	DeleteImport(ctx context.Context, source string) error
	ImportSources(ctx context.Context) (map[string]struct{}, error)
}

// Importer applies content files under root.
type Importer struct {
	root    string
	records Records
	ledger  Ledger
	logger  *slog.Logger
}

// New creates an Importer.
func New(root string, records Records, ledger Ledger, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{root: root, records: records, ledger: ledger, logger: logger}
}

// Stats summarizes one Sync pass.
type Stats struct {
	Applied   int
	Unchanged int
	Failed    int
	Forgotten int
}

func isContentFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Sync walks root and brings the records up to date:
//   - new or changed files are applied
//   - ledger entries of files no longer on disk are forgotten; their records
//     are kept
//
// A file that fails to apply is logged and counted; it does not stop the
// pass.
func (im *Importer) Sync(ctx context.Context) (Stats, error) {
	var st Stats
	known, err := im.ledger.ImportSources(ctx)
	if err != nil {
		return st, err
	}

	disk := make(map[string]struct{})
	err = filepath.WalkDir(im.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isContentFile(path) {
			return nil
		}
		rel, err := filepath.Rel(im.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		disk[rel] = struct{}{}

		applied, err := im.Apply(ctx, rel)
		switch {
		case err != nil:
			st.Failed++
			im.logger.Warn("import: apply failed", slog.String("path", rel), slog.String("error", err.Error()))
		case applied:
			st.Applied++
		default:
			st.Unchanged++
		}
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("import: walk %s: %w", im.root, err)
	}

	for src := range known {
		if _, ok := disk[src]; ok {
			continue
		}
		if err := im.ledger.DeleteImport(ctx, src); err != nil {
			im.logger.Warn("import: forget failed", slog.String("path", src), slog.String("error", err.Error()))
			continue
		}
		st.Forgotten++
		im.logger.Debug("import: forgot removed file", slog.String("path", src))
	}
	return st, nil
}

// Apply imports the file at rel (relative to root, slash separated). It
// reports false when the file is unchanged since it was last applied.
func (im *Importer) Apply(ctx context.Context, rel string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(im.root, filepath.FromSlash(rel)))
	if err != nil {
		return false, fmt.Errorf("import: read: %w", err)
	}
	sum := checksum.Sum(data)

	prev, err := im.ledger.GetImport(ctx, rel)
	if err != nil {
		return false, err
	}
	if prev != nil && prev.Checksum == sum {
		return false, nil
	}

	f, err := Parse(data)
	if err != nil {
		return false, err
	}
	if f.OwnerID != "" {
		ctx = recordservice.WithOwner(ctx, f.OwnerID)
	}

	if err := im.upsert(ctx, prev, f); err != nil {
		return false, err
	}
	if err := im.ledger.PutImport(ctx, store.ImportRow{
		Source:   rel,
		Kind:     f.Kind,
		RecordID: f.ID,
		Checksum: sum,
	}); err != nil {
		return false, err
	}
	im.logger.Info("import: applied",
		slog.String("path", rel),
		slog.String("kind", string(f.Kind)),
		slog.String("id", f.ID))
	return true, nil
}

// upsert creates the record unless it already exists. Existence is checked
// before writing so inline images are uploaded once.
func (im *Importer) upsert(ctx context.Context, prev *store.ImportRow, f *File) error {
	if prev == nil || prev.Kind != f.Kind || prev.RecordID != f.ID {
		_, err := im.records.Get(ctx, f.Kind, f.ID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			_, err = im.records.Create(ctx, f.Kind, f.ID, f.Fields)
			return err
		case err != nil:
			return err
		}
	}
	_, err := im.records.Update(ctx, f.Kind, f.ID, f.Fields)
	return err
}

// Parse decodes and validates one content file.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: import: parse: %v", apperr.ErrInvalidInput, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: import: %v", apperr.ErrInvalidInput, err)
	}
	if f.Fields == nil {
		f.Fields = map[string]any{}
	}
	return &f, nil
}

// Forget drops the ledger entry of rel; the record it produced stays.
func (im *Importer) Forget(ctx context.Context, rel string) error {
	return im.ledger.DeleteImport(ctx, rel)
}
