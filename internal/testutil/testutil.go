// Package testutil provides shared test helpers for setting up record stores,
// asset directories and the record service.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/verdant/internal/assets"
	"github.com/starford/verdant/internal/recordservice"
	"github.com/starford/verdant/internal/schema"
	"github.com/starford/verdant/internal/storage"
	"github.com/starford/verdant/internal/store"
)

// AssetBaseURL prefixes the URLs of assets stored by TestAssets.
const AssetBaseURL = "/assets"

// Stack is a record service over a temporary database and asset directory.
type Stack struct {
	DB     *store.DB
	Files  *storage.FS
	Svc    *recordservice.Service
	Logger *slog.Logger
}

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// TestDB creates a temporary SQLite record store that is automatically cleaned up.
func TestDB(t *testing.T) *store.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "verdant-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := store.Open(dbFile.Name(), schema.MustLoad(), Logger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestAssets creates a temporary asset directory served under AssetBaseURL.
func TestAssets(t *testing.T) *storage.FS {
	t.Helper()
	fs, err := storage.NewFS(filepath.Join(t.TempDir(), "assets"), AssetBaseURL)
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

// TestStack wires a record service over TestDB and TestAssets. Inline
// images land in the "images" namespace.
func TestStack(t *testing.T, opts ...recordservice.Option) *Stack {
	t.Helper()
	logger := Logger()
	db := TestDB(t)
	fs := TestAssets(t)
	opts = append([]recordservice.Option{recordservice.WithLogger(logger)}, opts...)
	svc := recordservice.New(db, assets.New(fs, "images", assets.WithLogger(logger)), schema.MustLoad(), opts...)
	return &Stack{DB: db, Files: fs, Svc: svc, Logger: logger}
}

// PNG is a payload sniffed as image/png.
var PNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR body")
