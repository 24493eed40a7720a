package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig configures a Google Cloud Storage asset store.
type GCSConfig struct {
	Bucket        string
	EmulatorHost  string
	PublicBaseURL string
}

// GCS implements AssetStore on a Cloud Storage bucket. The namespace is used
// as the first segment of the object name.
type GCS struct {
	client  *gcs.Client
	bucket  string
	baseURL string
}

// NewGCS creates a GCS store. With EmulatorHost set, the client talks to a
// local emulator without authentication.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: gcs bucket is required")
	}
	var opts []option.ClientOption
	emulator := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/")
	if emulator != "" {
		_ = os.Setenv("STORAGE_EMULATOR_HOST", emulator)
		opts = append(opts, option.WithoutAuthentication())
	} else {
		opts = append(opts, option.WithScopes(gcs.ScopeReadWrite))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create gcs client: %w", err)
	}

	return &GCS{client: client, bucket: cfg.Bucket, baseURL: gcsBaseURL(cfg)}, nil
}

// gcsObjectCacheControl lets clients cache objects briefly; keys may be
// overwritten, so nothing is cached as immutable.
const gcsObjectCacheControl = "public, max-age=3600"

// gcsBaseURL returns the URL prefix of stored objects. An emulator given as
// host:port, as STORAGE_EMULATOR_HOST usually is, is served over http.
func gcsBaseURL(cfg GCSConfig) string {
	if base := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"); base != "" {
		return base
	}
	emulator := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/")
	if emulator == "" {
		return "https://storage.googleapis.com/" + cfg.Bucket
	}
	if !strings.Contains(emulator, "://") {
		emulator = "http://" + emulator
	}
	return emulator + "/" + cfg.Bucket
}

// Upload writes the object, replacing any previous version.
func (g *GCS) Upload(ctx context.Context, namespace, key string, data []byte, mediaType string) (string, error) {
	name := strings.TrimLeft(path.Join(namespace, key), "/")
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = mediaType
	w.CacheControl = gcsObjectCacheControl
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: write gcs object %q: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: close gcs writer for %q: %w", name, err)
	}
	return g.baseURL + "/" + name, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
