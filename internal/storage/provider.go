// Package storage provides object storage backends for externalized assets.
package storage

import "context"

// AssetStore stores binary assets and returns a stable URL for them.
type AssetStore interface {
	// Upload writes data under namespace/path, overwriting any existing
	// object at the same path, and returns the object's public URL.
	Upload(ctx context.Context, namespace, path string, data []byte, mediaType string) (string, error)
}
