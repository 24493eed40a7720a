package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/starford/verdant/internal/apperr"
	"github.com/starford/verdant/internal/assets"
	"github.com/starford/verdant/internal/storage"
)

const (
	uploadNamespace = "uploads"
	maxUploadBytes  = 10 << 20 // 10 MB
)

// AssetHandler accepts image uploads and, for the file system store, serves
// stored objects.
type AssetHandler struct {
	store storage.AssetStore
	files *storage.FS
}

// NewAssetHandler creates a handler uploading into store. files may be nil
// when objects are served by the store itself (e.g. a GCS bucket).
func NewAssetHandler(store storage.AssetStore, files *storage.FS) *AssetHandler {
	return &AssetHandler{store: store, files: files}
}

// ServeFile handles GET /assets/*.
func (h *AssetHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		http.NotFound(w, r)
		return
	}
	key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if decoded, err := url.PathUnescape(key); err == nil {
		key = decoded
	}
	abs, err := h.files.Open(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "invalid asset path", http.StatusBadRequest)
		return
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeFile(w, r, abs)
}

// Upload handles POST /api/assets (multipart/form-data, field "file").
//
// The returned URL can be stored directly in any image field.
//
//	@Summary		Upload an image
//	@Tags			assets
//	@Accept			mpfd
//	@Produce		json
//	@Param			file	formData	file	true	"Image file"
//	@Success		201		{object}	AssetUploadResponse
//	@Failure		400		{object}	errResponse
//	@Failure		502		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/assets [post]
func (h *AssetHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}

	// Uploads pass the same checks as inline data URIs.
	mediaType := strings.Split(http.DetectContentType(data), ";")[0]
	if mediaType == "text/xml" || mediaType == "text/plain" {
		mediaType = "image/svg+xml"
	}
	img, err := assets.Decode("data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data))
	if err != nil {
		writeError(w, "upload asset", err)
		return
	}

	location, err := h.store.Upload(r.Context(), uploadNamespace, uuid.NewString()+img.Ext, img.Data, img.MediaType)
	if err != nil {
		writeError(w, "upload asset", fmt.Errorf("%w: %w", apperr.ErrUpload, err))
		return
	}
	writeJSON(w, http.StatusCreated, AssetUploadResponse{
		URL:       location,
		MediaType: img.MediaType,
		Size:      len(img.Data),
	})
}
