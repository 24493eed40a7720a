package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/verdant/internal/apperr"
	"github.com/starford/verdant/internal/checksum"
	"github.com/starford/verdant/internal/models"
	"github.com/starford/verdant/internal/recordservice"
	"github.com/starford/verdant/internal/schema"
	"github.com/starford/verdant/internal/store"
)

const maxBodyBytes = 20 << 20 // inline images make bodies large

// Handler holds API route handlers.
type Handler struct {
	svc *recordservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *recordservice.Service) *Handler {
	return &Handler{svc: svc}
}

// kindSpec resolves the {kind} URL parameter. Owned kinds need a caller.
func (h *Handler) kindSpec(r *http.Request) (*schema.Spec, error) {
	spec, err := h.svc.Spec(models.Kind(chi.URLParam(r, "kind")))
	if err != nil {
		return nil, err
	}
	if spec.Owned && recordservice.OwnerFrom(r.Context()) == "" {
		return nil, fmt.Errorf("%w: %s header is required for %s", apperr.ErrInvalidInput, OwnerHeader, spec.Kind)
	}
	return spec, nil
}

// etag returns the quoted entity tag of a record.
func etag(rec *models.Record) string {
	sum, err := checksum.JSON(rec)
	if err != nil {
		return ""
	}
	return `"` + sum + `"`
}

// ListKinds handles GET /api/kinds.
//
//	@Summary		List record kinds
//	@Tags			kinds
//	@Produce		json
//	@Success		200	{object}	map[string][]string
//	@Security		BearerAuth
//	@Router			/kinds [get]
func (h *Handler) ListKinds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"kinds": models.Kinds})
}

// KindSchema handles GET /api/kinds/{kind}/schema.
//
//	@Summary		Describe the fields, images and default document of a kind
//	@Tags			kinds
//	@Produce		json
//	@Param			kind	path		string	true	"Record kind"
//	@Success		200		{object}	KindSchemaResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/kinds/{kind}/schema [get]
func (h *Handler) KindSchema(w http.ResponseWriter, r *http.Request) {
	spec, err := h.svc.Spec(models.Kind(chi.URLParam(r, "kind")))
	if err != nil {
		writeError(w, "kind schema", err)
		return
	}
	writeJSON(w, http.StatusOK, KindSchemaResponse{
		Kind:      spec.Kind,
		Fields:    spec.Normalized,
		Images:    spec.Images,
		Owned:     spec.Owned,
		Deletable: spec.Deletable,
		SortKeys:  store.SortKeys(spec),
		Document:  spec.Defaults(),
	})
}

// ListRecords handles GET /api/records/{kind}.
//
//	@Summary		List records with optional search, pagination and sorting
//	@Tags			records
//	@Produce		json
//	@Param			kind	path		string	true	"Record kind"
//	@Param			q		query		string	false	"Substring searched in indexed fields"
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Param			sort	query		string	false	"Sort field (see sort_keys in the kind schema)"
//	@Success		200		{object}	RecordListResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{kind} [get]
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	spec, err := h.kindSpec(r)
	if err != nil {
		writeError(w, "list records", err)
		return
	}

	q := r.URL.Query()
	var p listParams
	for name, dst := range map[string]*int{"limit": &p.Limit, "offset": &p.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, convErr := strconv.Atoi(raw)
		if convErr != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(name+": must be an integer"))
			return
		}
		*dst = n
	}
	p.Sort = q.Get("sort")
	p.Query = strings.TrimSpace(q.Get("q"))
	if err := p.validate(store.SortKeys(spec)); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	recs, total, err := h.svc.List(r.Context(), spec.Kind, models.ListQuery{
		Query:  p.Query,
		Limit:  p.Limit,
		Offset: p.Offset,
		Sort:   p.Sort,
	})
	if err != nil {
		writeError(w, "list records", err, slog.String("kind", string(spec.Kind)))
		return
	}
	writeJSON(w, http.StatusOK, RecordListResponse{Records: recs, Total: total})
}

// GetRecord handles GET /api/records/{kind}/{id}.
//
//	@Summary		Get a fully populated record
//	@Tags			records
//	@Produce		json
//	@Param			kind			path		string	true	"Record kind"
//	@Param			id				path		string	true	"Record id"
//	@Param			If-None-Match	header		string	false	"ETag from a previous response"
//	@Success		200				{object}	Record
//	@Success		304				"Not modified"
//	@Failure		404				{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{kind}/{id} [get]
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	spec, err := h.kindSpec(r)
	if err != nil {
		writeError(w, "get record", err)
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := h.svc.Get(r.Context(), spec.Kind, id)
	if err != nil {
		writeError(w, "get record", err, slog.String("kind", string(spec.Kind)), slog.String("id", id))
		return
	}
	tag := etag(rec)
	w.Header().Set("ETag", tag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CreateRecord handles POST /api/records/{kind}.
//
//	@Summary		Create a record from a sparse payload
//	@Tags			records
//	@Accept			json
//	@Produce		json
//	@Param			kind	path		string				true	"Record kind"
//	@Param			body	body		CreateRecordRequest	true	"Record to create"
//	@Success		201		{object}	Record
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		502		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{kind} [post]
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	spec, err := h.kindSpec(r)
	if err != nil {
		writeError(w, "create record", err)
		return
	}
	var req CreateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if req.Fields == nil {
		req.Fields = map[string]any{}
	}

	rec, err := h.svc.Create(r.Context(), spec.Kind, req.ID, req.Fields)
	if err != nil {
		writeError(w, "create record", err, slog.String("kind", string(spec.Kind)), slog.String("id", req.ID))
		return
	}
	w.Header().Set("ETag", etag(rec))
	w.Header().Set("Location", "/api/records/"+string(spec.Kind)+"/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

// UpdateRecord handles PATCH /api/records/{kind}/{id}.
//
// The body is a sparse object: keys left out keep their value, nested
// objects merge and lists are replaced.
//
//	@Summary		Apply a partial update
//	@Tags			records
//	@Accept			json
//	@Produce		json
//	@Param			kind		path		string			true	"Record kind"
//	@Param			id			path		string			true	"Record id"
//	@Param			If-Match	header		string			false	"ETag the update is based on"
//	@Param			body		body		map[string]any	true	"Keys to change"
//	@Success		200			{object}	Record
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Failure		502			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{kind}/{id} [patch]
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	spec, err := h.kindSpec(r)
	if err != nil {
		writeError(w, "update record", err)
		return
	}
	id := chi.URLParam(r, "id")

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil || patch == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("body must be a JSON object"))
		return
	}

	// Without If-Match concurrent writers are last-write-wins.
	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		cur, err := h.svc.Get(r.Context(), spec.Kind, id)
		if err != nil {
			writeError(w, "update record", err, slog.String("kind", string(spec.Kind)), slog.String("id", id))
			return
		}
		if etag(cur) != ifMatch {
			writeError(w, "update record", apperr.ErrConflict)
			return
		}
	}

	rec, err := h.svc.Update(r.Context(), spec.Kind, id, patch)
	if err != nil {
		writeError(w, "update record", err, slog.String("kind", string(spec.Kind)), slog.String("id", id))
		return
	}
	w.Header().Set("ETag", etag(rec))
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecord handles DELETE /api/records/{kind}/{id}.
//
//	@Summary		Delete a record (growing grounds only)
//	@Tags			records
//	@Param			kind	path	string	true	"Record kind"
//	@Param			id		path	string	true	"Record id"
//	@Success		204		"Record deleted"
//	@Failure		404		{object}	errResponse
//	@Failure		405		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{kind}/{id} [delete]
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	spec, err := h.kindSpec(r)
	if err != nil {
		writeError(w, "delete record", err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.svc.Delete(r.Context(), spec.Kind, id); err != nil {
		writeError(w, "delete record", err, slog.String("kind", string(spec.Kind)), slog.String("id", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
