package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/verdant/internal/recordservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
// ah accepts image uploads at POST /assets.
func NewRouter(svc *recordservice.Service, authEnabled bool, token string, sseHandler http.Handler, ah *AssetHandler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))
	r.Use(OwnerMiddleware)

	// Kinds.
	r.Get("/kinds", h.ListKinds)
	r.Get("/kinds/{kind}/schema", h.KindSchema)

	// Records CRUD.
	r.Route("/records/{kind}", func(r chi.Router) {
		r.Get("/", h.ListRecords)
		r.Post("/", h.CreateRecord)
		r.Get("/{id}", h.GetRecord)
		r.Patch("/{id}", h.UpdateRecord)
		r.Delete("/{id}", h.DeleteRecord)
	})

	// Asset upload (auth-protected).
	if ah != nil {
		r.Post("/assets", ah.Upload)
	}

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
