package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/verdant/internal/recordservice"
	"github.com/starford/verdant/internal/testutil"
)

var pngBytes = testutil.PNG

type testEnv struct {
	svc    *recordservice.Service
	assets *AssetHandler
	router http.Handler
}

// newTestEnv sets up a temp record store, asset dir, service, and router.
// An empty token means auth is disabled.
func newTestEnv(t *testing.T, token string, sseHandler http.Handler) *testEnv {
	t.Helper()
	st := testutil.TestStack(t)
	ah := NewAssetHandler(st.Files, st.Files)
	return &testEnv{
		svc:    st.Svc,
		assets: ah,
		router: NewRouter(st.Svc, token != "", token, sseHandler, ah),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func (e *testEnv) createBasil(t *testing.T) Record {
	t.Helper()
	w := e.do(t, http.MethodPost, "/records/plant", map[string]any{
		"id": "basil",
		"fields": map[string]any{
			"common_name": "Basil",
			"care":        map[string]any{"watering": "Daily"},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	return decode[Record](t, w)
}

func TestCreateAndGetRecord(t *testing.T) {
	e := newTestEnv(t, "", nil)
	created := e.createBasil(t)
	if created.ID != "basil" || created.Fields["common_name"] != "Basil" {
		t.Errorf("created = %+v", created)
	}

	w := e.do(t, http.MethodGet, "/records/plant/basil", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	rec := decode[Record](t, w)
	care := rec.Document["care"].(map[string]any)
	if care["watering"] != "Daily" {
		t.Errorf("watering = %v", care["watering"])
	}
	if care["sunlight"] != "Unknown" {
		t.Errorf("sunlight = %v, want placeholder", care["sunlight"])
	}
	if rec.Fields["family"] != "Not specified" {
		t.Errorf("family = %v, want placeholder", rec.Fields["family"])
	}

	tag := w.Header().Get("ETag")
	if tag == "" {
		t.Fatal("missing ETag")
	}
	w = e.do(t, http.MethodGet, "/records/plant/basil", nil, "If-None-Match", tag)
	if w.Code != http.StatusNotModified {
		t.Errorf("conditional get = %d, want 304", w.Code)
	}
}

func TestCreateRecord_GeneratesID(t *testing.T) {
	e := newTestEnv(t, "", nil)
	w := e.do(t, http.MethodPost, "/records/seasonal_tip", map[string]any{
		"fields": map[string]any{"title": "Mulch before frost"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d, body = %s", w.Code, w.Body.String())
	}
	rec := decode[Record](t, w)
	if len(rec.ID) != 36 {
		t.Errorf("id = %q, want a UUID", rec.ID)
	}
	if loc := w.Header().Get("Location"); loc != "/api/records/seasonal_tip/"+rec.ID {
		t.Errorf("Location = %q", loc)
	}
}

func TestCreateRecord_Errors(t *testing.T) {
	e := newTestEnv(t, "", nil)
	e.createBasil(t)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"duplicate", "/records/plant", map[string]any{"id": "basil", "fields": map[string]any{}}, http.StatusConflict},
		{"bad id", "/records/plant", map[string]any{"id": "../x", "fields": map[string]any{}}, http.StatusBadRequest},
		{"bad json", "/records/plant", "{", http.StatusBadRequest},
		{"wrong field type", "/records/plant", map[string]any{"fields": map[string]any{"tags": "herb"}}, http.StatusBadRequest},
		{"bad inline image", "/records/plant", map[string]any{"fields": map[string]any{"image_url": "data:image/png;base64,aGVsbG8="}}, http.StatusBadRequest},
		{"unknown kind", "/records/comet", map[string]any{"fields": map[string]any{}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
			if resp := decode[errResponse](t, w); resp.Error == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestUpdateRecord_MergesNested(t *testing.T) {
	e := newTestEnv(t, "", nil)
	e.createBasil(t)

	w := e.do(t, http.MethodPatch, "/records/plant/basil", map[string]any{
		"care": map[string]any{"sunlight": "Full sun"},
		"tags": []any{"herb", "annual"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("patch = %d, body = %s", w.Code, w.Body.String())
	}
	rec := decode[Record](t, w)
	care := rec.Document["care"].(map[string]any)
	if care["watering"] != "Daily" || care["sunlight"] != "Full sun" {
		t.Errorf("care = %v", care)
	}

	w = e.do(t, http.MethodPatch, "/records/plant/basil", map[string]any{"tags": []any{"kitchen"}})
	rec = decode[Record](t, w)
	tags, _ := rec.Fields["tags"].([]any)
	if len(tags) != 1 || tags[0] != "kitchen" {
		t.Errorf("tags = %v, want replaced list", rec.Fields["tags"])
	}
	if rec.Fields["common_name"] != "Basil" {
		t.Errorf("common_name = %v", rec.Fields["common_name"])
	}
}

func TestUpdateRecord_IfMatch(t *testing.T) {
	e := newTestEnv(t, "", nil)
	e.createBasil(t)
	tag := e.do(t, http.MethodGet, "/records/plant/basil", nil).Header().Get("ETag")

	w := e.do(t, http.MethodPatch, "/records/plant/basil", map[string]any{"description": "v2"}, "If-Match", tag)
	if w.Code != http.StatusOK {
		t.Fatalf("patch with current etag = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("ETag") == tag {
		t.Error("etag did not change")
	}

	w = e.do(t, http.MethodPatch, "/records/plant/basil", map[string]any{"description": "v3"}, "If-Match", tag)
	if w.Code != http.StatusConflict {
		t.Errorf("patch with stale etag = %d, want 409", w.Code)
	}
}

func TestUpdateRecord_Errors(t *testing.T) {
	e := newTestEnv(t, "", nil)
	e.createBasil(t)

	if w := e.do(t, http.MethodPatch, "/records/plant/missing", map[string]any{"description": "x"}); w.Code != http.StatusNotFound {
		t.Errorf("missing record = %d, want 404", w.Code)
	}
	if w := e.do(t, http.MethodPatch, "/records/plant/basil", `["a"]`); w.Code != http.StatusBadRequest {
		t.Errorf("array body = %d, want 400", w.Code)
	}
	if w := e.do(t, http.MethodPatch, "/records/plant/basil", "null"); w.Code != http.StatusBadRequest {
		t.Errorf("null body = %d, want 400", w.Code)
	}
}

func TestListRecords(t *testing.T) {
	e := newTestEnv(t, "", nil)
	for _, name := range []string{"Basil", "Mint", "Sage"} {
		w := e.do(t, http.MethodPost, "/records/plant", map[string]any{
			"id": strings.ToLower(name), "fields": map[string]any{"common_name": name},
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("create %s = %d", name, w.Code)
		}
	}

	w := e.do(t, http.MethodGet, "/records/plant?limit=2&sort=common_name", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[RecordListResponse](t, w)
	if resp.Total != 3 || len(resp.Records) != 2 {
		t.Fatalf("total = %d, len = %d", resp.Total, len(resp.Records))
	}
	if resp.Records[0].ID != "basil" || resp.Records[1].ID != "mint" {
		t.Errorf("order = %s, %s", resp.Records[0].ID, resp.Records[1].ID)
	}

	resp = decode[RecordListResponse](t, e.do(t, http.MethodGet, "/records/plant?q=min", nil))
	if resp.Total != 1 || resp.Records[0].ID != "mint" {
		t.Errorf("search = %+v", resp)
	}

	for _, bad := range []string{"?limit=abc", "?limit=1000", "?offset=-1", "?sort=document"} {
		if w := e.do(t, http.MethodGet, "/records/plant"+bad, nil); w.Code != http.StatusBadRequest {
			t.Errorf("list%s = %d, want 400", bad, w.Code)
		}
	}
}

func TestListRecords_Empty(t *testing.T) {
	e := newTestEnv(t, "", nil)
	w := e.do(t, http.MethodGet, "/records/fertilizer", nil)
	if !strings.Contains(w.Body.String(), `"records":[]`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestOwnedKind(t *testing.T) {
	e := newTestEnv(t, "", nil)
	body := map[string]any{"fields": map[string]any{"name": "Raised bed"}}

	if w := e.do(t, http.MethodPost, "/records/growing_ground", body); w.Code != http.StatusBadRequest {
		t.Errorf("create without owner = %d, want 400", w.Code)
	}
	w := e.do(t, http.MethodPost, "/records/growing_ground", body, OwnerHeader, "alice")
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d, body = %s", w.Code, w.Body.String())
	}
	rec := decode[Record](t, w)
	if rec.OwnerID != "alice" {
		t.Errorf("owner = %q", rec.OwnerID)
	}
	path := "/records/growing_ground/" + rec.ID

	if w := e.do(t, http.MethodGet, path, nil, OwnerHeader, "bob"); w.Code != http.StatusNotFound {
		t.Errorf("get as bob = %d, want 404", w.Code)
	}
	if resp := decode[RecordListResponse](t, e.do(t, http.MethodGet, "/records/growing_ground", nil, OwnerHeader, "bob")); resp.Total != 0 {
		t.Errorf("bob sees %d grounds", resp.Total)
	}
	if resp := decode[RecordListResponse](t, e.do(t, http.MethodGet, "/records/growing_ground", nil, OwnerHeader, "alice")); resp.Total != 1 {
		t.Errorf("alice sees %d grounds", resp.Total)
	}
	if w := e.do(t, http.MethodPatch, path, map[string]any{"notes": "x"}, OwnerHeader, "bob"); w.Code != http.StatusNotFound {
		t.Errorf("patch as bob = %d, want 404", w.Code)
	}
	if w := e.do(t, http.MethodDelete, path, nil, OwnerHeader, "bob"); w.Code != http.StatusNotFound {
		t.Errorf("delete as bob = %d, want 404", w.Code)
	}
	if w := e.do(t, http.MethodDelete, path, nil, OwnerHeader, "alice"); w.Code != http.StatusNoContent {
		t.Errorf("delete as alice = %d, want 204", w.Code)
	}
	if w := e.do(t, http.MethodGet, path, nil, OwnerHeader, "alice"); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
}

func TestDeleteRecord_NotDeletable(t *testing.T) {
	e := newTestEnv(t, "", nil)
	e.createBasil(t)
	if w := e.do(t, http.MethodDelete, "/records/plant/basil", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("delete plant = %d, want 405", w.Code)
	}
}

func TestKindSchema(t *testing.T) {
	e := newTestEnv(t, "", nil)
	w := e.do(t, http.MethodGet, "/kinds/growing_ground/schema", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("schema = %d", w.Code)
	}
	resp := decode[KindSchemaResponse](t, w)
	if !resp.Owned || !resp.Deletable || len(resp.Fields) == 0 || resp.Document["soil"] == nil {
		t.Errorf("schema = %+v", resp)
	}
	if w := e.do(t, http.MethodGet, "/kinds/comet/schema", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown kind = %d, want 404", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/kinds", nil); !strings.Contains(w.Body.String(), "composting_method") {
		t.Errorf("kinds = %s", w.Body.String())
	}
}

// Auth middleware tests.

func TestAuthMiddleware_ValidToken(t *testing.T) {
	e := newTestEnv(t, "secret123", nil)
	w := e.do(t, http.MethodGet, "/records/plant", nil, "Authorization", "Bearer secret123")
	if w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	e := newTestEnv(t, "secret123", nil)
	if w := e.do(t, http.MethodGet, "/records/plant", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	e := newTestEnv(t, "secret123", nil)
	if w := e.do(t, http.MethodGet, "/records/plant", nil, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	e := newTestEnv(t, "", nil)
	if w := e.do(t, http.MethodGet, "/records/plant", nil); w.Code != http.StatusOK {
		t.Errorf("disabled auth = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests.

// blockingSSE writes headers and blocks until the request context is done.
var blockingSSE = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
})

func TestSSEEvents_AuthProtected(t *testing.T) {
	e := newTestEnv(t, "secret", blockingSSE)
	if w := e.do(t, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	e := newTestEnv(t, "tok", blockingSSE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("SSE with valid token = %d, want 200", w.Code)
	}
}

// Asset tests.

func uploadFile(t *testing.T, router http.Handler, content []byte, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "upload.bin")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(part, bytes.NewReader(content))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/assets", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) fileRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/assets/*", e.assets.ServeFile)
	return r
}

func TestUploadAndServeAsset(t *testing.T) {
	e := newTestEnv(t, "", nil)

	w := uploadFile(t, e.router, pngBytes)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[AssetUploadResponse](t, w)
	if !strings.HasPrefix(resp.URL, "/assets/uploads/") || !strings.HasSuffix(resp.URL, ".png") {
		t.Errorf("url = %q", resp.URL)
	}
	if resp.MediaType != "image/png" || resp.Size != len(pngBytes) {
		t.Errorf("resp = %+v", resp)
	}

	req := httptest.NewRequest(http.MethodGet, resp.URL, nil)
	w = httptest.NewRecorder()
	e.fileRouter().ServeHTTP(w, req)
	if w.Code != http.StatusOK || !bytes.Equal(w.Body.Bytes(), pngBytes) {
		t.Errorf("serve = %d, %d bytes", w.Code, w.Body.Len())
	}
}

func TestUploadAsset_Rejected(t *testing.T) {
	e := newTestEnv(t, "", nil)
	if w := uploadFile(t, e.router, []byte("just some text")); w.Code != http.StatusBadRequest {
		t.Errorf("text upload = %d, want 400", w.Code)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("other", "value")
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/assets", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing file field = %d, want 400", w.Code)
	}
}

func TestUploadAsset_AuthProtected(t *testing.T) {
	e := newTestEnv(t, "secret", nil)
	if w := uploadFile(t, e.router, pngBytes); w.Code != http.StatusUnauthorized {
		t.Errorf("upload no auth = %d, want 401", w.Code)
	}
	if w := uploadFile(t, e.router, pngBytes, "Authorization", "Bearer secret"); w.Code != http.StatusCreated {
		t.Errorf("upload with token = %d, want 201", w.Code)
	}
}

func TestServeAsset_NotFoundAndTraversal(t *testing.T) {
	e := newTestEnv(t, "", nil)
	for path, want := range map[string]int{
		"/assets/uploads/missing.png": http.StatusNotFound,
		"/assets/..%2F..%2Fetc%2Fpasswd": http.StatusBadRequest,
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		e.fileRouter().ServeHTTP(w, req)
		if w.Code != want {
			t.Errorf("GET %s = %d, want %d", path, w.Code, want)
		}
	}
}
