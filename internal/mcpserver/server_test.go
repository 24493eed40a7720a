package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/verdant/internal/cache"
	"github.com/starford/verdant/internal/models"
	"github.com/starford/verdant/internal/recordservice"
	"github.com/starford/verdant/internal/schema"
	"github.com/starford/verdant/internal/testutil"
)

var pngBytes = testutil.PNG

func testServer(t *testing.T) (*Server, *recordservice.Service) {
	t.Helper()
	st := testutil.TestStack(t)
	srv := New(st.Svc, cache.NewSet(st.Svc, models.ListQuery{}, st.Logger))
	srv.fetch = func(_ context.Context, rawURL string) ([]byte, string, error) {
		if strings.Contains(rawURL, "missing") {
			return nil, "", errors.New("download failed: HTTP 404")
		}
		return pngBytes, "image/png", nil
	}
	return srv, st.Svc
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "get_record_schema":
		result, err = srv.getRecordSchema(ctx, req)
	case "get_record_contract":
		result, err = srv.getRecordContract(ctx, req)
	case "list_records":
		result, err = srv.listRecords(ctx, req)
	case "get_record":
		result, err = srv.getRecord(ctx, req)
	case "create_record":
		result, err = srv.createRecord(ctx, req)
	case "update_record":
		result, err = srv.updateRecord(ctx, req)
	case "attach_image":
		result, err = srv.attachImage(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func decodeRecord(t *testing.T, r *mcp.CallToolResult) models.Record {
	t.Helper()
	if r.IsError {
		t.Fatalf("tool error: %s", resultText(r))
	}
	var rec models.Record
	if err := json.Unmarshal([]byte(resultText(r)), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return rec
}

func TestCreateGetUpdate(t *testing.T) {
	srv, _ := testServer(t)

	rec := decodeRecord(t, callTool(t, srv, "create_record", map[string]any{
		"kind":   "plant",
		"id":     "basil",
		"fields": map[string]any{"common_name": "Basil", "care": map[string]any{"watering": "Daily"}},
	}))
	if rec.ID != "basil" || rec.Fields["common_name"] != "Basil" {
		t.Errorf("created = %+v", rec)
	}

	rec = decodeRecord(t, callTool(t, srv, "update_record", map[string]any{
		"kind":   "plant",
		"id":     "basil",
		"fields": map[string]any{"care": map[string]any{"sunlight": "Full sun"}},
	}))
	care := rec.Document["care"].(map[string]any)
	if care["watering"] != "Daily" || care["sunlight"] != "Full sun" {
		t.Errorf("care after update = %v", care)
	}

	rec = decodeRecord(t, callTool(t, srv, "get_record", map[string]any{"kind": "plant", "id": "basil"}))
	if rec.Document["care"].(map[string]any)["sunlight"] != "Full sun" {
		t.Error("update not persisted")
	}
}

func TestGetRecord_ServedFromLoadedList(t *testing.T) {
	srv, svc := testServer(t)
	ctx := context.Background()
	if _, err := svc.Create(ctx, models.KindPlant, "basil", map[string]any{"common_name": "Basil"}); err != nil {
		t.Fatal(err)
	}
	callTool(t, srv, "list_records", map[string]any{"kind": "plant"})

	if _, err := svc.Update(ctx, models.KindPlant, "basil", map[string]any{"common_name": "Thai basil"}); err != nil {
		t.Fatal(err)
	}
	rec := decodeRecord(t, callTool(t, srv, "get_record", map[string]any{"kind": "plant", "id": "basil"}))
	if rec.Fields["common_name"] != "Basil" {
		t.Errorf("common_name = %v, want cached value", rec.Fields["common_name"])
	}

	srv.lists.Invalidate(models.KindPlant)
	rec = decodeRecord(t, callTool(t, srv, "get_record", map[string]any{"kind": "plant", "id": "basil"}))
	if rec.Fields["common_name"] != "Thai basil" {
		t.Errorf("common_name = %v after invalidation", rec.Fields["common_name"])
	}

	if r := callTool(t, srv, "get_record", map[string]any{"kind": "comet", "id": "x"}); !r.IsError {
		t.Error("unknown kind accepted")
	}
}

func TestListRecords_UsesCache(t *testing.T) {
	srv, svc := testServer(t)
	ctx := context.Background()
	for _, name := range []string{"Basil", "Mint"} {
		if _, err := svc.Create(ctx, models.KindPlant, strings.ToLower(name), map[string]any{"common_name": name}); err != nil {
			t.Fatal(err)
		}
	}

	r := callTool(t, srv, "list_records", map[string]any{"kind": "plant"})
	if !strings.Contains(resultText(r), `"total": 2`) {
		t.Errorf("list = %s", resultText(r))
	}

	// Written behind the cache's back: the cached list is stale until invalidated.
	if _, err := svc.Create(ctx, models.KindPlant, "sage", map[string]any{"common_name": "Sage"}); err != nil {
		t.Fatal(err)
	}
	r = callTool(t, srv, "list_records", map[string]any{"kind": "plant"})
	if !strings.Contains(resultText(r), `"total": 2`) {
		t.Errorf("cached list = %s", resultText(r))
	}
	srv.lists.Invalidate(models.KindPlant)
	r = callTool(t, srv, "list_records", map[string]any{"kind": "plant"})
	if !strings.Contains(resultText(r), `"total": 3`) {
		t.Errorf("reloaded list = %s", resultText(r))
	}

	r = callTool(t, srv, "list_records", map[string]any{"kind": "plant", "query": "min"})
	if !strings.Contains(resultText(r), `"mint"`) || strings.Contains(resultText(r), `"basil"`) {
		t.Errorf("search = %s", resultText(r))
	}
}

func TestUpdateRecord_ReflectedInCachedList(t *testing.T) {
	srv, svc := testServer(t)
	if _, err := svc.Create(context.Background(), models.KindFertilizer, "f1", map[string]any{"name": "Bone meal"}); err != nil {
		t.Fatal(err)
	}
	_ = callTool(t, srv, "list_records", map[string]any{"kind": "fertilizer"})
	_ = decodeRecord(t, callTool(t, srv, "update_record", map[string]any{
		"kind": "fertilizer", "id": "f1", "fields": map[string]any{"form": "Powder"},
	}))

	cached, ok := srv.lists.For(models.KindFertilizer).Get("f1")
	if !ok || cached.Fields["form"] != "Powder" {
		t.Errorf("cached entry = %+v", cached)
	}
}

func TestUpdateRecord_Errors(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "update_record", map[string]any{"kind": "plant", "id": "nope", "fields": map[string]any{"notes": "x"}})
	if !r.IsError || !strings.Contains(resultText(r), "not found") {
		t.Errorf("missing record: %s", resultText(r))
	}
	r = callTool(t, srv, "update_record", map[string]any{"kind": "comet", "id": "x", "fields": map[string]any{}})
	if !r.IsError {
		t.Error("unknown kind accepted")
	}
	r = callTool(t, srv, "update_record", map[string]any{"kind": "plant", "id": "x", "fields": "text"})
	if !r.IsError {
		t.Error("non-object fields accepted")
	}
}

func TestOwnedKindNeedsOwner(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "create_record", map[string]any{"kind": "growing_ground", "fields": map[string]any{"name": "Bed"}})
	if !r.IsError {
		t.Error("created growing_ground without owner")
	}
	rec := decodeRecord(t, callTool(t, srv, "create_record", map[string]any{
		"kind": "growing_ground", "owner_id": "alice", "fields": map[string]any{"name": "Bed"},
	}))
	if rec.OwnerID != "alice" {
		t.Errorf("owner = %q", rec.OwnerID)
	}
	r = callTool(t, srv, "get_record", map[string]any{"kind": "growing_ground", "id": rec.ID, "owner_id": "bob"})
	if !r.IsError {
		t.Error("bob read alice's growing ground")
	}
}

func TestAttachImage(t *testing.T) {
	srv, svc := testServer(t)
	if _, err := svc.Create(context.Background(), models.KindPlant, "kale", map[string]any{"common_name": "Kale"}); err != nil {
		t.Fatal(err)
	}

	rec := decodeRecord(t, callTool(t, srv, "attach_image", map[string]any{
		"kind": "plant", "id": "kale", "path": "image_url", "url": "https://example.test/kale.png",
	}))
	if u, _ := rec.Document["image_url"].(string); !strings.HasPrefix(u, "/assets/images/plant/") {
		t.Errorf("image_url = %q", u)
	}

	for i := 0; i < 2; i++ {
		rec = decodeRecord(t, callTool(t, srv, "attach_image", map[string]any{
			"kind": "plant", "id": "kale", "path": "gallery", "url": "https://example.test/leaf.png",
		}))
	}
	gallery := rec.Document["gallery"].([]any)
	if len(gallery) != 2 {
		t.Fatalf("gallery = %v", gallery)
	}
	if u := gallery[1].(map[string]any)["url"].(string); !strings.HasPrefix(u, "/assets/") {
		t.Errorf("gallery[1] = %q", u)
	}

	r := callTool(t, srv, "attach_image", map[string]any{"kind": "plant", "id": "kale", "path": "notes", "url": "https://example.test/a.png"})
	if !r.IsError {
		t.Error("non-image key accepted")
	}
	r = callTool(t, srv, "attach_image", map[string]any{"kind": "plant", "id": "kale", "path": "image_url", "url": "https://example.test/missing.png"})
	if !r.IsError {
		t.Error("failed download accepted")
	}
}

func TestGetRecordSchemaAndContract(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_record_schema", map[string]any{"kind": "composting_method"})
	if r.IsError {
		t.Fatalf("schema: %s", resultText(r))
	}
	var out struct {
		Fields []schema.Field       `json:"fields"`
		Images []schema.ImageTarget `json:"images"`
	}
	if err := json.Unmarshal([]byte(resultText(r)), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Fields) == 0 || len(out.Images) == 0 {
		t.Errorf("schema = %s", resultText(r))
	}

	r = callTool(t, srv, "get_record_contract", nil)
	if !strings.Contains(resultText(r), "Lists are **replaced**") {
		t.Error("contract text missing merge rules")
	}
}

func TestCheckBlockedHost(t *testing.T) {
	blocked := []string{
		"127.0.0.1", "::1",
		"169.254.169.254", "metadata.google.internal", "fe80::1",
		"10.0.0.1", "172.16.4.2", "192.168.1.1", "fd00::1",
		"0.0.0.0", "::",
	}
	for _, host := range blocked {
		if err := checkBlockedHost(host); err == nil {
			t.Errorf("%s not blocked", host)
		}
	}
	for _, host := range []string{"203.0.113.7", "2001:db8::1", "8.8.8.8"} {
		if err := checkBlockedHost(host); err != nil {
			t.Errorf("public address %s blocked: %v", host, err)
		}
	}
}
