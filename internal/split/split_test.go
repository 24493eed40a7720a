package split

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var plantKeys = map[string]struct{}{
	"common_name":     {},
	"scientific_name": {},
	"tags":            {},
}

func TestSplit_RoutesKeys(t *testing.T) {
	res := Split(map[string]any{
		"common_name": "Tomato",
		"tags":        []any{"veg"},
		"description": "Red fruit",
		"care":        map[string]any{"watering": "daily"},
	}, plantKeys)

	wantN := map[string]any{"common_name": "Tomato", "tags": []any{"veg"}}
	wantD := map[string]any{"description": "Red fruit", "care": map[string]any{"watering": "daily"}}
	if diff := cmp.Diff(wantN, res.Normalized); diff != "" {
		t.Errorf("normalized (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantD, res.Document); diff != "" {
		t.Errorf("document (-want +got):\n%s", diff)
	}
	if !res.HasDocument() {
		t.Error("HasDocument = false")
	}
}

func TestSplit_DropsReservedKeys(t *testing.T) {
	res := Split(map[string]any{
		"id":          "x",
		"created_at":  "2026-01-01",
		"updated_at":  "2026-01-02",
		"owner_id":    "u2",
		"common_name": "Kale",
	}, plantKeys)
	if len(res.Normalized) != 1 || len(res.Document) != 0 {
		t.Errorf("got normalized=%v document=%v", res.Normalized, res.Document)
	}
	if res.HasDocument() {
		t.Error("HasDocument should be false for normalized-only update")
	}
}

func TestSplit_CompleteAndDisjoint(t *testing.T) {
	update := map[string]any{
		"common_name": "a", "scientific_name": nil, "tags": []any{},
		"notes": "b", "gallery": []any{}, "growth": map[string]any{}, "id": "z",
	}
	res := Split(update, plantKeys)
	for k := range update {
		_, inN := res.Normalized[k]
		_, inD := res.Document[k]
		if k == "id" {
			if inN || inD {
				t.Errorf("reserved key %q routed", k)
			}
			continue
		}
		if inN == inD {
			t.Errorf("key %q: normalized=%v document=%v, want exactly one", k, inN, inD)
		}
	}
	if len(res.Normalized)+len(res.Document) != len(update)-1 {
		t.Errorf("split lost or invented keys: %d + %d", len(res.Normalized), len(res.Document))
	}
}

func TestSplit_Empty(t *testing.T) {
	res := Split(nil, plantKeys)
	if res.HasDocument() || len(res.Normalized) != 0 {
		t.Errorf("empty update produced %+v", res)
	}
}
