package checksum

import "testing"

func TestSum(t *testing.T) {
	// sha256("")
	const empty = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := Sum(nil); got != empty {
		t.Errorf("Sum(nil) = %s", got)
	}
	if Sum([]byte("a")) == Sum([]byte("b")) {
		t.Error("different inputs share a digest")
	}
}

func TestJSON_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"name": "Basil", "care": map[string]any{"watering": "Daily", "sunlight": "Full"}}
	b := map[string]any{"care": map[string]any{"sunlight": "Full", "watering": "Daily"}, "name": "Basil"}

	sa, err := JSON(a)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := JSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if sa != sb {
		t.Errorf("digests differ: %s vs %s", sa, sb)
	}

	b["name"] = "Mint"
	if sc, _ := JSON(b); sc == sa {
		t.Error("changed document kept its digest")
	}
}

func TestJSON_Unencodable(t *testing.T) {
	if _, err := JSON(map[string]any{"ch": make(chan int)}); err == nil {
		t.Error("expected error for unencodable value")
	}
}
