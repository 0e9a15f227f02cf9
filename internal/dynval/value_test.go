package dynval

import "testing"

func TestFieldDottedPath(t *testing.T) {
	v := Of(map[string]interface{}{
		"raw_data": map[string]interface{}{
			"drift_detected": true,
			"nested": map[string]interface{}{
				"count": float64(3),
			},
		},
	})

	got, ok := v.Field("raw_data.drift_detected")
	if !ok {
		t.Fatal("expected field to resolve")
	}
	b, isBool := got.Bool()
	if !isBool || !b {
		t.Errorf("expected true, got %v", got)
	}

	if _, ok := v.Field("raw_data.missing.deeper"); ok {
		t.Error("expected missing path to fail")
	}
}

func TestWalkPreservesShape(t *testing.T) {
	v := Of(map[string]interface{}{
		"list": []interface{}{"a", "b", float64(1)},
		"leaf": "c",
	})

	out := v.Walk(func(leaf Value) Value {
		if s, ok := leaf.String(); ok {
			return Of(s + "!")
		}
		return leaf
	})

	raw := out.Raw().(map[string]interface{})
	list := raw["list"].([]interface{})
	if list[0] != "a!" || list[1] != "b!" {
		t.Errorf("unexpected walked list: %v", list)
	}
	if list[2] != float64(1) {
		t.Error("number leaf should be untouched")
	}
	if raw["leaf"] != "c!" {
		t.Errorf("unexpected leaf: %v", raw["leaf"])
	}
}

func TestRoundTrip(t *testing.T) {
	original := map[string]interface{}{
		"a": "x",
		"b": float64(2),
		"c": true,
		"d": nil,
		"e": []interface{}{"y", float64(3)},
	}
	got := Of(original).Raw()
	m, ok := got.(map[string]interface{})
	if !ok {
		t.Fatal("expected map back")
	}
	if m["a"] != "x" || m["b"] != float64(2) || m["c"] != true || m["d"] != nil {
		t.Errorf("round trip mismatch: %#v", m)
	}
}
