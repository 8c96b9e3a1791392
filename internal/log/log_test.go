package log

import (
	"reflect"
	"testing"
)

func TestSetLevelString(t *testing.T) {
	for _, in := range []string{"debug", "INFO", "", "warning", "warn", "error"} {
		if err := SetLevelString(in); err != nil {
			t.Fatalf("SetLevelString(%q) unexpected error: %v", in, err)
		}
	}
	if err := SetLevelString("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	SetLevel(LevelInfo)
}

func TestPairsSkipsMalformedKeys(t *testing.T) {
	got := pairs("a", 1, 2, "x", "b", true, "dangling")
	want := []any{"a", 1, "b", true}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("pairs() = %v, want %v", got, want)
	}
}
