package bencode

import (
	"reflect"
	"testing"
)

func TestMarshal_OK(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"string", "spam", "4:spam"},
		{"empty-string", "", "0:"},
		{"int", 42, "i42e"},
		{"neg-int", -42, "i-42e"},
		{"uint", uint(7), "i7e"},
		{"bool-true", true, "i1e"},
		{"bool-false", false, "i0e"},
		{"list", []any{"a", "b"}, "l1:a1:be"},
		{"dict-sorted", map[string]any{"b": "2", "a": "1"}, "d1:a1:11:b1:2e"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Marshal(c.in)
			if err != nil {
				t.Fatalf("Marshal(%#v) error: %v", c.in, err)
			}
			if string(got) != c.want {
				t.Fatalf("Marshal(%#v) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func TestMarshal_UnsupportedType(t *testing.T) {
	if _, err := Marshal(3.14); err == nil {
		t.Fatal("expected error encoding a float")
	}
}

func TestMarshal_NestedDictKeyOrder(t *testing.T) {
	in := map[string]any{
		"piece length": int64(16384),
		"name":         "file.bin",
		"length":       int64(100),
	}

	got, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	want := "d6:lengthi100e4:name8:file.bin12:piece lengthi16384ee"
	if string(got) != want {
		t.Fatalf("Marshal() = %q, want %q", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []any{
		"hello world",
		int64(12345),
		int64(-7),
		[]any{"a", int64(1), []any{"nested"}},
		map[string]any{"x": int64(1), "y": "two"},
	}

	for _, in := range cases {
		encoded, err := Marshal(in)
		if err != nil {
			t.Fatalf("Marshal(%#v) error: %v", in, err)
		}

		got, err := Unmarshal(encoded)
		if err != nil {
			t.Fatalf("Unmarshal(%q) error: %v", encoded, err)
		}

		if !reflect.DeepEqual(got, in) {
			t.Fatalf("round trip mismatch: got %#v, want %#v", got, in)
		}
	}
}
