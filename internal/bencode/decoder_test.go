package bencode

import (
	"reflect"
	"testing"
)

func TestDecode_OK(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  any
	}{
		{"string", "4:spam", "spam"},
		{"empty-string", "0:", ""},
		{"int-neg", "i-42e", int64(-42)},
		{"int-zero", "i0e", int64(0)},
		{"int-pos", "i42e", int64(42)},
		{"list-simple", "l4:spam4:eggse", []any{"spam", "eggs"}},
		{"list-nested", "ll4:spamee", []any{[]any{"spam"}}},
		{"dict", "d3:cow3:moo4:spam4:eggse", map[string]any{"cow": "moo", "spam": "eggs"}},
		{
			"nested-structures",
			"d4:listl1:a1:be4:dictd1:xi1eee",
			map[string]any{
				"list": []any{"a", "b"},
				"dict": map[string]any{"x": int64(1)},
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := NewDecoder([]byte(c.input))
			got, err := d.Decode()
			if err != nil {
				t.Fatalf("Decode(%q) error: %v", c.input, err)
			}
			if !reflect.DeepEqual(got, c.want) {
				t.Fatalf("Decode(%q) = %#v, want %#v", c.input, got, c.want)
			}
		})
	}
}

func TestDecodeErrors_IntegerFormat(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"leading-zero", "i042e"},
		{"negative-zero", "i-0e"},
		{"empty", "ie"},
		{"lone-dash", "i-e"},
		{"too-many-digits", "i99999999999999999999999999e"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := NewDecoder([]byte(c.input))
			if _, err := d.Decode(); err == nil {
				t.Fatalf("Decode(%q) expected error, got nil", c.input)
			}
		})
	}
}

func TestDecodeErrors_IntegerTooLong(t *testing.T) {
	d := NewDecoder([]byte("i1e"))
	d.maxDigits = 0

	if _, err := d.Decode(); err == nil {
		t.Fatal("expected error for integer exceeding maxDigits")
	}
}

func TestDecodeErrors_StringLength(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"leading-zero", "04:spam"},
		{"negative-len", "-1:a"},
		{"truncated-bytes", "10:short"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := NewDecoder([]byte(c.input))
			if _, err := d.Decode(); err == nil {
				t.Fatalf("Decode(%q) expected error, got nil", c.input)
			}
		})
	}
}

func TestDecodeErrors_TruncatedContainers(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"list", "l4:spam"},
		{"dict", "d3:cow3:moo"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := NewDecoder([]byte(c.input))
			if _, err := d.Decode(); err == nil {
				t.Fatalf("Decode(%q) expected error, got nil", c.input)
			}
		})
	}
}

func TestUnmarshal_OK(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  any
	}{
		{"string", "4:spam", "spam"},
		{"int", "i42e", int64(42)},
		{"list", "l1:a1:be", []any{"a", "b"}},
		{"dict", "d1:ai1ee", map[string]any{"a": int64(1)}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(c.input))
			if err != nil {
				t.Fatalf("Unmarshal(%q) error: %v", c.input, err)
			}
			if !reflect.DeepEqual(got, c.want) {
				t.Fatalf("Unmarshal(%q) = %#v, want %#v", c.input, got, c.want)
			}
		})
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"trailing", "i1ei2e"},
		{"empty", ""},
		{"decode-error", "i0Xe"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(c.input)); err == nil {
				t.Fatalf("Unmarshal(%q) expected error, got nil", c.input)
			}
		})
	}
}
