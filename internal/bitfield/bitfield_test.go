package bitfield

import "testing"

func TestNew(t *testing.T) {
	cases := []struct {
		name  string
		nbits int
		want  int
	}{
		{"zero", 0, 0},
		{"exact byte", 8, 1},
		{"one over", 9, 2},
		{"pieces", 20, 3},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			bf := New(c.nbits)
			if len(bf) != c.want {
				t.Fatalf("New(%d) len = %d, want %d", c.nbits, len(bf), c.want)
			}
		})
	}
}

func TestSetHasClear(t *testing.T) {
	bf := New(20)

	if bf.Has(3) {
		t.Fatal("expected bit 3 unset initially")
	}

	if !bf.Set(3) {
		t.Fatal("Set(3) should report a change")
	}
	if !bf.Has(3) {
		t.Fatal("expected bit 3 set after Set")
	}
	if bf.Set(3) {
		t.Fatal("Set(3) again should report no change")
	}

	if !bf.Clear(3) {
		t.Fatal("Clear(3) should report a change")
	}
	if bf.Has(3) {
		t.Fatal("expected bit 3 unset after Clear")
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(10)

	if bf.Has(-1) || bf.Has(100) {
		t.Fatal("Has should be false for out-of-range index")
	}
	if bf.Set(-1) || bf.Set(100) {
		t.Fatal("Set should be a no-op for out-of-range index")
	}
	if bf.Clear(-1) || bf.Clear(100) {
		t.Fatal("Clear should be a no-op for out-of-range index")
	}
}

func TestFromBytesIndependence(t *testing.T) {
	src := []byte{0xA5}
	bf := FromBytes(src)
	src[0] = 0x00

	if !bf.Has(0) {
		t.Fatal("FromBytes must copy source bytes")
	}
}

func TestBytesIndependence(t *testing.T) {
	bf := New(8)
	bf.Set(0)

	b := bf.Bytes()
	b[0] = 0x00

	if !bf.Has(0) {
		t.Fatal("Bytes() must return a copy, not an alias")
	}
}

func TestString(t *testing.T) {
	bf := FromBytes([]byte{0xA5, 0x01})
	want := "1010010100000001"
	if got := bf.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestCountAnyEquals(t *testing.T) {
	bf := New(16)
	bf.Set(0)
	bf.Set(15)

	if bf.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", bf.Count())
	}
	if !bf.Any() {
		t.Fatal("Any() should be true")
	}

	other := New(16)
	other.Set(0)
	other.Set(15)
	if !bf.Equals(other) {
		t.Fatal("Equals should be true for identical bit patterns")
	}
}
