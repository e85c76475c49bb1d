package torrent

import (
	"bytes"
	"crypto/sha1"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/arjbhat/leech/internal/bencode"
	"github.com/arjbhat/leech/internal/config"
	"github.com/arjbhat/leech/internal/tracker"
)

func mustInitConfig(t *testing.T) {
	t.Helper()
	if err := config.Init(); err != nil {
		t.Fatalf("config.Init: %v", err)
	}
}

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	mustInitConfig(t)

	return &Instance{
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		peers: make(map[netip.AddrPort]struct{}),
		admit: make(chan netip.AddrPort, 2),
	}
}

// testMetainfo returns a bencoded single-file metainfo with two pieces.
func testMetainfo(t *testing.T) []byte {
	t.Helper()

	var pieces bytes.Buffer
	pieces.Write(bytes.Repeat([]byte{0xAA}, sha1.Size))
	pieces.Write(bytes.Repeat([]byte{0xBB}, sha1.Size))

	root := map[string]any{
		"announce": "http://tracker.example/announce",
		"info": map[string]any{
			"name":         "testfile.bin",
			"piece length": int64(16384),
			"pieces":       pieces.Bytes(),
			"length":       int64(20000),
		},
	}

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal test metainfo: %v", err)
	}
	return data
}

func TestInstance_TryClaimDedupesAndCapsAtMaxPeers(t *testing.T) {
	inst := newTestInstance(t)
	config.Update(func(c *config.Config) { c.MaxPeers = 1 })

	a := netip.MustParseAddrPort("10.0.0.1:6881")
	b := netip.MustParseAddrPort("10.0.0.2:6881")

	if !inst.tryClaim(a) {
		t.Fatal("expected first claim to succeed")
	}
	if inst.tryClaim(a) {
		t.Fatal("expected duplicate claim to fail")
	}
	if inst.tryClaim(b) {
		t.Fatal("expected claim to fail once at MaxPeers")
	}

	inst.release(a)
	if !inst.tryClaim(b) {
		t.Fatal("expected claim to succeed after release freed a slot")
	}
}

func TestInstance_AdmitPeersDropsWhenQueueFull(t *testing.T) {
	inst := newTestInstance(t)

	addrs := []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:6881"),
		netip.MustParseAddrPort("10.0.0.2:6881"),
		netip.MustParseAddrPort("10.0.0.3:6881"),
	}
	inst.admitPeers(addrs)

	if got := len(inst.admit); got != cap(inst.admit) {
		t.Fatalf("admit queue length = %d, want %d (capacity, extra dropped)", got, cap(inst.admit))
	}
}

func TestInstance_BuildAnnounceParamsReflectsBytesLeft(t *testing.T) {
	dir := t.TempDir()
	mustInitConfig(t)

	mi := testMetainfo(t)

	inst, err := NewInstance([20]byte{1}, mi, dir)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	defer inst.Close()

	params := inst.buildAnnounceParams()
	if params.Left == 0 {
		t.Fatal("expected nonzero Left before any piece is downloaded")
	}
	if params.Event != tracker.EventStarted {
		t.Fatalf("Event = %v, want EventStarted", params.Event)
	}
}
