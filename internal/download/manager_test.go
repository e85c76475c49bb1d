package download

import (
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/arjbhat/leech/internal/bitfield"
	"github.com/arjbhat/leech/internal/piece"
)

func makePiece(t *testing.T, size int, fill byte) ([]byte, [sha1.Size]byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = fill
	}
	return data, sha1.Sum(data)
}

func TestManager_BlockSizeSumsToPieceLength(t *testing.T) {
	dir := t.TempDir()
	pieceLen := int64(3 * BlockLength)
	total := pieceLen*2 + 10000 // second piece shorter than pieceLen

	_, h0 := makePiece(t, int(pieceLen), 0xAA)
	_, h1 := makePiece(t, int(total-pieceLen), 0xBB)

	m, err := NewManager(filepath.Join(dir, "out"), [][sha1.Size]byte{h0, h1}, pieceLen, total, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	for p := 0; p < 2; p++ {
		sum := 0
		n := m.BlockCount(p)
		for b := 0; b < n; b++ {
			sum += m.BlockSize(p, b)
		}
		if int64(sum) != m.PieceLengthAt(p) {
			t.Fatalf("piece %d: block sizes sum to %d, want %d", p, sum, m.PieceLengthAt(p))
		}
	}
}

func TestManager_PickWriteVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pieceLen := int64(2 * BlockLength)
	total := pieceLen

	data, hash := makePiece(t, int(pieceLen), 0x42)

	m, err := NewManager(filepath.Join(dir, "out"), [][sha1.Size]byte{hash}, pieceLen, total, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	bf := bitfield.New(1)
	bf.Set(0)

	seen := map[[2]int]bool{}
	for i := 0; i < 2; i++ {
		p, begin, length, ok := m.PickNextBlock(bf)
		if !ok {
			t.Fatalf("PickNextBlock #%d: expected a block", i)
		}
		key := [2]int{p, begin}
		if seen[key] {
			t.Fatalf("PickNextBlock returned duplicate (piece,begin) %v before completion", key)
		}
		seen[key] = true

		if err := m.WriteBlock(p, begin, data[begin:begin+length]); err != nil {
			t.Fatalf("WriteBlock: %v", err)
		}
	}

	if got := m.ctrl.Status(0); got != piece.StatusHave {
		t.Fatalf("piece status = %v, want Have", got)
	}

	if _, _, _, ok := m.PickNextBlock(bf); ok {
		t.Fatal("expected no more pickable blocks once the only piece is complete")
	}
}

func TestManager_HashMismatchResetsToOpen(t *testing.T) {
	dir := t.TempDir()
	pieceLen := int64(BlockLength)
	total := pieceLen

	_, wantHash := makePiece(t, int(pieceLen), 0x11)
	wrongData, _ := makePiece(t, int(pieceLen), 0x99)

	m, err := NewManager(filepath.Join(dir, "out"), [][sha1.Size]byte{wantHash}, pieceLen, total, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	bf := bitfield.New(1)
	bf.Set(0)

	p, begin, length, ok := m.PickNextBlock(bf)
	if !ok {
		t.Fatal("expected a pickable block")
	}

	if err := m.WriteBlock(p, begin, wrongData[:length]); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	dp, ok := m.downloading[0]
	if !ok {
		t.Fatal("piece should remain in the downloading set after a hash mismatch")
	}
	if dp.remaining != len(dp.states) {
		t.Fatalf("remaining = %d after mismatch, want %d (all blocks reset to Open)", dp.remaining, len(dp.states))
	}
}

func TestManager_VerifyResumeScenario(t *testing.T) {
	dir := t.TempDir()
	pieceLen := int64(BlockLength)
	total := pieceLen * 2

	data0, hash0 := makePiece(t, int(pieceLen), 0x7)
	_, hash1 := makePiece(t, int(pieceLen), 0x7) // garbage piece 1 won't match hash1

	path := filepath.Join(dir, "out")
	if err := os.WriteFile(path, append(data0, make([]byte, pieceLen)...), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	m, err := NewManager(path, [][sha1.Size]byte{hash0, hash1}, pieceLen, total, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if err := m.Verify(context.Background()); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Piece 0 should now be Have, piece 1 still Missing.
	bf := bitfield.New(2)
	bf.Set(0)
	bf.Set(1)
	p, ok := m.ctrl.Pick(bf)
	if !ok || p != 1 {
		t.Fatalf("after verify, Pick = (%d,%v), want (1,true) since only piece 1 is still Missing", p, ok)
	}

	// Running Verify again must be idempotent: still only piece 1 pickable.
	if err := m.Verify(context.Background()); err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	p2, ok2 := m.ctrl.Pick(bf)
	if !ok2 || p2 != 1 {
		t.Fatalf("after second verify, Pick = (%d,%v), want (1,true)", p2, ok2)
	}
}
