package peer

import (
	"crypto/sha1"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arjbhat/leech/internal/bitfield"
	"github.com/arjbhat/leech/internal/download"
	"github.com/arjbhat/leech/internal/protocol"
	"github.com/arjbhat/leech/internal/signal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, blocks int) *download.Manager {
	t.Helper()
	dir := t.TempDir()
	pieceLen := int64(blocks * download.BlockLength)
	m, err := download.NewManager(
		filepath.Join(dir, "out"),
		[][sha1.Size]byte{{}},
		pieceLen,
		pieceLen,
		nil,
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func newTestSession(conn net.Conn, mgr *download.Manager) *Session {
	s := &Session{
		id:                "test",
		log:               testLogger(),
		conn:              conn,
		addr:              netip.MustParseAddrPort("127.0.0.1:6881"),
		mgr:               mgr,
		mu:                &sync.Mutex{},
		bus:               signal.NewBus(16),
		outstanding:       make(map[download.BlockRef]time.Time),
		lastActivity:      time.Now(),
		readTimeout:       time.Second,
		writeTimeout:      time.Second,
		keepAliveInterval: time.Minute,
	}
	s.peerChoking = false
	s.peerBitfield = bitfield.New(1)
	s.peerBitfield.Set(0)
	return s
}

// TestSession_TryRequestPipelinesUpToMax exercises a single piece whose
// block count exceeds MaxOutstanding: tryRequest must issue exactly
// MaxOutstanding Request messages and then stop, leaving the remainder of
// the piece's blocks Open in the Download Manager.
func TestSession_TryRequestPipelinesUpToMax(t *testing.T) {
	mgr := newTestManager(t, MaxOutstanding+10)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	s := newTestSession(client, mgr)

	requests := make(chan *protocol.Message, MaxOutstanding+10)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			server.SetReadDeadline(time.Now().Add(2 * time.Second))
			msg, err := protocol.ReadMessage(server)
			if err != nil {
				return
			}
			if protocol.IsKeepAlive(msg) {
				continue
			}
			if msg.ID == protocol.Request {
				requests <- msg
			}
		}
	}()

	s.tryRequest()

	time.Sleep(100 * time.Millisecond)
	server.Close()
	client.Close()
	<-readerDone
	close(requests)

	count := 0
	for range requests {
		count++
	}

	if count != MaxOutstanding {
		t.Fatalf("got %d Request messages, want %d", count, MaxOutstanding)
	}
	if len(s.outstanding) != MaxOutstanding {
		t.Fatalf("outstanding = %d, want %d", len(s.outstanding), MaxOutstanding)
	}
}

func TestSession_ChokeReleasesOutstanding(t *testing.T) {
	mgr := newTestManager(t, 5)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	s := newTestSession(client, mgr)

	go func() {
		for {
			server.SetReadDeadline(time.Now().Add(time.Second))
			if _, err := protocol.ReadMessage(server); err != nil {
				return
			}
		}
	}()

	s.tryRequest()
	if len(s.outstanding) == 0 {
		t.Fatal("expected some outstanding requests before choke")
	}

	if err := s.handle(protocol.MessageChoke()); err != nil {
		t.Fatalf("handle(choke): %v", err)
	}

	if len(s.outstanding) != 0 {
		t.Fatalf("outstanding after choke = %d, want 0", len(s.outstanding))
	}
	if !s.peerChoking {
		t.Fatal("peerChoking should be true after a Choke message")
	}
}

func TestSession_HaveGrowsPeerBitfield(t *testing.T) {
	mgr := newTestManager(t, 1)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	s := newTestSession(client, mgr)
	s.peerBitfield = nil // no Bitfield message received yet

	if err := s.handle(protocol.MessageHave(0)); err != nil {
		t.Fatalf("handle(have): %v", err)
	}

	if !s.peerBitfield.Has(0) {
		t.Fatal("peer bitfield should have piece 0 set after Have(0)")
	}
}
