package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arjbhat/leech/internal/bitfield"
	"github.com/arjbhat/leech/internal/config"
	"github.com/arjbhat/leech/internal/download"
	"github.com/arjbhat/leech/internal/protocol"
	"github.com/arjbhat/leech/internal/signal"
)

// MaxOutstanding bounds the number of Request messages a Session keeps
// unanswered at once, per the peer-wire pipelining convention (libtorrent
// and most mainline clients default in the same 10-50 range).
const MaxOutstanding = 20

// SessionOpts configures a Session's construction. Manager and Mutex are
// shared by every Session of the same torrent: one mutex guards the
// Download Manager and its Piece Controller, per the single-lock discipline
// the Torrent Instance enforces across all of a torrent's sessions.
type SessionOpts struct {
	Log *slog.Logger

	InfoHash [sha1.Size]byte
	ClientID [sha1.Size]byte

	Manager *download.Manager
	Mutex   *sync.Mutex
	Bus     *signal.Bus
}

// Session owns one peer-wire connection from dial through close. Unlike the
// teacher's three-goroutine-per-peer design (separate read/write/rate-EMA
// loops feeding an outbox channel), a Session runs a single goroutine that
// reads a message, handles it, and writes any resulting Request/Interested
// replies in the same iteration. This matches the single-owner,
// single-mutex model the rest of the download path uses: there is no
// internal concurrency to race against.
type Session struct {
	id  string
	log *slog.Logger

	conn net.Conn
	addr netip.AddrPort

	mgr *download.Manager
	mu  *sync.Mutex
	bus *signal.Bus

	amInterested bool
	peerChoking  bool
	peerBitfield bitfield.Bitfield

	outstanding map[download.BlockRef]time.Time

	lastActivity      time.Time
	readTimeout       time.Duration
	writeTimeout      time.Duration
	keepAliveInterval time.Duration
	inactivityTimeout time.Duration
}

// Dial opens a TCP connection to addr, exchanges the handshake, and returns
// a Session ready for Run.
func Dial(ctx context.Context, addr netip.AddrPort, opts *SessionOpts) (*Session, error) {
	cfg := config.Load()

	conn, err := net.DialTimeout("tcp", addr.String(), cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	hs := protocol.NewHandshake(opts.InfoHash, opts.ClientID)
	if _, err := hs.Exchange(conn, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer: handshake %s: %w", addr, err)
	}

	return newSession(conn, addr, opts), nil
}

func newSession(conn net.Conn, addr netip.AddrPort, opts *SessionOpts) *Session {
	cfg := config.Load()
	id := uuid.NewString()

	return &Session{
		id:                id,
		log:               opts.Log.With("component", "peer_session", "addr", addr, "session", id),
		conn:              conn,
		addr:              addr,
		mgr:               opts.Manager,
		mu:                opts.Mutex,
		bus:               opts.Bus,
		outstanding:       make(map[download.BlockRef]time.Time),
		lastActivity:      time.Now(),
		readTimeout:       cfg.ReadTimeout,
		writeTimeout:      cfg.WriteTimeout,
		keepAliveInterval: cfg.KeepAliveInterval,
		inactivityTimeout: cfg.PeerInactivityDuration,
	}
}

// Run drives the session until the connection fails, the peer sends
// something unrecoverable, or ctx is cancelled. On return it always reports
// the session's last-known bitfield and any still-outstanding blocks back
// to the Download Manager so they can be released.
func (s *Session) Run(ctx context.Context, myBitfield bitfield.Bitfield) error {
	defer s.finish()

	if err := s.send(protocol.MessageBitfield(myBitfield.Bytes())); err != nil {
		return fmt.Errorf("peer: send bitfield: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if s.inactivityTimeout > 0 && time.Since(s.lastActivity) >= s.inactivityTimeout {
					return errors.New("peer: inactive too long")
				}
				if time.Since(s.lastActivity) >= s.keepAliveInterval {
					if err := s.send(nil); err != nil {
						return fmt.Errorf("peer: keepalive: %w", err)
					}
				}
				continue
			}
			return fmt.Errorf("peer: read: %w", err)
		}

		s.lastActivity = time.Now()

		if err := s.handle(msg); err != nil {
			return err
		}

		s.tryRequest()
	}
}

func (s *Session) handle(msg *protocol.Message) error {
	if protocol.IsKeepAlive(msg) {
		return nil
	}

	switch msg.ID {
	case protocol.Choke:
		s.peerChoking = true
		s.releaseOutstanding()

	case protocol.Unchoke:
		s.peerChoking = false

	case protocol.Interested, protocol.NotInterested:
		// We never upload in this client, so peer interest carries no
		// action beyond bookkeeping a future choke algorithm would need.

	case protocol.Have:
		idx, ok := msg.ParseHave()
		if !ok {
			return errors.New("peer: malformed have")
		}
		s.notePeerHas(int(idx))

		s.mu.Lock()
		s.mgr.ApplyHave(int(idx))
		s.mu.Unlock()

		s.bus.Send(signal.Event{Kind: signal.KindHave, Peer: s.addr, Piece: int(idx)})

	case protocol.Bitfield:
		bf := bitfield.FromBytes(msg.Payload)
		s.peerBitfield = bf

		s.mu.Lock()
		s.mgr.ApplyBitfield(bf)
		s.mu.Unlock()

		s.bus.Send(signal.Event{Kind: signal.KindBitfield, Peer: s.addr, Bitfield: bf.Bytes()})

	case protocol.Piece:
		idx, begin, block, ok := msg.ParsePiece()
		if !ok {
			return errors.New("peer: malformed piece")
		}
		ref := download.BlockRef{Piece: int(idx), Begin: int(begin)}
		delete(s.outstanding, ref)

		s.mu.Lock()
		err := s.mgr.WriteBlock(int(idx), int(begin), block)
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("write block failed", "piece", idx, "begin", begin, "error", err.Error())
		}

	case protocol.Request, protocol.Cancel:
		// Upload-serving is out of scope; we keep am_choking set and
		// never act on incoming requests.

	case protocol.Port:
		port, ok := msg.ParsePort()
		if !ok {
			return errors.New("peer: malformed port")
		}
		s.bus.Send(signal.Event{Kind: signal.KindPort, Peer: s.addr, Port: port})

	default:
		s.bus.Send(signal.Event{Kind: signal.KindUnknown, Peer: s.addr})
	}

	return nil
}

// notePeerHas records a single Have bit on our copy of the peer's bitfield,
// allocating it lazily for peers that sent no initial Bitfield message.
func (s *Session) notePeerHas(index int) {
	if s.peerBitfield == nil || index >= s.peerBitfield.Len() {
		grown := bitfield.New(index + 1)
		copy(grown, s.peerBitfield)
		s.peerBitfield = grown
	}
	s.peerBitfield.Set(index)
}

// tryRequest implements the try_request procedure: keep the pipeline to
// this peer filled up to MaxOutstanding Requests, provided the peer is not
// choking us and the shared Download Manager still has work for it.
func (s *Session) tryRequest() {
	if !s.amInterested {
		s.amInterested = true
		if err := s.send(protocol.MessageInterested()); err != nil {
			return
		}
	}

	if s.peerChoking {
		return
	}

	for len(s.outstanding) < MaxOutstanding {
		s.mu.Lock()
		piece, begin, length, ok := s.mgr.PickNextBlock(s.peerBitfield)
		s.mu.Unlock()
		if !ok {
			return
		}

		ref := download.BlockRef{Piece: piece, Begin: begin}
		s.outstanding[ref] = time.Now()

		if err := s.send(protocol.MessageRequest(uint32(piece), uint32(begin), uint32(length))); err != nil {
			return
		}
	}
}

// releaseOutstanding reopens every block this session still had in flight,
// used when the peer chokes us (most clients drop queued requests on
// choke) and on session close.
func (s *Session) releaseOutstanding() {
	s.mu.Lock()
	for ref := range s.outstanding {
		s.mgr.RequeueBlock(ref)
	}
	s.mu.Unlock()
	s.outstanding = make(map[download.BlockRef]time.Time)
}

func (s *Session) send(msg *protocol.Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return protocol.WriteMessage(s.conn, msg)
}

func (s *Session) finish() {
	s.releaseOutstanding()

	s.mu.Lock()
	if s.peerBitfield != nil {
		s.mgr.OnPeerGone(s.peerBitfield, nil)
	}
	s.mu.Unlock()

	s.bus.Send(signal.Event{Kind: signal.KindGone, Peer: s.addr, Bitfield: s.peerBitfield.Bytes()})

	s.conn.Close()
}
