// Package torrent ties the protocol, piece-selection, download, and tracker
// packages together into one running download: the Torrent Instance.
package torrent

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arjbhat/leech/internal/config"
	"github.com/arjbhat/leech/internal/download"
	"github.com/arjbhat/leech/internal/meta"
	"github.com/arjbhat/leech/internal/peer"
	"github.com/arjbhat/leech/internal/signal"
	"github.com/arjbhat/leech/internal/tracker"
)

// dialWorkers bounds how many goroutines dial newly admitted addresses
// concurrently. Each dial only occupies a worker until the handshake
// completes; the resulting session then runs on its own detached
// goroutine, mirroring the teacher's peerDialerLoop/addPeer split.
const dialWorkers = 10

// Instance owns one torrent download end to end: the shared Download
// Manager (and, through it, the Piece Controller), the tracker, and the set
// of live Peer Sessions. mu is the single mutex guarding the Download
// Manager and Piece Controller across every Session this Instance runs, per
// the spec's one-lock discipline. Instance holds it for every mgr call that
// changes state; the read-only summaries BytesLeft and Done, and the
// startup Verify pass that runs before any session exists, are called
// without it and rely on the Piece Controller's own lock.
type Instance struct {
	Metainfo *meta.Metainfo

	clientID [sha1.Size]byte
	log      *slog.Logger

	mgr *download.Manager
	mu  *sync.Mutex
	bus *signal.Bus

	tr *tracker.Tracker

	admit chan netip.AddrPort

	peersMu sync.Mutex
	peers   map[netip.AddrPort]struct{}
	peersWG sync.WaitGroup
}

// NewInstance parses data as a metainfo file and builds an Instance ready
// for Run. downloadDir overrides the configured default download directory
// when non-empty.
func NewInstance(clientID [sha1.Size]byte, data []byte, downloadDir string) (*Instance, error) {
	mi, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, err
	}

	if downloadDir == "" {
		downloadDir = config.Load().DefaultDownloadDir
	}
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("torrent: create download dir: %w", err)
	}
	path := filepath.Join(downloadDir, mi.Info.Name)

	log := slog.Default().With("component", "torrent", "name", mi.Info.Name)

	mgr, err := download.NewManager(path, mi.Info.Pieces, int64(mi.Info.PieceLength), mi.Size(), log)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		Metainfo: mi,
		clientID: clientID,
		log:      log,
		mgr:      mgr,
		mu:       &sync.Mutex{},
		bus:      signal.NewBus(256),
		admit:    make(chan netip.AddrPort, config.Load().MaxPeers),
		peers:    make(map[netip.AddrPort]struct{}),
	}

	tr, err := tracker.NewTracker(mi.Announce, mi.AnnounceList, &tracker.TrackerOpts{
		Log:               log,
		OnAnnounceStart:   inst.buildAnnounceParams,
		OnAnnounceSuccess: inst.admitPeers,
	})
	if err != nil {
		mgr.Close()
		return nil, err
	}
	inst.tr = tr

	return inst, nil
}

// Run verifies any existing data on disk, then drives the tracker, peer
// dialers, request-timeout sweep, and status-event drain until ctx is
// cancelled or every piece is verified Have.
func (inst *Instance) Run(ctx context.Context) error {
	if err := inst.mgr.Verify(ctx); err != nil {
		return fmt.Errorf("torrent: verify: %w", err)
	}
	inst.log.Info("verify complete", "left", inst.mgr.BytesLeft())

	if inst.mgr.Done() {
		inst.log.Info("already complete")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error { return inst.tr.Run(runCtx) })
	g.Go(func() error {
		// sweepLoop returns once every piece is Have; stop the rest with it.
		err := inst.sweepLoop(runCtx)
		cancel()
		return err
	})
	g.Go(func() error { return inst.diagnosticsLoop(runCtx) })

	for i := 0; i < dialWorkers; i++ {
		g.Go(func() error { return inst.dialerLoop(runCtx) })
	}

	err := g.Wait()
	inst.peersWG.Wait()

	return err
}

// Close releases the backing file and the status-event bus.
func (inst *Instance) Close() error {
	inst.bus.Close()
	return inst.mgr.Close()
}

// Progress returns the fraction of the torrent (0 to 1) verified Have.
func (inst *Instance) Progress() float64 {
	total := inst.Metainfo.Size()
	if total == 0 {
		return 1
	}
	return 1 - float64(inst.mgr.BytesLeft())/float64(total)
}

func (inst *Instance) buildAnnounceParams() *tracker.AnnounceParams {
	left := inst.mgr.BytesLeft()

	event := tracker.EventStarted
	if left == 0 {
		event = tracker.EventCompleted
	}

	return &tracker.AnnounceParams{
		InfoHash: inst.Metainfo.InfoHash,
		PeerID:   inst.clientID,
		Left:     uint64(left),
		Port:     config.Load().Port,
		NumWant:  config.Load().NumWant,
		Event:    event,
	}
}

// admitPeers is the tracker's OnAnnounceSuccess hook: it enqueues newly
// discovered addresses for the dialer pool, dropping any that don't fit in
// the admit queue rather than blocking the announce loop.
func (inst *Instance) admitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case inst.admit <- addr:
		default:
			inst.log.Warn("admit queue full; dropping peer", "addr", addr)
		}
	}
}

// dialerLoop pulls addresses off the admit queue and dials them, subject to
// MaxPeers and de-duplication against already-live peers.
func (inst *Instance) dialerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case addr := <-inst.admit:
			inst.connectOne(ctx, addr)
		}
	}
}

func (inst *Instance) connectOne(ctx context.Context, addr netip.AddrPort) {
	if !inst.tryClaim(addr) {
		return
	}

	sess, err := peer.Dial(ctx, addr, &peer.SessionOpts{
		Log:      inst.log,
		InfoHash: inst.Metainfo.InfoHash,
		ClientID: inst.clientID,
		Manager:  inst.mgr,
		Mutex:    inst.mu,
		Bus:      inst.bus,
	})
	if err != nil {
		inst.release(addr)
		inst.log.Debug("dial failed", "addr", addr, "error", err.Error())
		return
	}

	inst.peersWG.Add(1)
	go inst.runSession(ctx, addr, sess)
}

// runSession runs one already-dialed session to completion on its own
// goroutine, detached from the dialer pool so a long-lived peer never ties
// up a dial worker.
func (inst *Instance) runSession(ctx context.Context, addr netip.AddrPort, sess *peer.Session) {
	defer inst.peersWG.Done()
	defer inst.release(addr)

	inst.mu.Lock()
	myBitfield := inst.mgr.Bitfield()
	inst.mu.Unlock()

	if err := sess.Run(ctx, myBitfield); err != nil {
		inst.log.Debug("session ended", "addr", addr, "error", err.Error())
	}
}

func (inst *Instance) tryClaim(addr netip.AddrPort) bool {
	inst.peersMu.Lock()
	defer inst.peersMu.Unlock()

	if _, dup := inst.peers[addr]; dup {
		return false
	}
	if len(inst.peers) >= config.Load().MaxPeers {
		return false
	}

	inst.peers[addr] = struct{}{}
	return true
}

func (inst *Instance) release(addr netip.AddrPort) {
	inst.peersMu.Lock()
	delete(inst.peers, addr)
	inst.peersMu.Unlock()
}

// sweepLoop periodically reclaims blocks whose Piece response never
// arrived, per the resolved request-timeout open question (§9), and exits
// once every piece is verified Have.
func (inst *Instance) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.Load().RequestSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			inst.mu.Lock()
			n := inst.mgr.Sweep(config.Load().RequestTimeout)
			inst.mu.Unlock()

			if n > 0 {
				inst.log.Debug("swept stale requests", "count", n)
			}

			if inst.mgr.Done() {
				return nil
			}
		}
	}
}

// diagnosticsLoop drains the status-event bus and logs anything that isn't
// already reflected in the shared Download Manager state (Bitfield/Have
// events drive mgr directly from the Peer Session; this loop only logs).
func (inst *Instance) diagnosticsLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-inst.bus.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case signal.KindGone:
				inst.log.Debug("peer gone", "addr", ev.Peer)
			case signal.KindPort:
				inst.log.Debug("peer advertised dht port", "addr", ev.Peer, "port", ev.Port)
			case signal.KindUnknown:
				inst.log.Debug("peer sent unrecognized message", "addr", ev.Peer)
			}
		}
	}
}
