package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"time"
)

// PieceDownloadStrategy enumerates high-level piece selection policies.
//
// Only RarestFirst is wired into the Piece Controller; Sequential is kept
// as a named constant for Config callers that want to express intent, but
// a Sequential strategy is a spec Non-goal.
type PieceDownloadStrategy uint8

const (
	// PieceDownloadStrategyRarestFirst prioritizes pieces with the lowest
	// Availability, improving swarm health and resilience.
	PieceDownloadStrategyRarestFirst PieceDownloadStrategy = iota

	// PieceDownloadStrategySequential downloads pieces in ascending index
	// order. Great for simplicity and streaming/locality; not ideal for
	// swarm health.
	PieceDownloadStrategySequential
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ========== Identity / Paths ==========

	// DefaultDownloadDir is the default directory where NEW torrent files
	// are saved. Changing this only affects new torrents; existing torrents
	// continue downloading to their original location.
	DefaultDownloadDir string

	// ClientID is the unique identifier for our client.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	// ReadTimeout is the maximum time to wait for data from a peer before
	// considering the connection stalled.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending data to a peer
	// before considering the connection stalled.
	WriteTimeout time.Duration

	// DialTimeout is the maximum time to wait when establishing a new
	// connection to a peer.
	DialTimeout time.Duration

	// MaxPeers is the maximum number of concurrent peer connections
	// allowed.
	MaxPeers int

	// ========== Tracker / Announce ==========

	// NumWant is the maximum number of peers to request the tracker.
	NumWant uint32

	// AnnounceInterval overrides tracker's suggested interval.
	// 0 uses tracker default.
	AnnounceInterval time.Duration

	// MinAnnounceInterval enforces a minimum time between announces.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff for failed announces.
	MaxAnnounceBackoff time.Duration

	// Port is the TCP port reported to trackers in announces. The client
	// does not listen for incoming peer connections.
	Port uint16

	// PeerOutboundQueueBacklog is the maximum messages that peer can have
	// in its buffer. No component reads it: a Peer Session writes each
	// message directly, without an outbound buffer.
	PeerOutboundQueueBacklog int

	// ========== Piece Picker / Requests ==========

	// PieceDownloadStrategy names a piece ranking policy. No component
	// reads it; the Piece Controller always ranks rarest-first.
	PieceDownloadStrategy PieceDownloadStrategy

	// RequestTimeout is the baseline time after which an in-flight block
	// is considered timed-out and requeued by the periodic sweep.
	RequestTimeout time.Duration

	// RequestSweepInterval controls how often the timeout sweep runs.
	RequestSweepInterval time.Duration

	// ========== Keepalive / Heartbeats ==========

	// PeerInactivityDuration is the minimum interval after which a peer
	// connection is considered inactive.
	PeerInactivityDuration time.Duration

	// KeepAliveInterval is the interval to send keep-alive messages to the
	// peer.
	KeepAliveInterval time.Duration

	// ========== Miscellaneous ==========

	// EnableIPv6 is set from the IPv6 probe. No component reads it; peers
	// are dialed whatever their address family.
	EnableIPv6 bool

	// HasIPV6 keeps track of whether or not the system supports IPV6
	// addresses.
	HasIPV6 bool
}

// defaultConfig returns sensible defaults for most use cases.
func defaultConfig() (Config, error) {
	downloadDir := getDefaultDownloadDir()
	hasIPV6 := hasIPV6()

	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DefaultDownloadDir:       downloadDir,
		ClientID:                 clientID,
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             30 * time.Second,
		DialTimeout:              7 * time.Second,
		MaxPeers:                 50,
		NumWant:                  50,
		AnnounceInterval:         0,
		MinAnnounceInterval:      20 * time.Minute,
		MaxAnnounceBackoff:       45 * time.Minute,
		Port:                     6969,
		PeerOutboundQueueBacklog: 256,
		PieceDownloadStrategy:    PieceDownloadStrategyRarestFirst,
		RequestTimeout:           25 * time.Second,
		RequestSweepInterval:     5 * time.Second,
		PeerInactivityDuration:   2 * time.Minute,
		KeepAliveInterval:        90 * time.Second,
		EnableIPv6:               hasIPV6,
		HasIPV6:                  hasIPV6,
	}, nil
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() &&
				!ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

// getDefaultDownloadDir returns ./downloads under the current working
// directory; callers join the torrent's name onto this for the final path.
func getDefaultDownloadDir() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "./downloads"
	}
	return filepath.Join(cwd, "downloads")
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-LC0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
