package p2p

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PeerKey identifies a pool entry. The same node id reappearing from a new
// address is a distinct entry; the stale one ages out.
type PeerKey struct {
	NodeID uint32
	Addr   string
}

// PeerPool is the soft-state membership table. Entries are refreshed by
// heartbeats and evicted by the janitor once they outlive the timeout.
type PeerPool struct {
	selfID          uint32
	cleanupInterval time.Duration
	timeout         time.Duration
	log             *zap.Logger
	now             func() time.Time

	mu    sync.Mutex
	peers map[PeerKey]time.Time
}

func NewPeerPool(selfID uint32, cleanupInterval, timeout time.Duration, log *zap.Logger) *PeerPool {
	if log == nil {
		log = zap.NewNop()
	}
	return &PeerPool{
		selfID:          selfID,
		cleanupInterval: cleanupInterval,
		timeout:         timeout,
		log:             log,
		now:             time.Now,
		peers:           make(map[PeerKey]time.Time),
	}
}

// Add upserts a peer's last-seen time. Announcements from this node itself
// are ignored.
func (p *PeerPool) Add(nodeID uint32, addr string) {
	if nodeID == p.selfID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[PeerKey{NodeID: nodeID, Addr: addr}] = p.now()
	p.log.Debug("peer refreshed", zap.Uint32("node_id", nodeID), zap.String("addr", addr))
}

func (p *PeerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// Snapshot returns the current membership.
func (p *PeerPool) Snapshot() []PeerKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PeerKey, 0, len(p.peers))
	for key := range p.peers {
		out = append(out, key)
	}
	return out
}

// Multicast sends data as one UDP datagram to every pooled peer on the
// given port. Send failures are logged per peer and do not stop the sweep.
func (p *PeerPool) Multicast(data []byte, port int) {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		p.log.Error("multicast socket", zap.Error(err))
		return
	}
	defer conn.Close()

	for _, key := range p.Snapshot() {
		dest, err := net.ResolveUDPAddr("udp", net.JoinHostPort(key.Addr, strconv.Itoa(port)))
		if err != nil {
			p.log.Error("multicast resolve", zap.String("addr", key.Addr), zap.Error(err))
			continue
		}
		if _, err := conn.WriteTo(data, dest); err != nil {
			p.log.Error("multicast send", zap.String("addr", key.Addr), zap.Error(err))
		}
	}
}

// Janitor evicts expired entries every cleanup interval until ctx is done.
func (p *PeerPool) Janitor(ctx context.Context) {
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Cleanup()
		}
	}
}

// Cleanup removes entries older than the timeout.
func (p *PeerPool) Cleanup() {
	cutoff := p.now().Add(-p.timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, last := range p.peers {
		if last.Before(cutoff) {
			delete(p.peers, key)
			p.log.Debug("peer expired", zap.Uint32("node_id", key.NodeID), zap.String("addr", key.Addr))
		}
	}
}
