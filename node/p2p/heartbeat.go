package p2p

import (
	"context"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"slate.dev/node/core"
)

// Heartbeat periodically announces this node's identity as a framed
// DISCOVERY request on the limited broadcast address.
type Heartbeat struct {
	nodeID   uint32
	port     int
	interval time.Duration
	log      *zap.Logger
}

func NewHeartbeat(nodeID uint32, port int, interval time.Duration, log *zap.Logger) *Heartbeat {
	if log == nil {
		log = zap.NewNop()
	}
	return &Heartbeat{
		nodeID:   nodeID,
		port:     port,
		interval: interval,
		log:      log,
	}
}

// Payload is the framed discovery announcement sent on every beat.
func (h *Heartbeat) Payload() []byte {
	msg := core.DiscoveryMessage{NodeID: h.nodeID}
	req := core.Request{Type: core.DISCOVERY, Message: msg.Encode()}
	return FrameSegment(req.Encode())
}

// Run broadcasts once immediately and then every interval until ctx is
// done.
func (h *Heartbeat) Run(ctx context.Context) error {
	conn, err := broadcastConn()
	if err != nil {
		return err
	}
	defer conn.Close()

	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: h.port}
	payload := h.Payload()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if _, err := conn.WriteTo(payload, dest); err != nil {
			h.log.Error("heartbeat send", zap.Error(err))
		} else {
			h.log.Debug("heartbeat sent", zap.Uint32("node_id", h.nodeID), zap.Int("port", h.port))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// broadcastConn opens a UDP socket with SO_BROADCAST enabled; sending to
// 255.255.255.255 is refused without it.
func broadcastConn() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, err
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}
	var soErr error
	if err := raw.Control(func(fd uintptr) {
		soErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		conn.Close()
		return nil, err
	}
	if soErr != nil {
		conn.Close()
		return nil, soErr
	}
	return conn, nil
}
