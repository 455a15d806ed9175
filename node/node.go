package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"slate.dev/node/core"
	"slate.dev/node/node/p2p"
)

// Node composes the miner, the peer pool, the heartbeat and the listeners,
// and owns the request handlers.
type Node struct {
	cfg Config
	log *zap.Logger

	id        uint32
	miner     *Miner
	pool      *p2p.PeerPool
	heartbeat *p2p.Heartbeat
	router    *p2p.Router
	archive   *Archive

	tcp      *p2p.RequestServer
	udp      *p2p.DatagramServer
	ingest   *IngestServer
	readback *ReadbackServer
}

func NewNode(cfg Config, log *zap.Logger) (*Node, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if err := core.VerifyGenesis(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	n := &Node{
		cfg: cfg,
		log: log,
		id:  randomNodeID(),
	}
	n.miner = NewMiner(DefaultMinerConfig(), log.Named("miner"))
	n.miner.OnMined(n.blockMined)
	n.pool = p2p.NewPeerPool(n.id, cfg.CleanupInterval, cfg.PeerTimeout, log.Named("pool"))
	n.heartbeat = p2p.NewHeartbeat(n.id, cfg.RequestPort, cfg.HeartbeatInterval, log.Named("heartbeat"))

	n.router = p2p.NewRouter(log.Named("router"))
	n.router.Handle(core.BLOB, n.handleBlob)
	n.router.Handle(core.DISCOVERY, n.handleDiscovery)
	n.router.Handle(core.MINED_BLOCK, n.handleMinedBlock)
	n.router.Handle(core.RESOLUTION, n.handleResolution)
	n.router.Handle(core.BLOCK_RESOLUTION, n.handleBlockResolution)

	if cfg.ArchivePath != "" {
		archive, err := OpenArchive(cfg.ArchivePath, log.Named("archive"))
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		n.archive = archive
	}
	return n, nil
}

func (n *Node) ID() uint32 {
	return n.id
}

func (n *Node) Miner() *Miner {
	return n.miner
}

// Run opens all listeners, starts the background loops and blocks in the
// mining loop until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	var err error
	if n.tcp, err = p2p.ListenRequestTCP(listenAddr(n.cfg.RequestPort), n.router, n.log.Named("tcp")); err != nil {
		return fmt.Errorf("request tcp: %w", err)
	}
	if n.udp, err = p2p.ListenRequestUDP(listenAddr(n.cfg.RequestPort), n.router, n.log.Named("udp")); err != nil {
		n.shutdown()
		return fmt.Errorf("request udp: %w", err)
	}
	if n.ingest, err = ListenIngest(listenAddr(n.cfg.IngestPort), n, n.log.Named("ingest")); err != nil {
		n.shutdown()
		return fmt.Errorf("ingest: %w", err)
	}
	if n.readback, err = ListenReadback(listenAddr(n.cfg.ReadbackPort), n, n.log.Named("readback")); err != nil {
		n.shutdown()
		return fmt.Errorf("readback: %w", err)
	}

	go n.pool.Janitor(ctx)
	go func() {
		if err := n.heartbeat.Run(ctx); err != nil {
			n.log.Error("heartbeat stopped", zap.Error(err))
		}
	}()

	n.log.Info("node running",
		zap.Uint32("node_id", n.id),
		zap.Int("request_port", n.cfg.RequestPort),
		zap.Int("ingest_port", n.cfg.IngestPort),
		zap.Int("readback_port", n.cfg.ReadbackPort))

	n.miner.Mine(ctx)
	n.shutdown()
	return nil
}

func (n *Node) shutdown() {
	if n.tcp != nil {
		n.tcp.Close()
	}
	if n.udp != nil {
		n.udp.Close()
	}
	if n.ingest != nil {
		n.ingest.Close()
	}
	if n.readback != nil {
		n.readback.Close()
	}
	if n.archive != nil {
		n.archive.Close()
	}
}

// blockMined is the miner's mine-event callback: the block is already part
// of the current chain, so the advertised cost is always consistent with
// it.
func (n *Node) blockMined(block *core.Block, chainCost uint64) {
	msg := core.MinedBlockMessage{ChainCost: chainCost, Block: block.Encode(true)}
	req := core.Request{Type: core.MINED_BLOCK, Message: msg.Encode()}
	n.pool.Multicast(p2p.FrameSegment(req.Encode()), n.cfg.RequestPort)

	if n.archive != nil {
		if err := n.archive.PutBlock(block.CurHash(), block.Encode(true)); err != nil {
			n.log.Error("archive write", zap.Error(err))
		}
	}
}

// handleBlob admits an externally submitted blob and gossips it onward if
// it was new.
func (n *Node) handleBlob(data []byte, _ p2p.Handler) {
	if !n.miner.Add(data) {
		n.log.Debug("duplicate blob dropped")
		return
	}
	n.log.Debug("blob admitted, forwarding to peers")
	req := core.Request{Type: core.BLOB, Message: data}
	n.pool.Multicast(p2p.FrameSegment(req.Encode()), n.cfg.RequestPort)
}

// handleDiscovery refreshes the announcing peer's pool entry.
func (n *Node) handleDiscovery(data []byte, h p2p.Handler) {
	msg, err := core.DecodeDiscoveryMessage(data)
	if err != nil {
		n.log.Error("dropping undecodable discovery message", zap.Error(err))
		return
	}
	n.pool.Add(msg.NodeID, h.ClientAddr())
}

// handleMinedBlock hands a gossiped block to the miner; a spawned floating
// chain triggers resolution against the announcing peer on this handler's
// task.
func (n *Node) handleMinedBlock(data []byte, h p2p.Handler) {
	msg, err := core.DecodeMinedBlockMessage(data)
	if err != nil {
		n.log.Error("dropping undecodable mined block message", zap.Error(err))
		return
	}
	block, err := core.DecodeBlock(msg.Block, true)
	if err != nil {
		n.log.Error("dropping undecodable mined block", zap.Error(err))
		return
	}
	floating := n.miner.ReceiveBlock(block, msg.ChainCost)
	if floating == nil {
		return
	}
	n.resolveChain(h.ClientAddr(), floating)
}

// handleResolution serves this node's header-only chain on the same
// connection. Any BLOCK_RESOLUTION follow-up arrives as the next frame and
// is routed normally.
func (n *Node) handleResolution(_ []byte, h p2p.Handler) {
	if err := h.Send(p2p.FrameSegment(n.miner.ResolutionChain())); err != nil {
		n.log.Error("sending resolution chain", zap.Error(err))
	}
}

// handleBlockResolution streams the requested block bodies in order. An
// out-of-range index closes the connection mid-stream, which the initiator
// reads as an abort.
func (n *Node) handleBlockResolution(data []byte, h p2p.Handler) {
	msg, err := core.DecodeBlockResolutionMessage(data)
	if err != nil {
		n.log.Error("dropping undecodable block resolution message", zap.Error(err))
		return
	}
	for _, idx := range msg.Indices {
		blockData := n.miner.ResolutionBlock(int(idx))
		if blockData == nil {
			n.log.Error("block resolution index out of range, closing connection", zap.Uint32("index", idx))
			h.Close()
			return
		}
		if err := h.Send(p2p.FrameSegment(blockData)); err != nil {
			n.log.Error("sending resolution block", zap.Error(err))
			return
		}
	}
}

func listenAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

func randomNodeID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}
