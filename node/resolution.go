package node

import (
	"net"
	"strconv"

	"go.uber.org/zap"

	"slate.dev/node/core"
	"slate.dev/node/node/p2p"
)

// resolveChain runs the initiator side of the chain-resolution protocol
// against the peer that announced the block the floating chain was spawned
// from: fetch the peer's header-only chain, merge it against local state,
// then fetch the missing bodies in order over the same connection. Every
// failure path abandons the floating chain and leaves the current chain
// untouched.
func (n *Node) resolveChain(peerAddr string, floating *core.Chain) {
	log := n.log.With(zap.String("peer", peerAddr))

	conn, err := net.Dial("tcp", net.JoinHostPort(peerAddr, strconv.Itoa(n.cfg.RequestPort)))
	if err != nil {
		log.Error("resolution dial failed", zap.Error(err))
		n.miner.RemoveFloatingChain(floating)
		return
	}
	defer conn.Close()

	log.Debug("requesting resolution chain")
	req := core.Request{Type: core.RESOLUTION}
	if err := p2p.WriteFrame(conn, req.Encode()); err != nil {
		log.Error("sending resolution request", zap.Error(err))
		n.miner.RemoveFloatingChain(floating)
		return
	}

	resData, err := p2p.ReadFrame(conn)
	if err != nil {
		log.Error("receiving resolution chain", zap.Error(err))
		n.miner.RemoveFloatingChain(floating)
		return
	}
	res, err := core.DecodeChain(resData, false)
	if err != nil {
		log.Error("decoding resolution chain", zap.Error(err))
		n.miner.RemoveFloatingChain(floating)
		return
	}

	// The miner drops the floating chain itself when the merge result is
	// not viable.
	if !n.miner.ReceiveResolutionChain(floating, res) {
		log.Debug("resolution chain rejected")
		return
	}

	n.resolveBlocks(conn, floating, log)
}

// resolveBlocks runs the second phase: fetch bodies for every body-less
// index, in order, over the already-open connection.
func (n *Node) resolveBlocks(conn net.Conn, floating *core.Chain, log *zap.Logger) {
	indices := n.miner.ResolutionBlockIndices(floating)
	if len(indices) == 0 {
		n.miner.ReceiveCompleteChain(floating)
		return
	}

	log.Debug("requesting block bodies", zap.Int("count", len(indices)))
	msg := core.BlockResolutionMessage{Indices: make([]uint32, 0, len(indices))}
	for _, idx := range indices {
		msg.Indices = append(msg.Indices, uint32(idx))
	}
	req := core.Request{Type: core.BLOCK_RESOLUTION, Message: msg.Encode()}
	if err := p2p.WriteFrame(conn, req.Encode()); err != nil {
		log.Error("sending block resolution request", zap.Error(err))
		n.miner.RemoveFloatingChain(floating)
		return
	}

	for _, idx := range indices {
		blockData, err := p2p.ReadFrame(conn)
		if err != nil {
			// The peer closes the connection when an index was out of
			// range; either way the session is over.
			log.Error("connection closed while resolving block bodies", zap.Error(err))
			n.miner.RemoveFloatingChain(floating)
			return
		}
		if len(blockData) == 0 {
			log.Error("peer aborted block resolution")
			n.miner.RemoveFloatingChain(floating)
			return
		}
		block, err := core.DecodeBlock(blockData, true)
		if err != nil {
			log.Error("decoding resolution block", zap.Error(err))
			n.miner.RemoveFloatingChain(floating)
			return
		}
		if !n.miner.ReceiveResolutionBlock(block, idx, floating) {
			log.Error("resolution block failed validation", zap.Int("index", idx))
			n.miner.RemoveFloatingChain(floating)
			return
		}
	}

	log.Debug("resolution complete")
	n.miner.ReceiveCompleteChain(floating)
}
