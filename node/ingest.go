package node

import (
	"bufio"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"slate.dev/node/core"
)

// IngestServer accepts line-delimited binary records from external clients.
// Each line, trailing newline included, becomes the blob of a fresh
// BlobMessage stamped with the receive time. There is no response channel.
type IngestServer struct {
	ln   net.Listener
	node *Node
	log  *zap.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func ListenIngest(addr string, node *Node, log *zap.Logger) (*IngestServer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &IngestServer{
		ln:   ln,
		node: node,
		log:  log,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *IngestServer) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *IngestServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ln.Close()
	})
	s.wg.Wait()
	return err
}

func (s *IngestServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("accept", zap.Error(err))
			}
			return
		}
		go s.serveConn(conn)
	}
}

func (s *IngestServer) serveConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			msg := core.BlobMessage{Timestamp: unixNow(), Blob: line}
			s.log.Debug("ingested blob", zap.Int("bytes", len(line)))
			s.node.handleBlob(msg.Encode(), nil)
		}
		if err != nil {
			return
		}
	}
}
