package node

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ReadbackServer serves block-body dumps to external clients. One decimal
// index per line; the response is an ASCII rendering of that block's body.
type ReadbackServer struct {
	ln   net.Listener
	node *Node
	log  *zap.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func ListenReadback(addr string, node *Node, log *zap.Logger) (*ReadbackServer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &ReadbackServer{
		ln:   ln,
		node: node,
		log:  log,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *ReadbackServer) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *ReadbackServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ln.Close()
	})
	s.wg.Wait()
	return err
}

func (s *ReadbackServer) acceptLoop() {
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

func (s *ReadbackServer) serveConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if len(strings.TrimSpace(line)) > 0 {
			s.respond(conn, strings.TrimSpace(line))
		}
		if err != nil {
			return
		}
	}
}

func (s *ReadbackServer) respond(conn net.Conn, line string) {
	idx, err := strconv.Atoi(line)
	if err != nil {
		fmt.Fprint(conn, "Error: Expected an integer.\n")
		return
	}
	block := s.node.miner.Block(idx)
	if block == nil {
		fmt.Fprint(conn, "Index out of bounds.\n")
		return
	}
	fmt.Fprintf(conn, "%d : %s", s.node.id, block.BodyASCII())
}
