package p2p

import (
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// RequestServer accepts framed peer connections and routes every frame on
// each connection. One goroutine per connection; frames on one connection
// are handled in order, which the resolution protocol relies on.
type RequestServer struct {
	ln     net.Listener
	router *Router
	log    *zap.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func ListenRequestTCP(addr string, router *Router, log *zap.Logger) (*RequestServer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &RequestServer{
		ln:     ln,
		router: router,
		log:    log,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *RequestServer) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *RequestServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ln.Close()
	})
	s.wg.Wait()
	return err
}

func (s *RequestServer) acceptLoop() {
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

func (s *RequestServer) serveConn(conn net.Conn) {
	defer conn.Close()
	h := &tcpHandler{conn: conn}
	for {
		data, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("connection ended", zap.String("peer", h.ClientAddr()), zap.Error(err))
			}
			return
		}
		s.router.Route(data, h)
	}
}

type tcpHandler struct {
	conn net.Conn
}

func (h *tcpHandler) ClientAddr() string {
	host, _, err := net.SplitHostPort(h.conn.RemoteAddr().String())
	if err != nil {
		return h.conn.RemoteAddr().String()
	}
	return host
}

func (h *tcpHandler) Send(data []byte) error {
	_, err := h.conn.Write(data)
	return err
}

func (h *tcpHandler) Close() error {
	return h.conn.Close()
}

// DatagramServer receives framed peer requests over UDP, one framed
// segment per datagram, and routes each on its own goroutine.
type DatagramServer struct {
	conn   *net.UDPConn
	router *Router
	log    *zap.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func ListenRequestUDP(addr string, router *Router, log *zap.Logger) (*DatagramServer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	s := &DatagramServer{
		conn:   conn,
		router: router,
		log:    log,
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func (s *DatagramServer) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *DatagramServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	s.wg.Wait()
	return err
}

func (s *DatagramServer) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("udp read", zap.Error(err))
			}
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go s.serveDatagram(datagram, raddr)
	}
}

func (s *DatagramServer) serveDatagram(datagram []byte, raddr *net.UDPAddr) {
	data, err := SplitDatagram(datagram)
	if err != nil {
		s.log.Error("dropping malformed datagram", zap.String("peer", raddr.IP.String()), zap.Error(err))
		return
	}
	s.router.Route(data, &udpHandler{conn: s.conn, raddr: raddr})
}

type udpHandler struct {
	conn  *net.UDPConn
	raddr *net.UDPAddr
}

func (h *udpHandler) ClientAddr() string {
	return h.raddr.IP.String()
}

func (h *udpHandler) Send(data []byte) error {
	_, err := h.conn.WriteToUDP(data, h.raddr)
	return err
}

func (h *udpHandler) Close() error {
	return nil
}
