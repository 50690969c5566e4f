package hostbridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gorilla/websocket"
)

const peerWriteTimeout = 10 * time.Second

type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) write(messageType int, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(messageType, payload)
}

// HostServer is the host end of the channel. Every frame a peer sends is relayed to all
// connected peers, the sender included, and to local subscribers. HostServer is itself a
// Channel, so the host side can answer requests in-process (see Responder).
type HostServer struct {
	upgrader websocket.Upgrader
	format   FrameFormat
	logger   log.Logger
	subs     subscribers

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
}

// NewHostServer ...
func NewHostServer(format FrameFormat, logger log.Logger) *HostServer {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &HostServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		format: format,
		logger: logger,
		peers:  map[*peer]struct{}{},
	}
}

// ServeHTTP upgrades the request and relays the peer's frames until it disconnects.
func (s *HostServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Failed to upgrade connection from %s: %s", r.RemoteAddr, err)
		return
	}

	p := &peer{conn: conn}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	s.logger.Debugf("Peer %s connected", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Debugf("Peer %s disconnected", r.RemoteAddr)
	}()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := decodeFrame(messageType, payload)
		if err != nil {
			s.logger.Debugf("Dropping frame from %s: %s", r.RemoteAddr, err)
			continue
		}
		s.broadcast(messageType, payload)
		s.subs.deliver(msg)
	}
}

// Send writes msg to every peer and delivers it to local subscribers.
func (s *HostServer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	messageType, payload, err := encodeFrame(s.format, msg)
	if err != nil {
		return err
	}
	s.broadcast(messageType, payload)
	s.subs.deliver(msg)
	return nil
}

// Subscribe ...
func (s *HostServer) Subscribe(handler func(Message)) func() {
	return s.subs.add(handler)
}

// Peers returns the number of connected peers.
func (s *HostServer) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close disconnects every peer and makes further sends fail.
func (s *HostServer) Close() error {
	s.mu.Lock()
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(closeGracePeriod))
		_ = p.conn.Close()
	}
	return nil
}

func (s *HostServer) broadcast(messageType int, payload []byte) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.write(messageType, payload); err != nil {
			s.logger.Debugf("Failed to relay frame to peer: %s", err)
		}
	}
}
