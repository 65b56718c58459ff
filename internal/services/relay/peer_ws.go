package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
)

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 64 << 10
	closeGraceWait = time.Second
)

// WSConfig tunes the WebSocket endpoint.
type WSConfig struct {
	AllowedOrigins []string
	PingInterval   time.Duration // 0 disables server pings
}

// WSServer upgrades HTTP requests and pumps frames between sockets and the hub.
type WSServer struct {
	hub      *Hub
	upgrader websocket.Upgrader
	ping     time.Duration
	log      zerolog.Logger
	wg       sync.WaitGroup
}

func NewWSServer(hub *Hub, cfg WSConfig, log zerolog.Logger) *WSServer {
	return &WSServer{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		ping: cfg.PingInterval,
		log:  log.With().Str("component", "ws").Logger(),
	}
}

// originChecker accepts requests without an Origin header (devices) and
// browsers whose origin is listed. A "*" entry allows everything.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// ServeHTTP runs one peer connection until it closes.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	conn.SetReadLimit(maxFrameBytes)
	t := &wsTransport{conn: conn}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := s.hub.Connect(ctx, t, PeerOptions{Role: model.RoleUnknown, Remote: r.RemoteAddr})
	defer s.hub.Disconnect(id)

	if s.ping > 0 {
		go t.keepalive(ctx, s.ping)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug().Err(err).Str("peer", id).Msg("read failed")
			}
			return
		}
		s.hub.HandleFrame(id, data)
	}
}

// Wait blocks until every connection handled by s has finished.
func (s *WSServer) Wait() { s.wg.Wait() }

// wsTransport adapts a gorilla connection to Transport. Data frames are
// written by the registry's writer goroutine only; control frames use
// WriteControl, which gorilla allows concurrently.
type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) WriteFrame(ctx context.Context, frame []byte) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGraceWait))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *wsTransport) keepalive(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					_ = t.Close()
				}
				return
			}
		}
	}
}
