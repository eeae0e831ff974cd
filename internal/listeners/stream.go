package listeners

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/weirlabs/weir/core/events"
	"github.com/weirlabs/weir/internal/observability"
)

const streamWriteTimeout = 5 * time.Second

// StreamConfig tunes the live event stream.
type StreamConfig struct {
	// SendBuffer is the per-client frame buffer; frames beyond it are dropped.
	SendBuffer int
	// RatePerSecond caps frames written to each client. Zero disables the cap.
	RatePerSecond float64
	// RateBurst is the limiter burst size when a rate is set.
	RateBurst int
}

// StreamListener fans lifecycle events out to WebSocket subscribers. Slow
// clients lose frames rather than stalling the bus consumer.
type StreamListener struct {
	cfg StreamConfig

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool

	dropped atomic.Uint64
}

type streamClient struct {
	conn    *websocket.Conn
	frames  chan []byte
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once
}

// NewStreamListener constructs a listener with no connected clients.
func NewStreamListener(cfg StreamConfig) *StreamListener {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	return &StreamListener{
		cfg:     cfg,
		clients: make(map[*streamClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams frames until the client leaves.
func (s *StreamListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observability.Log().Warn("stream accept failed",
			observability.Field{Key: "remote", Value: r.RemoteAddr},
			observability.Field{Key: "error", Value: err},
		)
		return
	}

	client := &streamClient{
		conn:   conn,
		frames: make(chan []byte, s.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	if s.cfg.RatePerSecond > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.RateBurst)
	}

	if !s.register(client) {
		_ = conn.Close(websocket.StatusGoingAway, "stream closed")
		return
	}
	defer s.unregister(client)

	// Reads are discarded; the read loop only notices disconnects.
	go func() {
		defer client.stop()
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}()

	s.writeLoop(r.Context(), client)
}

// OnPipelineEvent encodes the event once and offers it to every client.
func (s *StreamListener) OnPipelineEvent(_ context.Context, evt events.Event) error {
	frame, err := events.Encode(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		select {
		case client.frames <- frame:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// Dropped reports frames discarded because a client buffer was full.
func (s *StreamListener) Dropped() uint64 {
	return s.dropped.Load()
}

// ClientCount reports the number of connected subscribers.
func (s *StreamListener) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every subscriber and rejects future connections.
func (s *StreamListener) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*streamClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.clients = make(map[*streamClient]struct{})
	s.mu.Unlock()

	for _, client := range clients {
		client.stop()
		if client.conn != nil {
			_ = client.conn.Close(websocket.StatusGoingAway, "stream closed")
		}
	}
}

func (s *StreamListener) register(client *streamClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[client] = struct{}{}
	return true
}

func (s *StreamListener) unregister(client *streamClient) {
	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()
	client.stop()
	if client.conn != nil {
		_ = client.conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (s *StreamListener) writeLoop(ctx context.Context, client *streamClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			return
		case frame := <-client.frames:
			if client.limiter != nil {
				if err := client.limiter.Wait(ctx); err != nil {
					return
				}
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := client.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *streamClient) stop() {
	c.once.Do(func() { close(c.done) })
}
