// Package relay fans the frame sequence of live display sessions out to
// WebSocket viewers.
package relay

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/uiregress/internal/metrics"
)

// ErrClosed is returned by Attach after Close
var ErrClosed = errors.New("relay closed")

// Close codes sent to viewers
const (
	CloseSessionEnded  = websocket.CloseNormalClosure
	CloseSlowConsumer  = websocket.ClosePolicyViolation
	CloseServerStopped = websocket.CloseGoingAway
)

// Source is a live frame producer, typically a display session
type Source interface {
	ID() string
	Subscribe() (<-chan []byte, func())
}

// Conn is the subset of *websocket.Conn the hub uses
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Config tunes viewer queues and keepalive
type Config struct {
	Buffer       int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub relays frames from sources to viewers. Each source is subscribed once
// no matter how many viewers watch it; each viewer has its own bounded queue.
type Hub struct {
	cfg     Config
	logger  logrus.FieldLogger
	metrics *metrics.Collector

	mu      sync.Mutex
	feeds   map[string]*feed
	viewers map[*Viewer]*feed
	closed  bool
}

type feed struct {
	source  Source
	viewers map[*Viewer]struct{}
	cancel  func()
}

// Viewer is one attached WebSocket client
type Viewer struct {
	ID       string
	SourceID string

	conn Conn
	send chan []byte
	done chan struct{}

	detachOnce  sync.Once
	closeCode   int
	closeReason string
}

// Done is closed once the viewer's connection has been closed
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

// CloseCode returns the code the viewer was closed with, zero while attached
func (v *Viewer) CloseCode() int {
	select {
	case <-v.done:
		return v.closeCode
	default:
		return 0
	}
}

// NewHub creates a hub. m may be nil.
func NewHub(cfg Config, logger logrus.FieldLogger, m *metrics.Collector) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		feeds:   make(map[string]*feed),
		viewers: make(map[*Viewer]*feed),
	}
}

// ServeViewer upgrades the request and relays source to it until either side ends
func (h *Hub) ServeViewer(w http.ResponseWriter, r *http.Request, source Source) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("failed to upgrade viewer connection")
		return err
	}

	v, err := h.Attach(conn, source)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseServerStopped, err.Error()),
			time.Now().Add(h.cfg.WriteTimeout))
		conn.Close()
		return err
	}
	<-v.Done()
	return nil
}

// Attach registers conn as a viewer of source and starts relaying
func (h *Hub) Attach(conn Conn, source Source) (*Viewer, error) {
	v := &Viewer{
		ID:       uuid.NewString(),
		SourceID: source.ID(),
		conn:     conn,
		send:     make(chan []byte, h.cfg.Buffer),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	f, ok := h.feeds[v.SourceID]
	if !ok {
		frames, cancel := source.Subscribe()
		f = &feed{source: source, viewers: make(map[*Viewer]struct{}), cancel: cancel}
		h.feeds[v.SourceID] = f
		go h.pump(f, frames)
	}
	f.viewers[v] = struct{}{}
	h.viewers[v] = f
	h.mu.Unlock()

	h.metrics.ViewerAttached()
	h.logger.WithFields(logrus.Fields{"viewer": v.ID, "session_id": v.SourceID}).Info("viewer attached")

	go h.writeLoop(v)
	go h.readLoop(v)
	return v, nil
}

// Detach closes v normally
func (h *Hub) Detach(v *Viewer) {
	h.detach(v, websocket.CloseNormalClosure, "detached")
}

// Viewers returns the number of viewers attached to a source
func (h *Hub) Viewers(sourceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.feeds[sourceID]; ok {
		return len(f.viewers)
	}
	return 0
}

// Close detaches every viewer and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	viewers := make([]*Viewer, 0, len(h.viewers))
	for v := range h.viewers {
		viewers = append(viewers, v)
	}
	h.mu.Unlock()

	for _, v := range viewers {
		h.detach(v, CloseServerStopped, "server shutting down")
		<-v.done
	}
}

// pump fans one source subscription out to the viewer queues
func (h *Hub) pump(f *feed, frames <-chan []byte) {
	var slow []*Viewer
	for frame := range frames {
		h.mu.Lock()
		for v := range f.viewers {
			select {
			case v.send <- frame:
			default:
				slow = append(slow, v)
			}
		}
		h.mu.Unlock()

		for _, v := range slow {
			h.detach(v, CloseSlowConsumer, "slow consumer")
		}
		slow = slow[:0]
	}

	h.mu.Lock()
	if h.feeds[f.source.ID()] == f {
		delete(h.feeds, f.source.ID())
	}
	remaining := make([]*Viewer, 0, len(f.viewers))
	for v := range f.viewers {
		remaining = append(remaining, v)
	}
	h.mu.Unlock()

	for _, v := range remaining {
		h.detach(v, CloseSessionEnded, "session ended")
	}
	f.cancel()
}

// detach removes v and closes its queue; the writer then sends the close frame
func (h *Hub) detach(v *Viewer, code int, reason string) {
	v.detachOnce.Do(func() {
		var unsubscribe func()

		h.mu.Lock()
		if f, ok := h.viewers[v]; ok {
			delete(h.viewers, v)
			delete(f.viewers, v)
			if len(f.viewers) == 0 && h.feeds[v.SourceID] == f {
				delete(h.feeds, v.SourceID)
				unsubscribe = f.cancel
			}
		}
		v.closeCode = code
		v.closeReason = reason
		close(v.send)
		h.mu.Unlock()

		// ends the pump, which then finds no viewers left
		if unsubscribe != nil {
			unsubscribe()
		}

		h.metrics.ViewerDetached(code == CloseSlowConsumer)
		h.logger.WithFields(logrus.Fields{
			"viewer":     v.ID,
			"session_id": v.SourceID,
			"code":       code,
			"reason":     reason,
		}).Info("viewer detached")
	})
}

func (h *Hub) writeLoop(v *Viewer) {
	defer close(v.done)

	var ping <-chan time.Time
	if h.cfg.PingInterval > 0 {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	broken := false
	for {
		select {
		case frame, ok := <-v.send:
			if !ok {
				if !broken {
					_ = v.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(v.closeCode, v.closeReason),
						time.Now().Add(h.cfg.WriteTimeout))
				}
				v.conn.Close()
				return
			}
			if broken {
				continue
			}
			_ = v.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := v.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				broken = true
				go h.detach(v, websocket.CloseAbnormalClosure, "write failed")
				continue
			}
			h.metrics.FrameRelayed()

		case <-ping:
			if broken {
				continue
			}
			if err := v.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				broken = true
				go h.detach(v, websocket.CloseAbnormalClosure, "ping failed")
			}
		}
	}
}

// readLoop discards viewer input and notices when the viewer goes away
func (h *Hub) readLoop(v *Viewer) {
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			h.detach(v, websocket.CloseNormalClosure, "viewer left")
			return
		}
	}
}
