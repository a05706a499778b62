package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/marketplace-saga/internal/domain"
	"github.com/fairyhunter13/marketplace-saga/internal/observability"
)

// Router is the coordinator side of the transport. It accepts seller
// connections, learns each peer's identity from its first message, and
// matches responses to in-flight requests by correlation ID. There are no
// ordering guarantees between distinct correlation IDs.
type Router struct {
	id             string
	requestTimeout time.Duration

	ln net.Listener

	mu    sync.Mutex
	conns map[string]*peerConn

	// pending maps correlation ID to a one-shot result channel. The sender
	// inserts; the receive loop or the timeout removes, whichever observes
	// first via compare-and-remove (LoadAndDelete).
	pending      sync.Map
	pendingCount atomic.Int64

	heartbeats sync.Map // peer ID -> time.Time of last heartbeat

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type peerConn struct {
	conn net.Conn
	wmu  sync.Mutex // transmission is serialized per socket
}

// NewRouter binds the front-end endpoint and starts the accept loop. A bind
// failure is fatal initialization; callers exit non-zero.
func NewRouter(id, addr string, requestTimeout time.Duration) (*Router, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind router endpoint %s: %w", addr, err)
	}
	r := &Router{
		id:             id,
		requestTimeout: requestTimeout,
		ln:             ln,
		conns:          make(map[string]*peerConn),
		done:           make(chan struct{}),
	}
	r.wg.Add(1)
	go r.acceptLoop()
	slog.Info("router bound", slog.String("router_id", id), slog.String("addr", ln.Addr().String()))
	return r, nil
}

// Addr returns the bound listener address.
func (r *Router) Addr() string { return r.ln.Addr().String() }

func (r *Router) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			slog.Warn("accept failed", slog.Any("error", err))
			continue
		}
		r.wg.Add(1)
		go r.readLoop(conn)
	}
}

// readLoop is the single drain task for one peer socket. It registers the
// peer identity, absorbs heartbeats, and completes pending requests.
func (r *Router) readLoop(conn net.Conn) {
	defer r.wg.Done()
	defer func() { _ = conn.Close() }()
	for {
		identity, payload, err := readEnvelope(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConn(err) {
				slog.Warn("peer connection failed", slog.Any("error", err))
			}
			return
		}
		r.register(identity, conn)
		msg, err := domain.DecodeMessage(payload)
		if err != nil {
			// Malformed payloads are dropped; the awaiting request will time
			// out naturally.
			slog.Warn("discarding malformed payload",
				slog.String("peer", identity), slog.Any("error", err))
			continue
		}
		if msg.Type == domain.MessageHeartbeat {
			r.heartbeats.Store(identity, time.Now())
			continue
		}
		ch, ok := r.pending.LoadAndDelete(msg.CorrelationID)
		if !ok {
			slog.Debug("dropping late or unmatched response",
				slog.String("peer", identity),
				slog.String("correlation_id", msg.CorrelationID))
			continue
		}
		r.pendingCount.Add(-1)
		observability.PendingRequests.Dec()
		ch.(chan domain.Message) <- msg
	}
}

func (r *Router) register(identity string, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.conns[identity]
	if !ok || pc.conn != conn {
		if ok {
			_ = pc.conn.Close()
		}
		r.conns[identity] = &peerConn{conn: conn}
		slog.Info("peer connected", slog.String("peer", identity))
	}
}

func (r *Router) peer(identity string) *peerConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[identity]
}

// Request sends msg to the named peer and waits for the correlated response.
// A fresh correlation ID is assigned per call; the message ID is assigned
// only if absent so it stays stable across retries of the same logical
// request. Late responses after the timeout are dropped by the read loop.
func (r *Router) Request(ctx context.Context, peerID string, msg *domain.Message) (domain.Message, error) {
	select {
	case <-r.done:
		return domain.Message{}, fmt.Errorf("request to %s: %w", peerID, domain.ErrShutdown)
	default:
	}

	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	msg.CorrelationID = uuid.NewString()
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	pc := r.peer(peerID)
	if pc == nil {
		return domain.Message{}, fmt.Errorf("peer %s not connected: %w", peerID, domain.ErrSendFailure)
	}
	payload, err := domain.EncodeMessage(*msg)
	if err != nil {
		return domain.Message{}, err
	}

	ch := make(chan domain.Message, 1)
	r.pending.Store(msg.CorrelationID, ch)
	r.pendingCount.Add(1)
	observability.PendingRequests.Inc()

	pc.wmu.Lock()
	err = writeEnvelope(pc.conn, peerID, payload)
	pc.wmu.Unlock()
	if err != nil {
		r.drop(msg.CorrelationID)
		return domain.Message{}, fmt.Errorf("send to %s: %v: %w", peerID, err, domain.ErrSendFailure)
	}

	timer := time.NewTimer(r.requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		r.drop(msg.CorrelationID)
		return domain.Message{}, fmt.Errorf("request to %s after %s: %w", peerID, r.requestTimeout, domain.ErrTimeout)
	case <-ctx.Done():
		r.drop(msg.CorrelationID)
		return domain.Message{}, ctx.Err()
	case <-r.done:
		r.drop(msg.CorrelationID)
		return domain.Message{}, fmt.Errorf("request to %s: %w", peerID, domain.ErrShutdown)
	}
}

func (r *Router) drop(correlationID string) {
	if _, ok := r.pending.LoadAndDelete(correlationID); ok {
		r.pendingCount.Add(-1)
		observability.PendingRequests.Dec()
	}
}

// PendingCount returns the number of requests awaiting a response.
func (r *Router) PendingCount() int {
	return int(r.pendingCount.Load())
}

// Peers returns each known peer with its last heartbeat time.
func (r *Router) Peers() map[string]time.Time {
	out := make(map[string]time.Time)
	r.heartbeats.Range(func(k, v any) bool {
		out[k.(string)] = v.(time.Time)
		return true
	})
	return out
}

// Close tears the router down: the listener stops, every outstanding request
// fails with a shutdown error, and all peer sockets are closed.
func (r *Router) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		_ = r.ln.Close()
		r.mu.Lock()
		for _, pc := range r.conns {
			_ = pc.conn.Close()
		}
		r.mu.Unlock()
	})
	r.wg.Wait()
	return nil
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
