package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/marketplace-saga/internal/domain"
)

// RequestHandler processes one raw request payload and returns the raw
// response payload, or nil for no reply. Payloads stay opaque here so that
// idempotent replays can return the cached bytes verbatim.
type RequestHandler func(ctx context.Context, payload []byte) []byte

// Dealer is the seller side of the transport. It connects to the coordinator
// with a stable identity, serves incoming requests through the handler, and
// emits periodic heartbeats that never occupy the pending-request table.
type Dealer struct {
	id                string
	addr              string
	heartbeatInterval time.Duration
	handler           RequestHandler
}

// NewDealer builds a dealer for one seller identity.
func NewDealer(id, addr string, heartbeatInterval time.Duration, handler RequestHandler) *Dealer {
	return &Dealer{id: id, addr: addr, heartbeatInterval: heartbeatInterval, handler: handler}
}

// Run connects and serves until ctx is cancelled, redialing with exponential
// backoff after connection loss.
func (d *Dealer) Run(ctx context.Context) error {
	redial := backoff.NewExponentialBackOff()
	redial.MaxElapsedTime = 0 // keep retrying until cancelled
	for {
		conn, err := net.Dial("tcp", d.addr)
		if err != nil {
			wait := redial.NextBackOff()
			slog.Warn("dial coordinator failed",
				slog.String("addr", d.addr),
				slog.Duration("redial_in", wait),
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}
		redial.Reset()
		slog.Info("connected to coordinator", slog.String("seller_id", d.id), slog.String("addr", d.addr))
		d.serve(ctx, conn)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (d *Dealer) serve(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	var wmu sync.Mutex
	write := func(payload []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		return writeEnvelope(conn, d.id, payload)
	}

	// The first heartbeat registers this identity with the router.
	if err := d.sendHeartbeat(write); err != nil {
		slog.Warn("initial heartbeat failed", slog.Any("error", err))
		return
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(d.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-serveCtx.Done():
				return
			case <-ticker.C:
				if err := d.sendHeartbeat(write); err != nil {
					slog.Warn("heartbeat failed", slog.Any("error", err))
					return
				}
			}
		}
	}()
	go func() {
		<-serveCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, payload, err := readEnvelope(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConn(err) {
				slog.Warn("coordinator connection failed", slog.Any("error", err))
			}
			return
		}
		go func(payload []byte) {
			resp := d.handler(serveCtx, payload)
			if resp == nil {
				return
			}
			if err := write(resp); err != nil {
				slog.Warn("response write failed", slog.Any("error", err))
			}
		}(payload)
	}
}

func (d *Dealer) sendHeartbeat(write func([]byte) error) error {
	hb := domain.NewMessage(domain.MessageHeartbeat, d.id, domain.MessageData{})
	payload, err := domain.EncodeMessage(hb)
	if err != nil {
		return err
	}
	return write(payload)
}
