// Package worker implements the coordinator connection loop: dial, announce
// capabilities, then serve jobs until the link drops and reconnect.
package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"workerbee/internal/config"
	"workerbee/internal/hwinfo"
	"workerbee/pkg/types"
)

// wireConn is the subset of a websocket connection the worker uses. Tests
// substitute an in-memory pipe.
type wireConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a connection to the coordinator.
type DialFunc func(ctx context.Context, url string) (wireConn, error)

func (w *Worker) gorillaDial(ctx context.Context, url string) (wireConn, error) {
	var hdr http.Header
	if w.cfg.AuthKey != "" {
		hdr = http.Header{"Authorization": {"Bearer " + w.cfg.AuthKey}}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// pause after a job in once mode, before shutting down.
var oncePause = time.Second

type Worker struct {
	cfg  config.Config
	caps *hwinfo.Reporter
	slot *Slot
	log  zerolog.Logger
	dial DialFunc

	stopped    atomic.Bool
	connected  atomic.Bool
	jobsServed atomic.Uint64
	started    time.Time
}

func New(cfg config.Config, caps *hwinfo.Reporter, slot *Slot, log zerolog.Logger) *Worker {
	w := &Worker{
		cfg:     cfg,
		caps:    caps,
		slot:    slot,
		log:     log,
		started: time.Now(),
	}
	w.dial = w.gorillaDial
	return w
}

// SetDial overrides the dialer. Intended for tests.
func (w *Worker) SetDial(d DialFunc) { w.dial = d }

// Run connects to the coordinator and serves jobs until ctx is cancelled or
// Stop is called. Dial failures and dropped connections back off and retry
// indefinitely.
func (w *Worker) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.stopped.Load() {
			return nil
		}

		conn, err := w.dial(ctx, w.cfg.CoordinatorURL)
		if err != nil {
			wait := bo.NextBackOff()
			w.log.Warn().Err(err).Dur("retry_in", wait).Str("url", w.cfg.CoordinatorURL).Msg("dial coordinator failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		connectsTotal.Inc()
		connectedGauge.Set(1)
		w.connected.Store(true)
		w.log.Info().Str("url", w.cfg.CoordinatorURL).Msg("connected to coordinator")

		err = w.serve(ctx, conn)
		_ = conn.Close()
		w.connected.Store(false)
		connectedGauge.Set(0)

		if w.stopped.Load() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.log.Warn().Err(err).Msg("coordinator connection lost, reconnecting")
	}
}

// serve announces capabilities and then handles jobs until the connection
// fails. The handshake is always the first message on a fresh connection.
func (w *Worker) serve(ctx context.Context, conn wireConn) error {
	hello, err := json.Marshal(w.caps.Get())
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		w.handleJob(ctx, conn, raw)
		if w.cfg.Once {
			time.Sleep(oncePause)
			w.Stop()
			return nil
		}
	}
}

// Stop makes Run return after the current connection ends. Safe to call from
// any goroutine.
func (w *Worker) Stop() { w.stopped.Store(true) }

// Ready reports whether the worker currently holds a coordinator connection.
func (w *Worker) Ready() bool { return w.connected.Load() }

func (w *Worker) Status() types.WorkerStatus {
	return types.WorkerStatus{
		Connected:    w.connected.Load(),
		CurrentModel: w.slot.Current(),
		JobsServed:   w.jobsServed.Load(),
		UptimeSec:    int64(time.Since(w.started).Seconds()),
	}
}
