package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"

	"workerbee/pkg/types"
)

// handleJob serves one job and never propagates an error or panic to the
// connection loop: every failure becomes one structured error message so the
// connection survives a bad job.
func (w *Worker) handleJob(ctx context.Context, conn wireConn, raw []byte) {
	start := time.Now()
	err := w.runJobRecovered(ctx, conn, raw)
	outcome := "ok"
	if err != nil {
		outcome = ErrorType(err)
		w.log.Error().Err(err).Str("error_type", outcome).Msg("job failed")
		msg, merr := json.Marshal(types.ErrorResult{Error: err.Error(), ErrorType: outcome})
		if merr == nil {
			// Write failure here means the connection is gone; the read
			// loop will notice and reconnect.
			_ = conn.WriteMessage(websocket.TextMessage, msg)
		}
	}
	jobsTotal.WithLabelValues(outcome).Inc()
	jobDuration.Observe(time.Since(start).Seconds())
	w.jobsServed.Add(1)
}

// runJobRecovered converts a panic anywhere in the job path into an internal
// error so a malformed model or request cannot take the process down.
func (w *Worker) runJobRecovered(ctx context.Context, conn wireConn, raw []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("job panicked")
			err = errorKind(kindInternal, fmt.Errorf("job panic: %v", r))
		}
	}()
	return w.runJob(ctx, conn, raw)
}

func (w *Worker) runJob(ctx context.Context, conn wireConn, raw []byte) error {
	var job types.JobRequest
	if err := json.Unmarshal(raw, &job); err != nil {
		return errorKind(kindBadRequest, fmt.Errorf("parse job: %w", err))
	}

	// Only model and stream are recognized; the payload otherwise passes
	// through to the backend byte for byte.
	var fields struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if len(job.OpenAIReq) > 0 {
		if err := json.Unmarshal(job.OpenAIReq, &fields); err != nil {
			return errorKind(kindBadRequest, fmt.Errorf("parse job payload: %w", err))
		}
	}

	if err := w.slot.EnsureLoaded(ctx, fields.Model); err != nil {
		return err
	}
	be := w.slot.Backend()

	if fields.Stream {
		err := be.Stream(ctx, job.OpenAIURL, job.OpenAIReq, func(data []byte) error {
			return conn.WriteMessage(websocket.TextMessage, data)
		})
		if err != nil {
			// Fragments already sent stay sent; the coordinator sees the
			// trailing error instead of a terminator.
			return errorKind(kindStreamError, err)
		}
		// Empty terminator marks normal stream completion.
		return conn.WriteMessage(websocket.TextMessage, []byte{})
	}

	body, err := be.Call(ctx, job.OpenAIURL, job.OpenAIReq)
	if err != nil {
		return errorKind(kindBackendError, err)
	}
	return conn.WriteMessage(websocket.TextMessage, body)
}
