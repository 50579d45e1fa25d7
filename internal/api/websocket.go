package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"research/internal/job"
	"research/internal/logging"
	"research/pkg/cloudevent"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client frame types accepted on the events socket.
const (
	frameChatMessage   = "chat_message"
	frameSelectPersona = "select_persona"
)

// clientFrame is a message sent by the browser over the events socket.
type clientFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Choice  int    `json:"choice,omitempty"`
}

// wsObserver delivers job events to one WebSocket connection. Writes are
// serialised because the dispatcher and the read loop both send.
type wsObserver struct {
	conn         net.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSObserver(conn net.Conn, writeTimeout time.Duration) *wsObserver {
	return &wsObserver{conn: conn, writeTimeout: writeTimeout}
}

// Send writes ev as a text frame. An error means the peer is gone.
func (o *wsObserver) Send(ctx context.Context, ev *cloudevent.CloudEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return net.ErrClosed
	}

	deadline := time.Now().Add(o.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := o.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return wsutil.WriteServerText(o.conn, data)
}

// close sends a close frame once and marks the observer dead.
func (o *wsObserver) close(code ws.StatusCode, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	_ = o.conn.SetWriteDeadline(time.Now().Add(o.writeTimeout))
	_ = wsutil.WriteServerMessage(o.conn, ws.OpClose, ws.NewCloseFrameBody(code, reason))
}

// control answers a ping or close from the peer. The reply is built in
// memory and written under the observer lock so it cannot land inside a
// frame written by Send.
func (o *wsObserver) control(h ws.Header, r io.Reader) error {
	var reply bytes.Buffer
	err := wsutil.ControlFrameHandler(&reply, ws.StateServerSide)(h, r)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return err
	}
	if h.OpCode == ws.OpClose {
		o.closed = true
	}
	if reply.Len() > 0 {
		_ = o.conn.SetWriteDeadline(time.Now().Add(o.writeTimeout))
		if _, werr := o.conn.Write(reply.Bytes()); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// readText returns the payload of the next text frame. Control frames are
// answered and binary frames skipped.
func (o *wsObserver) readText(rd *wsutil.Reader) ([]byte, error) {
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := o.control(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

// Events handles GET /v1/jobs/{jobId}/events.
//
// The connection is subscribed before the snapshot is taken, so the
// initial_status frame is never older than an event the client receives
// after it.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.WarnContext(r.Context(), "WebSocket upgrade failed", "jobId", jobID, "error", err)
		return
	}
	defer conn.Close()
	// Server read and write timeouts stay on a hijacked conn.
	_ = conn.SetDeadline(time.Time{})

	ctx := logging.ContextAttrs(context.WithoutCancel(r.Context()), slog.String("jobId", jobID))
	logger := slog.With("component", "events", "remote", conn.RemoteAddr().String())
	events := job.NewEventBuilder(jobID)
	obs := newWSObserver(conn, h.writeTimeout)

	h.svc.Subscribe(jobID, obs)
	defer h.svc.Unsubscribe(jobID, obs)

	snap, err := h.svc.Snapshot(ctx, jobID)
	if err != nil {
		logger.WarnContext(ctx, "Observer rejected", "error", err)
		_ = obs.Send(ctx, events.BuildErrorEvent("", err))
		obs.close(ws.StatusPolicyViolation, "unknown job")
		return
	}
	if err := obs.Send(ctx, events.BuildInitialStatusEvent(snap)); err != nil {
		logger.DebugContext(ctx, "Observer gone before initial status", "error", err)
		return
	}
	logger.InfoContext(ctx, "Observer connected", "status", snap.Phase)

	var source io.Reader = conn
	if rw != nil && rw.Reader.Buffered() > 0 {
		// Frames sent right behind the handshake are already buffered.
		source = rw.Reader
	}
	rd := &wsutil.Reader{
		Source:         source,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: obs.control,
	}
	for {
		data, err := obs.readText(rd)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) {
				logger.DebugContext(ctx, "Observer read failed", "error", err)
			}
			break
		}
		h.handleFrame(ctx, jobID, data, obs, events)
	}

	obs.close(ws.StatusNormalClosure, "")
	logger.InfoContext(ctx, "Observer disconnected")
}

func (h *Handler) handleFrame(ctx context.Context, jobID string, data []byte, obs *wsObserver, events *job.EventBuilder) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		_ = obs.Send(ctx, events.BuildErrorEvent("", fmt.Errorf("invalid frame: %w", err)))
		return
	}

	var err error
	switch frame.Type {
	case frameChatMessage:
		err = h.svc.Chat(ctx, jobID, frame.Message)
	case frameSelectPersona:
		_, err = h.svc.SelectPersona(ctx, jobID, frame.Choice)
	default:
		err = fmt.Errorf("unknown frame type %q", frame.Type)
	}
	if err != nil {
		_ = obs.Send(ctx, events.BuildErrorEvent("", err))
	}
}
