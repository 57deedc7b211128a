package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskstream/internal/task"
)

const defaultWriteTimeout = 10 * time.Second

// watchTask upgrades the request to a websocket and streams task updates
// until the client disconnects, a write fails or the session is drained.
func (s *Server) watchTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if err := task.ValidateID(taskID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, brw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	transport := newWSTransport(conn, s.cfg.Session.WriteTimeout)
	if brw != nil && brw.Reader.Buffered() > 0 {
		// Frames sent right behind the handshake were already read by net/http.
		transport.src = io.MultiReader(brw.Reader, conn)
	}
	sess := s.sessions.Open(taskID, transport)
	logger := s.logger.With(zap.String("task_id", taskID), zap.String("session_id", sess.ID()))

	go func() {
		defer cancel()
		if err := transport.readLoop(); err != nil {
			logger.Debug("client gone", zap.Error(err))
		}
	}()

	if err := sess.Run(ctx); err != nil {
		logger.Warn("session ended with error", zap.Error(err))
	}
	transport.close(ws.StatusNormalClosure)
}

// wsTransport writes task messages as JSON text frames. Writes from the
// session and control replies from the reader share one mutex.
type wsTransport struct {
	conn         net.Conn
	src          io.Reader
	writeTimeout time.Duration

	mu sync.Mutex
}

func newWSTransport(conn net.Conn, writeTimeout time.Duration) *wsTransport {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &wsTransport{conn: conn, src: conn, writeTimeout: writeTimeout}
}

// Send implements session.Transport.
func (t *wsTransport) Send(ctx context.Context, msg task.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(t.deadline(ctx)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := wsutil.WriteServerMessage(t.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *wsTransport) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// readLoop consumes client frames until the connection fails or the client
// sends a close frame. Data frames are discarded; pings are answered.
func (t *wsTransport) readLoop() error {
	control := wsutil.ControlFrameHandler(t.conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:    t.src,
		State:     ws.StateServerSide,
		CheckUTF8: true,
		OnIntermediate: func(hdr ws.Header, r io.Reader) error {
			return t.handleControl(control, hdr, r)
		},
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if hdr.OpCode.IsControl() {
			if err := t.handleControl(control, hdr, rd); err != nil {
				return err
			}
			continue
		}
		if err := rd.Discard(); err != nil {
			return fmt.Errorf("discard frame: %w", err)
		}
	}
}

func (t *wsTransport) handleControl(control wsutil.FrameHandlerFunc, hdr ws.Header, r io.Reader) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := control(hdr, r); err != nil {
		return fmt.Errorf("control frame: %w", err)
	}
	return nil
}

// close sends a best-effort close frame. The peer may already be gone.
func (t *wsTransport) close(code ws.StatusCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteFrame(t.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, "")))
}
