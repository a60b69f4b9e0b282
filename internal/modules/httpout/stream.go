package httpout

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/logger"
	"github.com/tphakala/framecast/internal/modules"
)

const (
	boundary        = "boundarydonotcross"
	snapshotWait    = 5 * time.Second
	wsWriteDeadline = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // access control is the basic auth middleware
	},
}

// clientContext ends when the client goes away or the host stops.
func (s *Server) clientContext(req *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(req.Context())
	stop := context.AfterFunc(s.state.Context(), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func setNoCache(h http.Header) {
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, pre-check=0, post-check=0, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "Mon, 3 Jan 2000 12:34:56 GMT")
}

func timestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

// handleStream writes every new frame as one part of a multipart response
// until the client disconnects or the stream ends.
func (s *Server) handleStream(c echo.Context) error {
	ctx, cancel := s.clientContext(c.Request())
	defer cancel()

	sess := s.sessions.open("stream", c.RealIP())
	defer s.sessions.close(sess)

	res := c.Response()
	setNoCache(res.Header())
	res.Header().Set(echo.HeaderContentType, "multipart/x-mixed-replace;boundary="+boundary)
	res.Header().Set("X-Session-Id", sess.id)
	res.WriteHeader(http.StatusOK)
	res.Flush()

	err := modules.Consume(ctx, s.source, func(f host.Frame) error {
		if _, err := fmt.Fprintf(res, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\nX-Timestamp: %s\r\n\r\n",
			boundary, len(f.Data), timestamp(f.Timestamp)); err != nil {
			return err
		}
		if _, err := res.Write(f.Data); err != nil {
			return err
		}
		if _, err := res.Write([]byte("\r\n")); err != nil {
			return err
		}
		res.Flush()
		sess.frames.Add(1)
		return nil
	})
	if err != nil {
		s.log.Debug("stream client gone", logger.String("session", sess.id), logger.Error(err))
	}
	return nil
}

// handleSnapshot returns the current frame, waiting briefly when no frame
// has been published yet.
func (s *Server) handleSnapshot(c echo.Context) error {
	f, err := s.source.Latest(nil)
	if errors.Is(err, host.ErrNoFrame) {
		ctx, cancel := s.clientContext(c.Request())
		defer cancel()
		ctx, cancelWait := context.WithTimeout(ctx, snapshotWait)
		defer cancelWait()
		f, err = s.source.AwaitFrameContext(ctx, 0, nil)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no frame available")
	}

	h := c.Response().Header()
	setNoCache(h)
	h.Set("X-Timestamp", timestamp(f.Timestamp))
	h.Set("X-Generation", strconv.FormatUint(f.Generation, 10))
	return c.Blob(http.StatusOK, "image/jpeg", f.Data)
}

// handleWebSocket sends every new frame as a binary message.
func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already replied to the client
		s.log.Debug("websocket upgrade failed", logger.Error(err))
		return nil
	}
	defer func() { _ = ws.Close() }()

	ctx, cancel := s.clientContext(c.Request())
	defer cancel()

	sess := s.sessions.open("websocket", c.RealIP())
	defer s.sessions.close(sess)

	// the read side only watches for the client closing the connection
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	err = modules.Consume(ctx, s.source, func(f host.Frame) error {
		if err := ws.SetWriteDeadline(time.Now().Add(wsWriteDeadline)); err != nil {
			return err
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, f.Data); err != nil {
			return err
		}
		sess.frames.Add(1)
		return nil
	})
	if err != nil {
		s.log.Debug("websocket client gone", logger.String("session", sess.id), logger.Error(err))
	}

	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
		time.Now().Add(time.Second))
	_ = ws.Close()
	<-readDone
	return nil
}
