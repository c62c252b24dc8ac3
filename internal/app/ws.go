package app

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const frameTimeout = 10 * time.Second

// handleWebsocket upgrades the request and runs the connection until either
// side goes away. The session token comes from the same places as for HTTP
// requests, plus a token query parameter for browsers that cannot set headers
// on the handshake. If the session cannot be checked the handshake is refused
// with 503 before upgrading.
func (s *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	c, err := s.service.OpenConnection(r.Context(), token)
	if c == nil {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		s.log.Info("websocket connected without identity", "conn_id", c.ID(), "err", err)
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.service.CloseConnection(c)
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, netConn, &writeMu, c.Send(), c.Done())
	}()

	s.readLoop(ctx, netConn, &writeMu, func(data []byte) {
		frameCtx, frameCancel := context.WithTimeout(ctx, frameTimeout)
		defer frameCancel()
		s.service.HandleFrame(frameCtx, c, data)
	})

	cancel()
	s.service.CloseConnection(c)
	_ = netConn.Close()
	wg.Wait()
}

func (s *HTTPServer) writeLoop(ctx context.Context, conn net.Conn, mu *sync.Mutex, frames <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			// The hub let go of the connection; unblock the reader.
			_ = conn.Close()
			return
		case frame := <-frames:
			mu.Lock()
			err := wsutil.WriteServerMessage(conn, ws.OpText, frame)
			mu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// readLoop hands every text message to handle. Control frames are answered
// under mu so they never interleave with the writer.
func (s *HTTPServer) readLoop(ctx context.Context, conn net.Conn, mu *sync.Mutex, handle func([]byte)) {
	control := wsutil.ControlFrameHandler(conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:    conn,
		State:     ws.StateServerSide,
		CheckUTF8: true,
		OnIntermediate: func(hdr ws.Header, r io.Reader) error {
			mu.Lock()
			defer mu.Unlock()
			return control(hdr, r)
		},
	}
	for ctx.Err() == nil {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			mu.Lock()
			err := control(hdr, rd)
			mu.Unlock()
			if err != nil {
				var closed wsutil.ClosedError
				if !errors.As(err, &closed) {
					s.log.Debug("websocket control frame failed", "err", err)
				}
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return
		}
		handle(data)
	}
}
