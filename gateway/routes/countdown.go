package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"

	"songcoin/auction/lifecycle"
)

const wsWriteTimeout = 10 * time.Second

// countdown streams the round view once per tick until the client leaves.
func (a *api) countdown(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns(a.cfg.CORS.AllowedOrigins)})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Reads are only needed to notice the client closing the socket.
	ctx := conn.CloseRead(r.Context())
	if err := a.streamCountdown(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
		if status := websocket.CloseStatus(err); status == -1 {
			a.logger.Debug("countdown stream ended", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (a *api) streamCountdown(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	err := a.cfg.Countdown.Run(ctx, func(view lifecycle.View) {
		if err := writeView(ctx, conn, view); err != nil {
			cancel(err)
		}
	})
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

// originPatterns turns CORS origins into the host patterns the websocket
// handshake matches against. No origins means same-origin only.
func originPatterns(origins []string) []string {
	if len(origins) == 0 {
		return nil
	}
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, origin)
	}
	return out
}

func writeView(ctx context.Context, conn *websocket.Conn, view lifecycle.View) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
