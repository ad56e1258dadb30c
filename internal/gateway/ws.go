package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleEvents streams engine events over a websocket. One subscription
// per client; a client that stops reading falls behind in its bus buffer
// and then gets dropped by the write error.
func (g *Gateway) handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			g.logger.Debug("websocket accept failed", "error", err)
			return
		}
		defer conn.Close(websocket.StatusInternalError, "stream closed")

		events, cancel := g.bus.Subscribe(128)
		defer cancel()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case e, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusNormalClosure, "")
					return
				}
				if err := wsjson.Write(ctx, conn, e); err != nil {
					return
				}
			}
		}
	}
}
