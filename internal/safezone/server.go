package safezone

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	applog "powerthrough/internal/log"
	"powerthrough/internal/proxy"
)

const protocol = "safezone.v1"

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 8 * time.Second,
	Subprotocols:     []string{protocol},
	// The multiplexer is meant to be reachable from the same page the
	// proxy itself renders arbitrary upstream content into, so the usual
	// same-origin check would reject its own service worker.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades GET /safezone to a safezone.v1 WebSocket connection and
// serves frames against pipeline until the socket closes.
func Handler(pipeline *proxy.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := applog.EnsureRequestID(r)
		responseHeader := http.Header{"X-Request-ID": []string{requestID}}

		conn, err := upgrader.Upgrade(w, r, responseHeader)
		if err != nil {
			return
		}
		defer conn.Close()

		connection := NewConnection(conn, pipeline, requestID)
		connection.Serve(r.Context())
	}
}
