package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsReadLimit = 512

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamEvents upgrades the request and keeps the viewer registered with the
// hub until it disconnects. Incoming messages are ignored.
func (h *Handler) streamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.hub.Register(conn)
	defer h.hub.Unregister(conn)

	conn.SetReadLimit(wsReadLimit)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Msg("viewer closed unexpectedly")
			}
			return
		}
	}
}
