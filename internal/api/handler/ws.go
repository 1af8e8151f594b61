package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"libchat/backend/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bridge serves the mobile app; origin checks belong to the gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades the connection and opens a chat session with the
// librarian named in the query. The socket then carries the session's live
// feeds outbound and send/typing/read commands inbound.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	self, ok := h.bearerUser(c)
	if !ok {
		return
	}

	peer := models.UserInfo{
		UserID:      c.Query("peer_id"),
		DisplayName: c.Query("peer_name"),
		AvatarRef:   c.Query("peer_avatar"),
		Role:        models.RoleLibrarian,
	}
	if peer.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "peer_id is required"})
		return
	}

	sess, err := h.Controller.OpenChat(c.Request.Context(), self, peer)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sess.Close()
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to upgrade connection"})
		return
	}

	bridge := newBridge(conn, sess, h.Controller)
	bridge.Run()
}
