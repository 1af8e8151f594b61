package handler

import "libchat/backend/internal/session"

// Handler wires HTTP routes to the chat session controller.
type Handler struct {
	Controller *session.Controller
	JWTSecret  []byte
}

func NewHandler(controller *session.Controller, jwtSecret []byte) *Handler {
	return &Handler{Controller: controller, JWTSecret: jwtSecret}
}
