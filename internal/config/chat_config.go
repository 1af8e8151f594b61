package config

import "time"

const (
	// Typing indicator
	TypingIdleTimeout = 3 * time.Second

	// Session feeds
	MessageFeedBuffer  = 256
	PresenceFeedBuffer = 16
	UnreadFeedBuffer   = 16

	// WebSocket bridge
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxMessageSize = 4096

	// Auth
	TokenTTL = 72 * time.Hour
)
