package chat

import "time"

// Protocol caps for a single chat connection. The frame cap bounds what the
// gateway will read off the wire; the rune cap bounds what the relay will
// persist. A 4000-rune text fits a frame with room for the envelope even when
// every rune is 4 UTF-8 bytes.
const (
	maxFrameBytes = 64 << 10 // 64 KiB

	maxMessageChars = 4000
)

// Liveness and flood defaults; the gateway exposes PARLEY_WS_* overrides.
// The rate budget counts every inbound envelope (join, send, typing alike),
// sized so a busy storefront conversation never brushes against it.
const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
