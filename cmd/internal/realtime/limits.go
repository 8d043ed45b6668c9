package realtime

import "time"

// Gateway limits. Values here are defaults; GatewayConfig overrides them.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max idempotency token length (runes).
	maxTokenChars = 128

	// The first envelope on a connection must be hello.
	helloTimeout = 10 * time.Second
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	heartbeatMaxFailures     = 3

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute

	defaultSendQueue = 256
	minSendQueue     = 32

	// Per-connection publish limit.
	defaultPublishRate  = 20
	defaultPublishBurst = 40
)

const (
	// Live broadcasts buffered per session while its replay is running.
	maxPendingDuringReplay = 4096

	// Page size used by the replayer and the broadcaster gap fill.
	replayPageSize = 200

	defaultGapTimeout     = 2 * time.Second
	defaultRecoveryWindow = 2 * time.Minute
)
