package queue

// Logical channels. Messages carry ids and flags only, never payloads.
const (
	ChannelExtraction = "sync-extraction"
	ChannelTransform  = "sync-transform"
	ChannelEmbedding  = "sync-embedding"
	ChannelStatus     = "sync-status-events"
	ChannelDeadLetter = "sync-dead-letter"
)
