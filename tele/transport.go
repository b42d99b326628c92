package tele

import (
	"context"

	"github.com/meatnet/probe/log2"
)

// Transport contract:
// - Init fails only with invalid config, ignores network errors
// - Send* deliver (with retries) within timeout or fail; success includes ack from receiver
// - hide "connection" concept from upstream API or errors; transport delivers messages at least once
// - application may start without network available
// - assume worst network quality: packet loss, reorder, duplicates, corruption
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, config Config) error
	Close()
	SendState(payload []byte) bool
	SendEvent(payload []byte) bool
	SendError(payload []byte) bool
}
