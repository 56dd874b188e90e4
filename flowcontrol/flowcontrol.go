// Package flowcontrol implements DCP connection-level flow control: the
// client advertises a buffer size on DCP_OPEN/DCP_CONTROL and must send a
// DCP_BUFFERACK once its unacknowledged byte count crosses a watermark
// fraction of that buffer, or the server stalls the stream.
//
// Grounded on dcp_connection/client.go's unackedBytes/sendBufferAck and
// connBufferSize/unackedBytesLimit constants, generalized from a single
// hardcoded 50% watermark into a configurable, validated percentage.
package flowcontrol

import "github.com/pkg/errors"

// DefaultBufferSize is the buffer size advertised to the server when the
// caller does not override it, matching the teacher's connBufferSize.
const DefaultBufferSize = 20 * 1024 * 1024

// DefaultWatermarkPercent matches the teacher's unackedBytesLimit of 0.5.
const DefaultWatermarkPercent = 50.0

// Controller tracks unacknowledged bytes for one DCP connection and decides
// when a DCP_BUFFERACK must be sent.
type Controller struct {
	enabled      bool
	bufferSize   uint32
	watermark    float64 // fraction of bufferSize, derived from WatermarkPercent
	unackedBytes uint32
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithBufferSize overrides DefaultBufferSize.
func WithBufferSize(size uint32) Option {
	return func(c *Controller) { c.bufferSize = size }
}

// WithWatermarkPercent overrides DefaultWatermarkPercent. percent must be in
// (0, 100]; New returns an error otherwise, per spec.md's validation note
// that a disabled-by-zero watermark is meaningless while flow control is
// enabled.
func WithWatermarkPercent(percent float64) Option {
	return func(c *Controller) { c.watermark = percent / 100.0 }
}

// New builds a flow controller. When enabled is false, Record always
// reports no ack is due: the caller has opted out of flow control entirely
// (DCP_OPEN without the flow-control flag).
func New(enabled bool, opts ...Option) (*Controller, error) {
	c := &Controller{
		enabled:    enabled,
		bufferSize: DefaultBufferSize,
		watermark:  DefaultWatermarkPercent / 100.0,
	}
	for _, opt := range opts {
		opt(c)
	}
	if enabled && (c.watermark <= 0 || c.watermark > 1) {
		return nil, errors.Errorf("flow control watermark must be in (0, 100], got %.2f%%", c.watermark*100)
	}
	return c, nil
}

// Enabled reports whether this connection negotiated flow control.
func (c *Controller) Enabled() bool { return c.enabled }

// BufferSize returns the buffer size to advertise on DCP_OPEN/DCP_CONTROL.
func (c *Controller) BufferSize() uint32 { return c.bufferSize }

// UnackedBytes returns the byte count accumulated since the last ack.
func (c *Controller) UnackedBytes() uint32 { return c.unackedBytes }

// Record accounts for n additional bytes of DCP message just processed and
// reports whether a DCP_BUFFERACK for the accumulated total is now due. On
// true, the caller must send the ack and then call Reset.
func (c *Controller) Record(n uint32) (ackDue bool, totalBytes uint32) {
	if !c.enabled {
		return false, 0
	}
	c.unackedBytes += n
	threshold := float64(c.bufferSize) * c.watermark
	if float64(c.unackedBytes) >= threshold {
		return true, c.unackedBytes
	}
	return false, c.unackedBytes
}

// Reset zeroes the unacked byte counter after an ack has been sent.
func (c *Controller) Reset() {
	c.unackedBytes = 0
}
