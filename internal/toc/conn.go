package toc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"tocclient/internal/flap"
	"tocclient/internal/metrics"
)

// conn owns one TCP session. Writes are serialized so frames never
// interleave; reads are left to a single goroutine at a time.
type conn struct {
	netConn net.Conn
	frames  *flap.Reader

	writeMu  sync.Mutex
	sequence uint16

	logger  *slog.Logger
	metrics *metrics.Metrics
	onFrame func(FrameEvent)
}

// dial resolves host and tries every address in turn, returning the first
// connection that succeeds or the last error.
func dial(ctx context.Context, host string, port int, logger *slog.Logger) (net.Conn, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}

	var dialer net.Dialer
	var lastErr error
	for _, addr := range addrs {
		target := net.JoinHostPort(addr.IP.String(), strconv.Itoa(port))
		nc, err := dialer.DialContext(ctx, "tcp", target)
		if err == nil {
			logger.Debug("connected", "addr", target)
			return nc, nil
		}
		logger.Debug("connect failed", "addr", target, "err", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("resolve %s: no addresses", host)
	}
	return nil, lastErr
}

func newConn(nc net.Conn, logger *slog.Logger, m *metrics.Metrics, onFrame func(FrameEvent)) *conn {
	return &conn{
		netConn:  nc,
		frames:   flap.NewReader(bufio.NewReader(nc)),
		sequence: uint16(rand.Intn(0x10000)),
		logger:   logger,
		metrics:  m,
		onFrame:  onFrame,
	}
}

// writeRaw sends s as-is, outside any frame.
func (c *conn) writeRaw(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.netConn.Write([]byte(s)); err != nil {
		return fmt.Errorf("%w: %w", flap.ErrClosed, err)
	}
	return nil
}

func (c *conn) writeSignOn(screenName string) error {
	c.writeMu.Lock()
	frame, err := flap.EncodeSignOn(c.sequence+1, screenName)
	if err != nil {
		c.writeMu.Unlock()
		return err
	}
	c.sequence++
	_, err = c.netConn.Write(frame)
	c.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %w", flap.ErrClosed, err)
	}
	c.metrics.FrameSent(flap.FrameSignOn.String())
	return nil
}

// writeData sends payload in a Data frame.
func (c *conn) writeData(payload string) error {
	return c.writeFrame(flap.FrameData, payload)
}

func (c *conn) writeFrame(frameType flap.FrameType, payload string) error {
	c.writeMu.Lock()
	frame, err := flap.Encode(frameType, c.sequence+1, payload)
	if err != nil {
		c.writeMu.Unlock()
		return err
	}
	c.sequence++
	_, err = c.netConn.Write(frame)
	c.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %w", flap.ErrClosed, err)
	}
	c.metrics.FrameSent(frameType.String())
	c.logger.Debug("frame sent", "type", frameType.String(), "len", len(payload))
	if c.onFrame != nil {
		c.onFrame(FrameEvent{Outbound: true, Text: payload})
	}
	return nil
}

// readFrame reads the next frame. ok is false when a stray byte was dropped
// instead of a frame. A read stopped by interrupt keeps its partial frame
// and the next call picks up inside it.
func (c *conn) readFrame() (text string, ok bool, err error) {
	frame, err := c.frames.ReadFrame()
	if errors.Is(err, flap.ErrBadMarker) {
		c.metrics.MalformedFrame()
		c.logger.Warn("dropped byte outside frame")
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	c.metrics.FrameReceived(frame.Type.String())
	text = frame.Text()
	if c.onFrame != nil {
		c.onFrame(FrameEvent{Outbound: false, Text: text})
	}
	return text, true, nil
}

// interrupt makes a pending read return immediately with a timeout error.
func (c *conn) interrupt() error {
	return c.netConn.SetReadDeadline(time.Now())
}

// resume clears a deadline set by interrupt.
func (c *conn) resume() error {
	return c.netConn.SetReadDeadline(time.Time{})
}

func (c *conn) close() error {
	return c.netConn.Close()
}
