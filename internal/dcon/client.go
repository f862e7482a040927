package dcon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxReplyLength = 100

// Client performs request/reply transactions on a Port. Transact is safe
// for concurrent use; Exclusive serializes whole multi-step sequences.
type Client struct {
	port     Port
	timeout  time.Duration
	cooldown time.Duration
	stats    *Stats
	logger   *zap.Logger

	seq  sync.Mutex
	ioMu sync.Mutex
}

func NewClient(port Port, timeout, cooldown time.Duration, logger *zap.Logger) *Client {
	return &Client{
		port:     port,
		timeout:  timeout,
		cooldown: cooldown,
		stats:    NewStats(time.Now()),
		logger:   logger,
	}
}

func (c *Client) Stats() *Stats {
	return c.stats
}

// Exclusive runs fn while holding the coarse bus lock. The scheduler wraps
// each of its slots in it; diagnostics use it to keep a sequence together.
func (c *Client) Exclusive(fn func() error) error {
	c.seq.Lock()
	defer c.seq.Unlock()
	return fn()
}

// Transact sends req and waits for a validated reply. Bad or missing
// replies are counted, the input buffer is flushed and the bus rests for
// the cooldown before the error is returned.
func (c *Client) Transact(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	resp, err := c.exchange(ctx, req)
	if err == nil {
		err = Validate(req.Kind, resp)
	}
	c.stats.Record(req.Module, req.Kind, err == nil)

	if err != nil {
		c.logger.Debug("DCON transaction failed",
			zap.String("request", req.Text),
			zap.String("response", resp),
			zap.Error(err))
		if ferr := c.port.ResetInputBuffer(); ferr != nil {
			c.logger.Warn("Failed to flush input buffer", zap.Error(ferr))
		}
		c.rest(ctx)
		return "", err
	}
	return resp, nil
}

func (c *Client) exchange(ctx context.Context, req Request) (string, error) {
	if _, err := c.port.Write(req.Encode()); err != nil {
		return "", fmt.Errorf("write failed: %w", err)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var raw []byte
	buf := make([]byte, 64)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return strings.TrimSpace(string(raw)), ErrTimeout
		}
		if err := c.port.SetReadTimeout(remaining); err != nil {
			return "", fmt.Errorf("set read timeout failed: %w", err)
		}

		n, err := c.port.Read(buf)
		if err != nil {
			return "", fmt.Errorf("read failed: %w", err)
		}
		for _, b := range buf[:n] {
			if b == Terminator || b == '\n' {
				if len(raw) > 0 {
					return strings.TrimSpace(string(raw)), nil
				}
				continue
			}
			raw = append(raw, b)
		}
		if len(raw) > maxReplyLength {
			return "", fmt.Errorf("%w: reply exceeds %d bytes", ErrInvalidResponse, maxReplyLength)
		}
	}
}

func (c *Client) rest(ctx context.Context) {
	if c.cooldown <= 0 {
		return
	}
	t := time.NewTimer(c.cooldown)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// ReadAnalog returns the channel values of an analog module.
func (c *Client) ReadAnalog(ctx context.Context, module string) ([]float64, error) {
	resp, err := c.Transact(ctx, ReadAnalog(module))
	if err != nil {
		return nil, err
	}
	return ParseAnalog(resp)
}

// ReadDigital returns the 16-bit state of a digital module.
func (c *Client) ReadDigital(ctx context.Context, module string) (uint16, error) {
	resp, err := c.Transact(ctx, ReadDigital(module))
	if err != nil {
		return 0, err
	}
	return ParseDigital(resp)
}

// WriteDigital applies a 16-bit output value as two byte-wide writes. It
// succeeds only when both halves are acknowledged.
func (c *Client) WriteDigital(ctx context.Context, module string, low, high byte) error {
	if _, err := c.Transact(ctx, WriteLow(module, low)); err != nil {
		return fmt.Errorf("low byte: %w", err)
	}
	if _, err := c.Transact(ctx, WriteHigh(module, high)); err != nil {
		return fmt.Errorf("high byte: %w", err)
	}
	return nil
}

// Identify asks a module for its name, e.g. "!317017".
func (c *Client) Identify(ctx context.Context, module string) (string, error) {
	return c.Transact(ctx, Identify(module))
}

func (c *Client) Close() error {
	return c.port.Close()
}
