// Package client talks to a device node served by the devfs protocol.
// Interrupted operations (EINTR) are retried with exponential backoff
// bounded by the caller's context; every other failure surfaces as a
// WireError.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/chardev/internal/logging"
)

var internalLogger = logging.New("client", nil)

// CodeInterrupted is the wire code for a cancelled lock wait. Operations
// failing with it are retried.
const CodeInterrupted = "EINTR"

// WireError is an error answered by the device node.
type WireError struct {
	Code string
	Msg  string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("device error %s: %s", e.Code, e.Msg)
}

// Retryable reports whether the operation can be safely reissued.
func (e *WireError) Retryable() bool {
	return e.Code == CodeInterrupted
}

// Client is a single connection to a device node, i.e. one open session.
// Methods are serialized; use one client per concurrent session.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
}

// Dial connects to the device node at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial device node %s: %w", path, err)
	}
	return &Client{
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}, nil
}

// Read reads up to n bytes from the current position. A nil slice with nil
// error means end of data.
func (c *Client) Read(ctx context.Context, n int) ([]byte, error) {
	var out []byte
	err := c.withRetry(ctx, func() error {
		var err error
		out, err = c.payloadRequest(fmt.Sprintf("READ %d\n", n))
		return err
	})
	return out, err
}

// Pread reads up to n bytes at an explicit offset.
func (c *Client) Pread(ctx context.Context, n int, off int64) ([]byte, error) {
	var out []byte
	err := c.withRetry(ctx, func() error {
		var err error
		out, err = c.payloadRequest(fmt.Sprintf("PREAD %d %d\n", n, off))
		return err
	})
	return out, err
}

// Write writes p at the current position and returns the count accepted,
// which may be less than len(p) when clamped at the buffer capacity.
func (c *Client) Write(ctx context.Context, p []byte) (int, error) {
	var m int64
	err := c.withRetry(ctx, func() error {
		var err error
		m, err = c.dataRequest(fmt.Sprintf("WRITE %d\n", len(p)), p)
		return err
	})
	return int(m), err
}

// Pwrite writes p at an explicit offset.
func (c *Client) Pwrite(ctx context.Context, p []byte, off int64) (int, error) {
	var m int64
	err := c.withRetry(ctx, func() error {
		var err error
		m, err = c.dataRequest(fmt.Sprintf("PWRITE %d %d\n", len(p), off), p)
		return err
	})
	return int(m), err
}

// Seek repositions the session cursor and returns the new position.
func (c *Client) Seek(off int64, whence int) (int64, error) {
	return c.dataRequest(fmt.Sprintf("SEEK %d %d\n", off, whence), nil)
}

// Ioctl issues a control command. Unregistered commands succeed.
func (c *Client) Ioctl(cmd uint32, arg uint64) error {
	_, err := c.dataRequest(fmt.Sprintf("IOCTL %d %d\n", cmd, arg), nil)
	return err
}

// Status fetches the rendered status report.
func (c *Client) Status(ctx context.Context) (string, error) {
	var report string
	err := c.withRetry(ctx, func() error {
		out, err := c.payloadRequest("STAT\n")
		if err != nil {
			return err
		}
		report = string(out)
		return nil
	})
	return report, err
}

// Close releases the session and drops the connection.
func (c *Client) Close() error {
	_, reqErr := c.dataRequest("CLOSE\n", nil)
	if err := c.conn.Close(); err != nil {
		internalLogger.Debugf("conn close: %v", err)
	}
	return reqErr
}

func (c *Client) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(newBackOff(), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var we *WireError
		if errors.As(err, &we) && we.Retryable() {
			internalLogger.Debugf("retrying after %v", err)
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

func newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return bo
}

// dataRequest sends a header (plus optional raw payload) and parses the
// numeric "OK <v>" answer.
func (c *Client) dataRequest(header string, payload []byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(header, payload); err != nil {
		return 0, err
	}
	return c.readStatusLine()
}

// payloadRequest sends a header and reads an "OK <m>" answer followed by m
// raw bytes. Returns nil for m == 0.
func (c *Client) payloadRequest(header string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(header, nil); err != nil {
		return nil, err
	}
	m, err := c.readStatusLine()
	if err != nil {
		return nil, err
	}
	if m == 0 {
		return nil, nil
	}
	out := make([]byte, m)
	if _, err := io.ReadFull(c.br, out); err != nil {
		return nil, fmt.Errorf("short payload: %w", err)
	}
	return out, nil
}

func (c *Client) send(header string, payload []byte) error {
	if _, err := c.bw.WriteString(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.bw.Write(payload); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

func (c *Client) readStatusLine() (int64, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "OK "):
		v, err := strconv.ParseInt(line[3:], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed response %q", line)
		}
		return v, nil
	case strings.HasPrefix(line, "ERR "):
		rest := line[4:]
		code, msg, _ := strings.Cut(rest, " ")
		return 0, &WireError{Code: code, Msg: msg}
	default:
		return 0, fmt.Errorf("malformed response %q", line)
	}
}
