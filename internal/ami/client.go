// Package ami implements a minimal client for a line-oriented
// login/action/response control protocol, used to redirect an in-progress
// call onto a new dialplan destination once the AI side decides the call
// should transfer or hang up. It speaks exactly the one operation the rest
// of the system needs: Redirect.
//
// The protocol itself is out of scope to describe here beyond what the
// client needs: each action is a block of "Key: Value\r\n" lines terminated
// by a blank line, carrying an ActionID the server echoes back on its
// Response block so replies can be correlated with requests.
package ami

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures a Client.
type Config struct {
	Addr          string
	Username      string
	Secret        string
	DialTimeout   time.Duration
	ActionTimeout time.Duration
}

// DefaultConfig returns reasonable timeouts for Config.
func DefaultConfig() Config {
	return Config{
		DialTimeout:   5 * time.Second,
		ActionTimeout: 5 * time.Second,
	}
}

// Client is a single-connection control-protocol client. It serializes
// requests: only one action may be in flight at a time, matching the
// protocol's single-response-stream design. On a dropped connection it
// reconnects and logs in again before retrying the caller's request once.
type Client struct {
	cfg Config

	mu   sync.Mutex // serializes the single in-flight request
	conn net.Conn
	r    *bufio.Reader

	seq uint64
}

// New creates a Client. It does not dial until the first action is sent.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Redirect moves channel onto context/exten/priority. This is the only
// action the rest of the system issues.
func (c *Client) Redirect(ctx context.Context, channel, dialContext, exten string, priority int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fields := map[string]string{
		"Action":   "Redirect",
		"Channel":  channel,
		"Context":  dialContext,
		"Exten":    exten,
		"Priority": strconv.Itoa(priority),
	}

	resp, err := c.doLocked(ctx, fields)
	if err != nil {
		if reconnErr := c.reconnectLocked(ctx); reconnErr != nil {
			return fmt.Errorf("ami: redirect %s: %w (reconnect failed: %v)", channel, err, reconnErr)
		}
		resp, err = c.doLocked(ctx, fields)
		if err != nil {
			return fmt.Errorf("ami: redirect %s after reconnect: %w", channel, err)
		}
	}

	if resp["Response"] != "Success" {
		return fmt.Errorf("ami: redirect %s rejected: %s", channel, resp["Message"])
	}
	return nil
}

// doLocked sends one action and waits for its correlated response. Caller
// must hold mu. Dials and logs in lazily on first use.
func (c *Client) doLocked(ctx context.Context, fields map[string]string) (map[string]string, error) {
	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	actionID := strconv.FormatUint(atomic.AddUint64(&c.seq, 1), 10)
	fields["ActionID"] = actionID

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Now().Add(c.cfg.ActionTimeout))
	}

	if err := writeAction(c.conn, fields); err != nil {
		c.closeLocked()
		return nil, err
	}

	for {
		resp, err := readBlock(c.r)
		if err != nil {
			c.closeLocked()
			return nil, err
		}
		if resp["ActionID"] == actionID {
			return resp, nil
		}
		// An out-of-band event or a stale response; keep waiting for ours.
	}
}

func (c *Client) connectLocked(ctx context.Context) error {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ami: dial %s: %w", c.cfg.Addr, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)

	// Discard the banner line the server sends on connect.
	if _, err := c.r.ReadString('\n'); err != nil {
		c.closeLocked()
		return fmt.Errorf("ami: read banner: %w", err)
	}

	actionID := strconv.FormatUint(atomic.AddUint64(&c.seq, 1), 10)
	login := map[string]string{
		"Action":   "Login",
		"Username": c.cfg.Username,
		"Secret":   c.cfg.Secret,
		"ActionID": actionID,
	}
	conn.SetDeadline(time.Now().Add(c.cfg.ActionTimeout))
	if err := writeAction(conn, login); err != nil {
		c.closeLocked()
		return fmt.Errorf("ami: login write: %w", err)
	}
	resp, err := readBlock(c.r)
	if err != nil {
		c.closeLocked()
		return fmt.Errorf("ami: login response: %w", err)
	}
	if resp["Response"] != "Success" {
		c.closeLocked()
		return fmt.Errorf("ami: login rejected: %s", resp["Message"])
	}
	slog.Info("ami: connected", "addr", c.cfg.Addr)
	return nil
}

func (c *Client) reconnectLocked(ctx context.Context) error {
	c.closeLocked()
	return c.connectLocked(ctx)
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.r = nil
	}
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}
