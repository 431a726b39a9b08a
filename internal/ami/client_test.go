package ami

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeServer serves each accepted connection on its own goroutine: it sends
// a banner, answers Login with Success (or, when rejectLogin is set, with
// Error and then closes the connection), and for any other action echoes
// back a Success response carrying the same ActionID.
func fakeServer(t *testing.T, rejectLogin bool) (addr string, stop func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, rejectLogin)
		}
	}()
	return ln.Addr().String(), func() {
		close(done)
		ln.Close()
	}
}

func serveConn(conn net.Conn, rejectLogin bool) {
	defer conn.Close()
	conn.Write([]byte("Banner/1.0\r\n"))
	r := bufio.NewReader(conn)
	first := true
	for {
		block, err := readBlock(r)
		if err != nil {
			return
		}
		actionID := block["ActionID"]
		if first {
			first = false
			if rejectLogin {
				writeAction(conn, map[string]string{"Response": "Error", "ActionID": actionID, "Message": "bad creds"})
				return
			}
			writeAction(conn, map[string]string{"Response": "Success", "ActionID": actionID, "Message": "Authenticated"})
			continue
		}
		writeAction(conn, map[string]string{"Response": "Success", "ActionID": actionID})
	}
}

func TestClientRedirectSucceeds(t *testing.T) {
	addr, stop := fakeServer(t, false)
	defer stop()

	c := New(Config{Addr: addr, Username: "u", Secret: "s", DialTimeout: time.Second, ActionTimeout: 2 * time.Second})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Redirect(ctx, "SIP/100-1", "ivr", "1", 1); err != nil {
		t.Fatalf("Redirect: %v", err)
	}
}

func TestClientLoginRejected(t *testing.T) {
	addr, stop := fakeServer(t, true)
	defer stop()

	c := New(Config{Addr: addr, Username: "u", Secret: "bad", DialTimeout: time.Second, ActionTimeout: 2 * time.Second})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Redirect(ctx, "SIP/100-1", "ivr", "1", 1)
	if err == nil || !strings.Contains(err.Error(), "login rejected") {
		t.Fatalf("Redirect err = %v, want login rejected", err)
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	addr, stop := fakeServer(t, false)
	defer stop()

	c := New(Config{Addr: addr, Username: "u", Secret: "s", DialTimeout: time.Second, ActionTimeout: 2 * time.Second})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Redirect(ctx, "SIP/1-1", "ivr", "1", 1); err != nil {
		t.Fatalf("first redirect: %v", err)
	}

	// Simulate the server dropping the connection from under us.
	c.mu.Lock()
	c.conn.Close()
	c.mu.Unlock()

	if err := c.Redirect(ctx, "SIP/1-1", "ivr", "1", 1); err != nil {
		t.Fatalf("redirect after drop: %v", err)
	}
}
