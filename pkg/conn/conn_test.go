package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cachemir/ringcache/pkg/protocol"
)

// fakeServer accepts exactly one connection and answers every request with
// StatusOK and an empty value, echoing the request's key and opaque.
func fakeServer(t *testing.T) (addr string, stop func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		for {
			req, err := protocol.ReadRequest(c)
			if err != nil {
				return
			}
			resp := &protocol.Response{
				Opcode: req.Opcode,
				Status: protocol.StatusOK,
				Key:    req.Key,
				Opaque: req.Opaque,
			}
			if err := protocol.WriteResponse(c, resp); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestConnectionRequestRoundTrip(t *testing.T) {
	addr, stop := fakeServer(t)
	defer stop()

	c := New(Options{
		Addr:               addr,
		SocketTimeout:      time.Second,
		SocketMaxFailures:  2,
		SocketFailureDelay: 10 * time.Millisecond,
		DownRetryDelay:     50 * time.Millisecond,
	})
	defer c.Close()

	resp, err := c.Request(context.Background(), &protocol.Request{
		Opcode: protocol.OpGet,
		Key:    []byte("hello"),
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("expected OK status, got %v", resp.Status)
	}
	if c.State() != Ready {
		t.Fatalf("expected Ready state, got %v", c.State())
	}
}

func TestConnectionMarksDownAfterRepeatedFailures(t *testing.T) {
	// Nothing listens on this address.
	c := New(Options{
		Addr:               "127.0.0.1:1",
		SocketTimeout:      50 * time.Millisecond,
		SocketMaxFailures:  1,
		SocketFailureDelay: time.Millisecond,
		DownRetryDelay:     200 * time.Millisecond,
	})
	defer c.Close()

	_, err := c.Request(context.Background(), &protocol.Request{Opcode: protocol.OpGet, Key: []byte("x")})
	if err == nil {
		t.Fatalf("expected an error dialing a closed port")
	}
	if c.State() != Down {
		t.Fatalf("expected Down state after exceeding SocketMaxFailures, got %v", c.State())
	}

	_, err = c.Request(context.Background(), &protocol.Request{Opcode: protocol.OpGet, Key: []byte("x")})
	if err != ErrDown {
		t.Fatalf("got %v, want ErrDown while down-timer has not elapsed", err)
	}
}

func TestConnectionCloseIsLatching(t *testing.T) {
	c := New(Options{Addr: "127.0.0.1:1", SocketTimeout: 10 * time.Millisecond})
	c.Close()
	_, err := c.Request(context.Background(), &protocol.Request{Opcode: protocol.OpGet, Key: []byte("x")})
	if err != ErrClosed {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}
