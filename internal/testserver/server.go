// Package testserver's Server speaks just enough of the memcached binary
// protocol, against a Store, to stand in for a real cache node in tests and
// local experimentation with pkg/client.
package testserver

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/cachemir/ringcache/pkg/protocol"
)

const (
	defaultReadTimeoutSecs  = 30
	defaultWriteTimeoutSecs = 10
)

// Server is one listening memcached-protocol endpoint backed by a Store.
type Server struct {
	store    *Store
	listener net.Listener
	port     int
}

// New creates a Server that will listen on port, backed by a fresh Store.
// The server is not started until Start is called.
func New(port int) *Server {
	return &Server{
		store: NewStore(),
		port:  port,
	}
}

// Start begins listening and accepting connections; it blocks until Stop
// closes the listener or a fatal accept error occurs.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	log.Printf("test cache server listening on %s", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("failed to accept connection: %v", err)
			return nil
		}
		go s.handleConnection(conn)
	}
}

// Stop closes the listener, causing Start to return, and stops the Store's
// background expiry sweep.
func (s *Server) Stop() error {
	s.store.Close()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("error closing connection: %v", err)
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(defaultReadTimeoutSecs * time.Second)); err != nil {
			return
		}

		req, err := protocol.ReadRequest(conn)
		if err != nil {
			return
		}

		resp, send := s.dispatch(req)
		if !send {
			continue
		}

		if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeoutSecs * time.Second)); err != nil {
			return
		}
		if err := protocol.WriteResponse(conn, resp); err != nil {
			return
		}
	}
}

// dispatch runs one request against the store and reports whether the
// binary protocol's quiet-opcode rules call for a response at all: GETKQ
// suppresses a response on miss, NOOP always responds (it is the multi-get
// drain's terminator).
func (s *Server) dispatch(req *protocol.Request) (*protocol.Response, bool) {
	resp := &protocol.Response{Opcode: req.Opcode, Opaque: req.Opaque}

	switch req.Opcode {
	case protocol.OpGet, protocol.OpGetK, protocol.OpGetKQ:
		value, flags, cas, status := s.store.Get(string(req.Key))
		resp.Status = status
		resp.CAS = cas
		if status == protocol.StatusOK {
			resp.Value = value
			resp.Extras = setFlagsExtras(flags)
			if req.Opcode == protocol.OpGetK || req.Opcode == protocol.OpGetKQ {
				resp.Key = req.Key
			}
		}
		if req.Opcode == protocol.OpGetKQ && status != protocol.StatusOK {
			return resp, false
		}
		return resp, true

	case protocol.OpSet, protocol.OpAdd, protocol.OpReplace:
		flags, expiry, err := protocol.ParseStoreExtras(req.Extras)
		if err != nil {
			resp.Status = protocol.StatusInvalidArgs
			return resp, true
		}
		var cas uint64
		var status protocol.Status
		switch req.Opcode {
		case protocol.OpAdd:
			cas, status = s.store.Add(string(req.Key), req.Value, flags, expiry)
		case protocol.OpReplace:
			cas, status = s.store.Replace(string(req.Key), req.Value, flags, expiry, req.CAS)
		default:
			cas, status = s.store.Set(string(req.Key), req.Value, flags, expiry, req.CAS)
		}
		resp.Status = status
		resp.CAS = cas
		return resp, true

	case protocol.OpDelete:
		resp.Status = s.store.Delete(string(req.Key), req.CAS)
		return resp, true

	case protocol.OpAppend, protocol.OpPrepend:
		var cas uint64
		var status protocol.Status
		if req.Opcode == protocol.OpAppend {
			cas, status = s.store.Append(string(req.Key), req.Value)
		} else {
			cas, status = s.store.Prepend(string(req.Key), req.Value)
		}
		resp.Status = status
		resp.CAS = cas
		return resp, true

	case protocol.OpIncrement, protocol.OpDecrement:
		delta, initial, expiry, err := protocol.ParseIncrDecrExtras(req.Extras)
		if err != nil {
			resp.Status = protocol.StatusInvalidArgs
			return resp, true
		}
		val, cas, status := s.store.IncrDecr(string(req.Key), delta, req.Opcode == protocol.OpDecrement, initial, expiry)
		resp.Status = status
		resp.CAS = cas
		if status == protocol.StatusOK {
			resp.Value = protocol.AppendUint64Value(val)
		}
		return resp, true

	case protocol.OpTouch:
		expiry, err := parseExpiryExtras(req.Extras)
		if err != nil {
			resp.Status = protocol.StatusInvalidArgs
			return resp, true
		}
		resp.Status = s.store.Touch(string(req.Key), expiry)
		return resp, true

	case protocol.OpGAT, protocol.OpGATK:
		expiry, err := parseExpiryExtras(req.Extras)
		if err != nil {
			resp.Status = protocol.StatusInvalidArgs
			return resp, true
		}
		if status := s.store.Touch(string(req.Key), expiry); status != protocol.StatusOK {
			resp.Status = status
			return resp, true
		}
		value, flags, cas, status := s.store.Get(string(req.Key))
		resp.Status = status
		resp.CAS = cas
		if status == protocol.StatusOK {
			resp.Value = value
			resp.Extras = setFlagsExtras(flags)
		}
		return resp, true

	case protocol.OpFlush:
		s.store.Flush()
		resp.Status = protocol.StatusOK
		return resp, true

	case protocol.OpVersion:
		resp.Status = protocol.StatusOK
		resp.Value = []byte("ringcache-testserver")
		return resp, true

	case protocol.OpStat:
		resp.Status = protocol.StatusOK
		resp.Value = []byte(fmt.Sprintf("curr_items:%s", s.store.Stats()["curr_items"]))
		return resp, true

	case protocol.OpNoop:
		resp.Status = protocol.StatusOK
		return resp, true

	default:
		resp.Status = protocol.StatusUnknownCommand
		return resp, true
	}
}

// setFlagsExtras packs a GET response's flags word using the same
// 4-byte big-endian layout SetExpiryExtras writes, since the wire shape
// is identical; the name just matches what this field means here.
func setFlagsExtras(flags uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, flags)
	return buf
}

func parseExpiryExtras(extras []byte) (uint32, error) {
	if len(extras) != 4 {
		return 0, fmt.Errorf("testserver: expiry extras must be 4 bytes, got %d", len(extras))
	}
	return binary.BigEndian.Uint32(extras), nil
}
