package session

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kenchrcum/vaultbackup/internal/wire"
)

// fakeServer answers EXISTS/WRITE/READ/NOP on a net.Conn exactly like a real
// chunk store would, echoing the request's digest as applicable, so tests
// exercise real header+body framing rather than a mocked Session.
func fakeServer(t *testing.T, conn net.Conn, store map[[20]byte][]byte) {
	t.Helper()
	go func() {
		for {
			var hdrBuf [wire.HeaderSize]byte
			if _, err := io.ReadFull(conn, hdrBuf[:]); err != nil {
				return
			}
			hdr, err := wire.Unmarshal(hdrBuf[:])
			if err != nil {
				return
			}
			body := make([]byte, hdr.Size)
			if hdr.Size > 0 {
				if _, err := io.ReadFull(conn, body); err != nil {
					return
				}
			}

			reply := wire.Header{Version: wire.CurrentVersion, Tag: hdr.Tag}
			var replyBody []byte
			switch hdr.Opcode {
			case wire.OpNop:
				reply.Opcode = wire.OpNopReply
				reply.Status = wire.StatusOK
				replyBody = body
			case wire.OpExists:
				reply.Opcode = wire.OpExistsReply
				var digest [20]byte
				copy(digest[:], body)
				if _, ok := store[digest]; ok {
					reply.Status = wire.StatusOK
				} else {
					reply.Status = wire.StatusDoesntExist
				}
			case wire.OpWrite:
				reply.Opcode = wire.OpWriteReply
				digest := sha1Like(body)
				if _, ok := store[digest]; ok {
					reply.Status = wire.StatusExists
				} else {
					store[digest] = append([]byte(nil), body...)
					reply.Status = wire.StatusOK
				}
				replyBody = digest[:]
			case wire.OpRead:
				reply.Opcode = wire.OpReadReply
				var digest [20]byte
				copy(digest[:], body)
				if data, ok := store[digest]; ok {
					reply.Status = wire.StatusOK
					replyBody = data
				} else {
					reply.Status = wire.StatusDoesntExist
				}
			default:
				return
			}
			reply.Size = uint32(len(replyBody))
			buf := reply.Marshal()
			if _, err := conn.Write(buf[:]); err != nil {
				return
			}
			if len(replyBody) > 0 {
				if _, err := conn.Write(replyBody); err != nil {
					return
				}
			}
		}
	}()
}

// sha1Like stands in for a real digest in the fake server; tests only need
// it to be a stable function of content, not an actual SHA-1.
func sha1Like(b []byte) [20]byte {
	var out [20]byte
	for i, c := range b {
		out[i%20] ^= c
	}
	return out
}

func TestSessionExistsWriteRead(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	store := make(map[[20]byte][]byte)
	fakeServer(t, serverConn, store)

	s := New(clientConn, WithIdleTimeout(0))
	defer s.Close()

	payload := []byte("some chunk bytes")
	digest := sha1Like(payload)

	existsCh := make(chan Reply, 1)
	errCh := make(chan error, 1)
	if err := s.Send(context.Background(), wire.Header{Opcode: wire.OpExists}, digest[:], nil, func(r Reply, err error) {
		if err != nil {
			errCh <- err
			return
		}
		existsCh <- r
	}); err != nil {
		t.Fatalf("Send EXISTS: %v", err)
	}
	select {
	case r := <-existsCh:
		if r.Header.Status != wire.StatusDoesntExist {
			t.Fatalf("expected S_DOESNTEXIST before write, got %v", r.Header.Status)
		}
	case err := <-errCh:
		t.Fatalf("EXISTS errored: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EXISTS reply")
	}

	writeCh := make(chan Reply, 1)
	if err := s.Send(context.Background(), wire.Header{Opcode: wire.OpWrite}, payload, nil, func(r Reply, err error) {
		if err != nil {
			errCh <- err
			return
		}
		writeCh <- r
	}); err != nil {
		t.Fatalf("Send WRITE: %v", err)
	}
	select {
	case r := <-writeCh:
		if r.Header.Status != wire.StatusOK {
			t.Fatalf("expected S_OK on first write, got %v", r.Header.Status)
		}
	case err := <-errCh:
		t.Fatalf("WRITE errored: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WRITE reply")
	}

	readCh := make(chan Reply, 1)
	if err := s.Send(context.Background(), wire.Header{Opcode: wire.OpRead}, digest[:], nil, func(r Reply, err error) {
		if err != nil {
			errCh <- err
			return
		}
		readCh <- r
	}); err != nil {
		t.Fatalf("Send READ: %v", err)
	}
	select {
	case r := <-readCh:
		if r.Header.Status != wire.StatusOK {
			t.Fatalf("expected S_OK on read, got %v", r.Header.Status)
		}
		if !bytes.Equal(r.Body, payload) {
			t.Fatalf("read body = %q, want %q", r.Body, payload)
		}
	case err := <-errCh:
		t.Fatalf("READ errored: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for READ reply")
	}
}

func TestSessionOutstandingLimit(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	// Drain writes without ever replying, so Send can complete its write
	// side while every tag stays outstanding.
	go io.Copy(io.Discard, serverConn)

	s := New(clientConn, WithIdleTimeout(0))
	defer s.Close()

	// Exhaust every tag slot without a server on the other end replying, to
	// confirm the MaxOutstanding-th Send refuses rather than blocking.
	for i := 0; i < MaxOutstanding; i++ {
		err := s.Send(context.Background(), wire.Header{Opcode: wire.OpNop}, []byte{0, 0, 0, 0}, nil, func(Reply, error) {})
		if err != nil {
			t.Fatalf("Send #%d unexpectedly refused: %v", i, err)
		}
	}
	err := s.Send(context.Background(), wire.Header{Opcode: wire.OpNop}, []byte{0, 0, 0, 0}, nil, func(Reply, error) {})
	if !IsBackpressure(err) {
		t.Fatalf("expected backpressure sentinel at MaxOutstanding+1, got %v", err)
	}
}
