package chunkproto

import (
	"context"
	"crypto/sha1"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kenchrcum/vaultbackup/internal/session"
	"github.com/kenchrcum/vaultbackup/internal/wire"
)

// fakeServer is a minimal EXISTS/WRITE/READ responder exercising the real
// wire framing, content-addressed by actual SHA-1 so digest-based lookups
// behave like the real store would.
func fakeServer(t *testing.T, conn net.Conn) {
	t.Helper()
	store := make(map[[20]byte][]byte)
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
			case wire.OpExists:
				reply.Opcode = wire.OpExistsReply
				var d [20]byte
				copy(d[:], body)
				if _, ok := store[d]; ok {
					reply.Status = wire.StatusOK
				} else {
					reply.Status = wire.StatusDoesntExist
				}
			case wire.OpWrite:
				reply.Opcode = wire.OpWriteReply
				d := sha1.Sum(body)
				if _, ok := store[d]; ok {
					reply.Status = wire.StatusExists
				} else {
					store[d] = append([]byte(nil), body...)
					reply.Status = wire.StatusOK
				}
				replyBody = d[:]
			case wire.OpRead:
				reply.Opcode = wire.OpReadReply
				var d [20]byte
				copy(d[:], body)
				if data, ok := store[d]; ok {
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
				conn.Write(replyBody)
			}
		}
	}()
}

func TestStoreRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	fakeServer(t, server)
	sess := session.New(client, session.WithIdleTimeout(0))
	defer sess.Close()
	store := New(sess, false, false)

	payload := []byte("chunk payload for the protocol layer")
	digest := sha1.Sum(payload)

	type existsResult struct {
		exists bool
		err    error
	}
	existsCh := make(chan existsResult, 1)
	store.SubmitExists(context.Background(), digest, func(exists bool, err error) {
		existsCh <- existsResult{exists, err}
	})
	select {
	case r := <-existsCh:
		if r.err != nil || r.exists {
			t.Fatalf("expected exists=false before write, got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("EXISTS timed out")
	}

	type writeResult struct {
		already bool
		err     error
	}
	writeCh := make(chan writeResult, 1)
	store.SubmitWrite(context.Background(), digest, payload, func(already bool, err error) {
		writeCh <- writeResult{already, err}
	})
	select {
	case r := <-writeCh:
		if r.err != nil || r.already {
			t.Fatalf("expected a fresh write, got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("WRITE timed out")
	}

	writeCh2 := make(chan writeResult, 1)
	store.SubmitWrite(context.Background(), digest, payload, func(already bool, err error) {
		writeCh2 <- writeResult{already, err}
	})
	select {
	case r := <-writeCh2:
		if r.err != nil || !r.already {
			t.Fatalf("expected S_EXISTS on duplicate write, got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("duplicate WRITE timed out")
	}

	type readResult struct {
		data []byte
		err  error
	}
	readCh := make(chan readResult, 1)
	store.SubmitRead(context.Background(), digest, func(data []byte, err error) {
		readCh <- readResult{data, err}
	})
	select {
	case r := <-readCh:
		if r.err != nil || string(r.data) != string(payload) {
			t.Fatalf("read mismatch: %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("READ timed out")
	}
}

func TestStoreReadMissingIsHardError(t *testing.T) {
	client, server := net.Pipe()
	fakeServer(t, server)
	sess := session.New(client, session.WithIdleTimeout(0))
	defer sess.Close()
	store := New(sess, false, false)

	var missing [20]byte
	copy(missing[:], []byte("nonexistent-digest!!"))

	errCh := make(chan error, 1)
	store.SubmitRead(context.Background(), missing, func(data []byte, err error) {
		errCh <- err
	})
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error for a READ on a missing digest")
		}
	case <-time.After(time.Second):
		t.Fatal("READ timed out")
	}
}
