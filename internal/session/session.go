// Package session implements the duplex framed request/reply loop over a
// transport connection (spec §4.5): outbound writes are tagged and tracked
// until their reply arrives, inbound frames are demultiplexed by tag, and a
// flow-control limit on outstanding tags makes Send refuse further requests
// (see IsBackpressure).
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/vaultbackup/internal/wire"
)

// MaxOutstanding is QUEUE_DEPTH_MAX from spec §4.5: the hard ceiling on
// in-flight tagged requests, independent of (and typically looser than) the
// pipeline's own transaction pool depth.
const MaxOutstanding = 100

// Reply is what a pending call's callback receives: the decoded reply header
// and its body (nil for replies with no payload).
type Reply struct {
	Header wire.Header
	Body   []byte
}

type pendingCall struct {
	reqOpcode wire.Opcode
	ownBuf    []byte // non-nil: read the reply body into this buffer (CB_OWN)
	done      func(Reply, error)
}

// Session owns one transport connection's framing, tag bookkeeping, and read
// loop. A Session is safe for concurrent Send calls from multiple goroutines
// (the engine's Store adapter calls it from whatever goroutine issues a
// request); the read loop itself runs on its own goroutine and only ever
// invokes a pending call's done function, never touches caller state
// directly — callers are responsible for posting that continuation onward
// (see pipeline.Engine.Post) if they must serialize further.
type Session struct {
	conn   net.Conn
	r      *bufio.Reader
	writeMu sync.Mutex

	mu          sync.Mutex
	outstanding map[uint32]*pendingCall
	nextTag     uint32

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	idleTimeout time.Duration
	log         *logrus.Entry
}

// Option configures a Session at construction.
type Option func(*Session)

// WithIdleTimeout sets the interval at which the session issues a NOP and,
// absent a NOP_REPLY within the same interval, declares itself failed (spec
// §5 "Cancellation and timeouts"). The NOP goes out every interval whether
// or not other frames flowed in between.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) { s.idleTimeout = d }
}

// WithLogger attaches a structured logger; defaults to logrus's standard
// logger otherwise.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Session) { s.log = log }
}

// New wraps an already-established connection (TLS handshake, if any, is the
// caller's job per spec.md §1 Out of scope) and starts its read loop.
func New(conn net.Conn, opts ...Option) *Session {
	s := &Session{
		conn:        conn,
		r:           bufio.NewReaderSize(conn, 64*1024),
		outstanding: make(map[uint32]*pendingCall, MaxOutstanding),
		closed:      make(chan struct{}),
		idleTimeout: 60 * time.Second,
		log:         logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.readLoop()
	if s.idleTimeout > 0 {
		go s.idleWatchdog()
	}
	return s
}

// Dial opens a TCP connection to addr and wraps it.
func Dial(ctx context.Context, addr string, opts ...Option) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", addr, err)
	}
	return New(conn, opts...), nil
}

// Send issues a request frame and registers its continuation. ownBuf, when
// non-nil, is the transaction's own scratch slot (CB_OWN, spec §4.5): the
// read loop decodes the reply body directly into it instead of allocating a
// fresh buffer, provided it has enough capacity. Send refuses (without
// writing anything) once MaxOutstanding tags are already in flight;
// chunkproto passes that error to the request's done callback and does not
// retry.
func (s *Session) Send(ctx context.Context, hdr wire.Header, body []byte, ownBuf []byte, done func(Reply, error)) error {
	tag, ok := s.allocTag()
	if !ok {
		return errBackpressure
	}
	hdr.Version = wire.CurrentVersion
	hdr.Tag = tag
	hdr.Size = uint32(len(body))
	if ownBuf != nil {
		hdr.Flags |= wire.FlagCBOwn
	}

	s.mu.Lock()
	s.outstanding[tag] = &pendingCall{reqOpcode: hdr.Opcode, ownBuf: ownBuf, done: done}
	s.mu.Unlock()

	if err := s.writeFrame(hdr, body); err != nil {
		s.mu.Lock()
		delete(s.outstanding, tag)
		s.mu.Unlock()
		return fmt.Errorf("session: write %s: %w", hdr.Opcode, err)
	}
	return nil
}

// errBackpressure signals MaxOutstanding was reached. chunkproto hands it to
// the request's done callback as an ordinary error; nothing retries the
// request.
var errBackpressure = fmt.Errorf("session: outstanding tag limit reached")

// errClosed marks a clean, caller-initiated Close (as opposed to a
// transport/protocol failure discovered by the read loop).
var errClosed = fmt.Errorf("session: closed")

// IsBackpressure reports whether err is the outstanding-tag-limit sentinel.
func IsBackpressure(err error) bool { return err == errBackpressure }

func (s *Session) allocTag() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outstanding) >= MaxOutstanding {
		return 0, false
	}
	for {
		tag := s.nextTag
		s.nextTag++
		if _, taken := s.outstanding[tag]; !taken {
			return tag, true
		}
	}
}

// writeFrame writes header+body as a single atomic message: partial writes
// are retried internally until complete or the connection is judged failed
// (spec §4.5 "write is atomic per message").
func (s *Session) writeFrame(hdr wire.Header, body []byte) error {
	buf := hdr.Marshal()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := writeFull(s.conn, buf[:]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return writeFull(s.conn, body)
}

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// readLoop decodes frames until the connection fails or Close is called,
// dispatching each to the outstanding call its tag names. An unpaired reply
// tag is a protocol error (spec §7) and fails the whole session.
func (s *Session) readLoop() {
	for {
		var hdrBuf [wire.HeaderSize]byte
		if _, err := io.ReadFull(s.r, hdrBuf[:]); err != nil {
			s.fail(fmt.Errorf("session: read header: %w", err))
			return
		}
		hdr, err := wire.Unmarshal(hdrBuf[:])
		if err != nil {
			s.fail(fmt.Errorf("session: %w", err))
			return
		}

		s.mu.Lock()
		call, ok := s.outstanding[hdr.Tag]
		if ok {
			delete(s.outstanding, hdr.Tag)
		}
		s.mu.Unlock()
		if !ok {
			s.fail(fmt.Errorf("session: unpaired reply tag %d opcode %s", hdr.Tag, hdr.Opcode))
			return
		}

		body, err := s.readBody(hdr, call.ownBuf)
		if err != nil {
			s.fail(fmt.Errorf("session: read body: %w", err))
			call.done(Reply{}, err)
			return
		}
		call.done(Reply{Header: hdr, Body: body}, nil)
	}
}

// readBody implements body_alloc (spec §4.5): when the reply carries
// CB_OWN and the caller supplied a buffer with enough capacity, decode
// straight into it; otherwise allocate a fresh buffer sized to hdr.Size.
func (s *Session) readBody(hdr wire.Header, ownBuf []byte) ([]byte, error) {
	if hdr.Size == 0 {
		return nil, nil
	}
	var buf []byte
	if hdr.Flags&wire.FlagCBOwn != 0 && ownBuf != nil && cap(ownBuf) >= int(hdr.Size) {
		buf = ownBuf[:hdr.Size]
	} else {
		buf = make([]byte, hdr.Size)
	}
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// idleWatchdog sends a NOP every idleTimeout, whether or not other frames
// flowed in between, and fails the session if no NOP_REPLY arrives within
// the same window (spec §5).
func (s *Session) idleWatchdog() {
	ticker := time.NewTicker(s.idleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			replied := make(chan struct{}, 1)
			err := s.Send(context.Background(), wire.Header{Opcode: wire.OpNop}, []byte{0, 0, 0, 0}, nil, func(Reply, error) {
				select {
				case replied <- struct{}{}:
				default:
				}
			})
			if err != nil {
				continue // backpressured; try again next tick rather than failing the session
			}
			select {
			case <-replied:
			case <-time.After(s.idleTimeout):
				s.fail(fmt.Errorf("session: idle NOP timed out after %s", s.idleTimeout))
				return
			case <-s.closed:
				return
			}
		}
	}
}

func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		s.log.WithError(err).Warn("session failed")
		close(s.closed)
		s.conn.Close()

		s.mu.Lock()
		pending := s.outstanding
		s.outstanding = make(map[uint32]*pendingCall)
		s.mu.Unlock()
		for _, call := range pending {
			call.done(Reply{}, err)
		}
	})
}

// Close terminates the session cleanly, failing any still-outstanding calls.
// It returns nil if this call is what closed the session; if the session had
// already failed for another reason, that error is returned instead.
func (s *Session) Close() error {
	s.fail(errClosed)
	if s.closeErr == errClosed {
		return nil
	}
	return s.closeErr
}

// Err returns the error that caused the session to fail, if any.
func (s *Session) Err() error { return s.closeErr }

// Done returns a channel closed once the session has failed or been closed.
func (s *Session) Done() <-chan struct{} { return s.closed }
