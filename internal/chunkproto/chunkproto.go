// Package chunkproto implements the EXISTS/READ/WRITE/NOP opcode semantics
// (spec §4.6) as a pipeline.Store, adapting the session layer's tagged
// request/reply frames to the engine's async-callback contract.
package chunkproto

import (
	"context"
	"fmt"

	"github.com/kenchrcum/vaultbackup/internal/pipeline"
	"github.com/kenchrcum/vaultbackup/internal/session"
	"github.com/kenchrcum/vaultbackup/internal/wire"
)

// Store implements pipeline.Store over a single session.Session. The
// METADATA flag (spec §4.6) partitions the server's keyspace between
// content-addressed file chunks and named manifest objects; one Store value
// always addresses one partition, so an archive run typically holds two —
// one for chunk data, one (wrapped by internal/control) for manifest
// objects.
type Store struct {
	sess         *session.Session
	metadata     bool
	verifyDigest bool
}

// New constructs a Store. metadata selects the manifest-object keyspace
// rather than the content-addressed chunk keyspace; verifyDigest sets
// VERIFY_DIGEST on EXISTS/READ so the server double-checks its own storage
// key against the request digest (spec §4.1/§4.6).
func New(sess *session.Session, metadata, verifyDigest bool) *Store {
	return &Store{sess: sess, metadata: metadata, verifyDigest: verifyDigest}
}

func (s *Store) baseFlags() wire.Flag {
	var f wire.Flag
	if s.metadata {
		f |= wire.FlagMetadata
	}
	if s.verifyDigest {
		f |= wire.FlagVerifyDigest
	}
	return f
}

// SubmitExists issues an EXISTS request for digest.
func (s *Store) SubmitExists(ctx context.Context, digest [20]byte, done func(exists bool, err error)) {
	hdr := wire.Header{Opcode: wire.OpExists, Flags: s.baseFlags()}
	err := s.sess.Send(ctx, hdr, digest[:], nil, func(r session.Reply, err error) {
		if err != nil {
			done(false, err)
			return
		}
		switch r.Header.Status {
		case wire.StatusOK:
			done(true, nil)
		case wire.StatusDoesntExist:
			done(false, nil)
		case wire.StatusInvalidDigest:
			done(false, fmt.Errorf("chunkproto: S_INVALIDDIGEST on EXISTS"))
		default:
			done(false, fmt.Errorf("chunkproto: unexpected EXISTS status %v", r.Header.Status))
		}
	})
	if err != nil {
		done(false, err)
	}
}

// SubmitWrite issues a WRITE request carrying payload, keyed by digest. The
// server's own computed digest comes back in the reply body but is not the
// source of truth the pipeline trusts — S_EXISTS/S_OK on the request's own
// digest is (spec §4.4 invariant 2: dedup races are resolved server-side).
func (s *Store) SubmitWrite(ctx context.Context, digest [20]byte, payload []byte, done func(alreadyStored bool, err error)) {
	hdr := wire.Header{Opcode: wire.OpWrite, Flags: s.baseFlags()}
	err := s.sess.Send(ctx, hdr, payload, nil, func(r session.Reply, err error) {
		if err != nil {
			done(false, err)
			return
		}
		switch r.Header.Status {
		case wire.StatusOK:
			done(false, nil)
		case wire.StatusExists:
			done(true, nil)
		default:
			done(false, fmt.Errorf("chunkproto: unexpected WRITE status %v", r.Header.Status))
		}
	})
	if err != nil {
		done(false, err)
	}
}

// SubmitRead issues a READ request for digest. S_DOESNTEXIST and
// S_INVALIDDIGEST are both treated as hard errors on the extract path (spec
// §9 open question, preserved rather than guessed at).
func (s *Store) SubmitRead(ctx context.Context, digest [20]byte, done func(data []byte, err error)) {
	hdr := wire.Header{Opcode: wire.OpRead, Flags: s.baseFlags()}
	err := s.sess.Send(ctx, hdr, digest[:], nil, func(r session.Reply, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		switch r.Header.Status {
		case wire.StatusOK:
			done(r.Body, nil)
		case wire.StatusDoesntExist:
			done(nil, fmt.Errorf("chunkproto: S_DOESNTEXIST for digest %x: %w", digest, pipeline.ErrChunkNotFound))
		case wire.StatusInvalidDigest:
			done(nil, fmt.Errorf("chunkproto: S_INVALIDDIGEST for digest %x: %w", digest, pipeline.ErrChunkNotFound))
		default:
			done(nil, fmt.Errorf("chunkproto: unexpected READ status %v", r.Header.Status))
		}
	})
	if err != nil {
		done(nil, err)
	}
}

// Nop issues a liveness check; used by callers other than the session's own
// idle watchdog (e.g. a connection-pool health probe).
func (s *Store) Nop(ctx context.Context, id uint32, done func(echoed uint32, err error)) {
	var body [4]byte
	body[0] = byte(id >> 24)
	body[1] = byte(id >> 16)
	body[2] = byte(id >> 8)
	body[3] = byte(id)
	err := s.sess.Send(ctx, wire.Header{Opcode: wire.OpNop}, body[:], nil, func(r session.Reply, err error) {
		if err != nil {
			done(0, err)
			return
		}
		if len(r.Body) != 4 {
			done(0, fmt.Errorf("chunkproto: malformed NOP_REPLY body"))
			return
		}
		echoed := uint32(r.Body[0])<<24 | uint32(r.Body[1])<<16 | uint32(r.Body[2])<<8 | uint32(r.Body[3])
		done(echoed, nil)
	})
	if err != nil {
		done(0, err)
	}
}

// Login sends the LOGIN opcode with credentials and reports success.
func (s *Store) Login(ctx context.Context, credentials []byte, done func(err error)) {
	err := s.sess.Send(ctx, wire.Header{Opcode: wire.OpLogin}, credentials, nil, func(r session.Reply, err error) {
		if err != nil {
			done(err)
			return
		}
		switch r.Header.Status {
		case wire.StatusOK:
			done(nil)
		case wire.StatusLoginFailed:
			done(fmt.Errorf("chunkproto: S_LOGINFAILED"))
		default:
			done(fmt.Errorf("chunkproto: unexpected LOGIN status %v", r.Header.Status))
		}
	})
	if err != nil {
		done(err)
	}
}
