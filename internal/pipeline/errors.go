package pipeline

import "errors"

// ErrChunkNotFound is the sentinel a Store implementation wraps its
// not-found condition in: chunkproto.Store.SubmitRead's S_DOESNTEXIST and
// S_INVALIDDIGEST statuses, and s3backend.Store.SubmitRead's missing-object
// branch, both mean the same thing to the extract driver — the server no
// longer holds a chunk the manifest names — and should be reported the same
// way regardless of which Store backs the run.
var ErrChunkNotFound = errors.New("pipeline: chunk not found")

// ErrDigestMismatch is the sentinel failExtract wraps around a chunk that
// round-tripped successfully but failed content verification once back on
// this side: AEAD authentication, decompression, or the plaintext SHA1
// check in onReadReply. These are integrity failures by definition (spec
// §6/§7): the bytes the server returned are not the bytes the manifest
// promised, as opposed to a transport/session failure that never produced
// bytes to check at all.
var ErrDigestMismatch = errors.New("pipeline: digest mismatch")

// IsIntegrityFailure reports whether err represents a content-integrity
// failure (bad digest, failed chunk authentication, or a chunk the server
// reports missing) as opposed to a transport/session failure (connection
// reset, protocol violation, backpressure that never resolved). Callers
// that must choose between exitIntegrity and exitProtocol-style exit codes
// (cmd/vaultbackup/extract.go's dirSink) use this instead of collapsing
// every non-nil extract error into one bucket.
func IsIntegrityFailure(err error) bool {
	return errors.Is(err, ErrDigestMismatch) || errors.Is(err, ErrChunkNotFound)
}
