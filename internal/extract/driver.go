// Package extract implements the extract driver (spec §4.8, C8): it walks a
// manifest's differential chain, applies the match predicate per file, and
// drives pipeline.Engine.ExtractFile for every selected entry in
// enumeration order.
package extract

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/vaultbackup/internal/manifest"
	"github.com/kenchrcum/vaultbackup/internal/matcher"
	"github.com/kenchrcum/vaultbackup/internal/pipeline"
)

// Engine is the subset of pipeline.Engine the driver depends on, so tests
// can substitute a fake without standing up a real Store/Pool.
type Engine interface {
	ExtractFile(ctx context.Context, dst io.Writer, digests []manifest.Digest, expectedSha [20]byte) error
}

// FileSink receives the per-entry lifecycle events named in spec §4.8
// (EX_FILE_START / EX_FILE_END) so a caller can create destination files,
// restore link structure, and track progress. Driver itself never touches
// the filesystem.
type FileSink interface {
	// OpenFile is called once per selected non-link entry, directories
	// included (EX_FILE_START), and must return the destination plaintext is
	// written to.
	OpenFile(header manifest.FileHeader) (io.WriteCloser, error)
	// CloseFile is called once OpenFile's destination has received every
	// byte, or extraction of that file failed (EX_FILE_END); extractErr is
	// non-nil in the latter case. The returned error, if any, aborts the
	// whole Run.
	CloseFile(header manifest.FileHeader, w io.WriteCloser, extractErr error) error
	// Link is called for a symlink/hardlink entry in place of
	// OpenFile/CloseFile, since it carries no chunk data (EX_SPECIAL).
	Link(header manifest.FileHeader, target string) error
}

// Driver walks one manifest's differential chain end to end.
type Driver struct {
	opener Opener
	match  *matcher.Matcher
	log    *logrus.Entry
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger overrides the driver's logger.
func WithLogger(log *logrus.Entry) Option {
	return func(d *Driver) { d.log = log }
}

// New constructs a Driver resolving manifest names through opener. A nil
// match selects every entry.
func New(opener Opener, match *matcher.Matcher, opts ...Option) *Driver {
	if match == nil {
		match = matcher.MatchAll()
	}
	d := &Driver{opener: opener, match: match, log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run loads topName's chain and extracts every selected file through
// engine, in the enumeration order spec §4.8 names: base-first under
// MLB_ALLFILES, top-level-first otherwise. Exactly one Run may be in flight
// against a given Engine at a time (spec §9's engine-context restriction).
func (d *Driver) Run(ctx context.Context, engine Engine, topName string, sink FileSink) error {
	chain, err := loadChain(d.opener, d.match, topName, make(map[string]bool))
	if err != nil {
		return err
	}

	var enum *level
	if chain[0].global.MultilevelAllFiles() {
		enum = chain[0]
	} else {
		enum = chain[len(chain)-1]
	}

	d.log.WithFields(logrus.Fields{"manifest": topName, "levels": len(chain), "entries": len(enum.order)}).Info("extract: chain loaded")

	for _, name := range enum.order {
		if !d.match.Match(name) {
			continue
		}
		entry, err := resolveEntry(chain, name)
		if err != nil {
			return err
		}
		if err := d.processEntry(ctx, engine, sink, entry); err != nil {
			return err
		}
	}

	d.log.WithField("manifest", topName).Info("extract: EX_DONE")
	return nil
}

func (d *Driver) processEntry(ctx context.Context, engine Engine, sink FileSink, entry fileEntry) error {
	if entry.header.Type == manifest.TypeSymlink || entry.header.Type == manifest.TypeHardlink {
		d.log.WithFields(logrus.Fields{"file": entry.header.Filename, "state": "EX_SPECIAL"}).Debug("extract: link entry")
		return sink.Link(entry.header, entry.linkTarget)
	}

	d.log.WithFields(logrus.Fields{"file": entry.header.Filename, "state": "EX_FILE_START", "chunks": len(entry.digests)}).Debug("extract: file start")
	w, err := sink.OpenFile(entry.header)
	if err != nil {
		return fmt.Errorf("extract: open destination for %q: %w", entry.header.Filename, err)
	}

	extractErr := engine.ExtractFile(ctx, w, entry.digests, entry.trailer.Sha)
	d.log.WithFields(logrus.Fields{"file": entry.header.Filename, "state": "EX_FILE_END", "err": extractErr}).Debug("extract: file end")
	return sink.CloseFile(entry.header, w, extractErr)
}
