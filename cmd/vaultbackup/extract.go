package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/vaultbackup/internal/audit"
	"github.com/kenchrcum/vaultbackup/internal/extract"
	"github.com/kenchrcum/vaultbackup/internal/manifest"
	"github.com/kenchrcum/vaultbackup/internal/matcher"
	"github.com/kenchrcum/vaultbackup/internal/pipeline"
	"github.com/kenchrcum/vaultbackup/internal/txpool"
)

func runExtract(args []string) int {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	verbose := fs.Int("v", 0, "verbosity (stacked: -v, -vv)")
	manifestName := fs.String("manifest", "", "name of the manifest to extract (required)")
	dest := fs.String("dest", ".", "destination directory")
	matchMode := fs.String("match-mode", "literal", "match mode: regex, glob, or literal")
	matchPattern := fs.String("match", "", "pattern selecting which files to extract (empty selects all)")
	keepGoing := fs.Bool("keep-going", false, "continue past a failed file instead of aborting the run")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *manifestName == "" {
		fmt.Fprintln(os.Stderr, "usage: vaultbackup extract -manifest NAME [-dest DIR] [-match-mode MODE -match PATTERN]")
		return exitConfig
	}

	e, code := loadEnv(*configPath, *verbose)
	if code != exitOK {
		return code
	}
	defer e.Close()
	log := logrus.NewEntry(e.logger).WithField("manifest", *manifestName)

	match, err := matcher.New(matcher.Mode(*matchMode), *matchPattern)
	if err != nil {
		log.WithError(err).Error("extract: bad match spec")
		return exitConfig
	}

	ctx := context.Background()
	family, err := parseCompression(e.cfg)
	if err != nil {
		log.WithError(err).Error("extract: bad compression family")
		return exitConfig
	}

	dek, err := deriveDEK(ctx, e.cfg)
	if err != nil {
		log.WithError(err).Error("extract: derive key")
		return exitConfig
	}

	st, err := openStore(ctx, e.cfg, log)
	if err != nil {
		log.WithError(err).Error("extract: connect to store")
		return exitProtocol
	}
	if st.nativeSess != nil {
		defer st.nativeSess.Close()
	}

	pool, err := txpool.NewPool(e.cfg.QueueDepth)
	if err != nil {
		log.WithError(err).Error("extract: transaction pool")
		return exitConfig
	}
	engine, err := pipeline.NewEngine(pipeline.Config{
		Pool:       pool,
		Store:      st.chunk,
		Family:     family,
		DEK:        dek,
		QueueDepth: e.cfg.QueueDepth * 4,
	})
	if err != nil {
		log.WithError(err).Error("extract: construct engine")
		return exitConfig
	}

	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()
	engineErr := make(chan error, 1)
	go func() { engineErr <- engine.Run(engineCtx) }()

	if err := os.MkdirAll(*dest, 0o755); err != nil {
		log.WithError(err).Error("extract: create destination")
		return exitConfig
	}

	driver := extract.New(extract.NewDirOpener(e.cfg.MdDir), match, extract.WithLogger(log))
	sink := &dirSink{dest: *dest, log: log, keepGoing: *keepGoing}

	start := time.Now()
	runErr := driver.Run(ctx, engine, *manifestName, sink)

	cancelEngine()
	<-engineErr

	success := runErr == nil && !sink.integrityFailure && !sink.protocolFailure
	e.auditor.LogTransaction(audit.EventTypeExtract, *manifestName, "", "", success, runErr, time.Since(start))

	if runErr != nil {
		log.WithError(runErr).Error("extract: run failed")
		if sink.integrityFailure || pipeline.IsIntegrityFailure(runErr) {
			return exitIntegrity
		}
		return exitProtocol
	}
	if sink.integrityFailure {
		return exitIntegrity
	}
	if sink.protocolFailure {
		return exitProtocol
	}
	return exitOK
}

// dirSink implements extract.FileSink against a real destination directory.
// It restores mode, mtime and link structure per spec §8 property 1
// (round-trip identity).
type dirSink struct {
	dest      string
	log       *logrus.Entry
	keepGoing bool

	integrityFailure bool
	protocolFailure  bool
}

func (s *dirSink) OpenFile(header manifest.FileHeader) (io.WriteCloser, error) {
	path := filepath.Join(s.dest, filepath.FromSlash(header.Filename))
	if header.Type == manifest.TypeDir {
		if err := os.MkdirAll(path, os.FileMode(header.Mode)|0o700); err != nil {
			return nil, err
		}
		return nopWriteCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode)|0o600)
}

func (s *dirSink) CloseFile(header manifest.FileHeader, w io.WriteCloser, extractErr error) error {
	closeErr := w.Close()
	if extractErr != nil {
		if pipeline.IsIntegrityFailure(extractErr) {
			s.log.WithError(extractErr).WithField("file", header.Filename).Error("extract: file failed integrity check")
			s.integrityFailure = true
		} else {
			s.log.WithError(extractErr).WithField("file", header.Filename).Error("extract: file failed transport/protocol check")
			s.protocolFailure = true
		}
		if s.keepGoing {
			return nil
		}
		return extractErr
	}
	if closeErr != nil {
		return closeErr
	}
	path := filepath.Join(s.dest, filepath.FromSlash(header.Filename))
	mtime := timeFromUnix(header.Mtime)
	return os.Chtimes(path, mtime, mtime)
}

func (s *dirSink) Link(header manifest.FileHeader, target string) error {
	path := filepath.Join(s.dest, filepath.FromSlash(header.Filename))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	os.Remove(path)
	if header.Type == manifest.TypeHardlink {
		return os.Link(filepath.Join(s.dest, filepath.FromSlash(target)), path)
	}
	return os.Symlink(target, path)
}

func timeFromUnix(sec int64) time.Time { return time.Unix(sec, 0) }

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
