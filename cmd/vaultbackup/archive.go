package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/vaultbackup/internal/audit"
	"github.com/kenchrcum/vaultbackup/internal/manifest"
	"github.com/kenchrcum/vaultbackup/internal/pipeline"
	"github.com/kenchrcum/vaultbackup/internal/txpool"
)

func runArchive(args []string) int {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	verbose := fs.Int("v", 0, "verbosity (stacked: -v, -vv)")
	manifestName := fs.String("manifest", "", "name of the manifest to create under md_dir (required)")
	basis := fs.String("basis", "", "name of the base manifest for a differential")
	level := fs.Uint("level", 0, "differential level of this manifest")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	paths := fs.Args()
	if *manifestName == "" || len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: vaultbackup archive -manifest NAME [-basis BASE] [-level N] PATH...")
		return exitConfig
	}

	e, code := loadEnv(*configPath, *verbose)
	if code != exitOK {
		return code
	}
	defer e.Close()
	log := logrus.NewEntry(e.logger).WithField("manifest", *manifestName)

	start := time.Now()
	ctx := context.Background()
	family, err := parseCompression(e.cfg)
	if err != nil {
		log.WithError(err).Error("archive: bad compression family")
		return exitConfig
	}

	dek, err := deriveDEK(ctx, e.cfg)
	if err != nil {
		log.WithError(err).Error("archive: derive key")
		return exitConfig
	}

	st, err := openStore(ctx, e.cfg, log)
	if err != nil {
		log.WithError(err).Error("archive: connect to store")
		return exitProtocol
	}
	if st.nativeSess != nil {
		defer st.nativeSess.Close()
	}

	pool, err := txpool.NewPool(e.cfg.QueueDepth)
	if err != nil {
		log.WithError(err).Error("archive: transaction pool")
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
		log.WithError(err).Error("archive: construct engine")
		return exitConfig
	}

	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()
	engineErr := make(chan error, 1)
	go func() { engineErr <- engine.Run(engineCtx) }()

	mdPath := filepath.Join(e.cfg.MdDir, *manifestName)
	mdFile, err := os.Create(mdPath)
	if err != nil {
		log.WithError(err).Error("archive: create manifest file")
		return exitConfig
	}
	defer mdFile.Close()

	cwd, _ := os.Getwd()
	writer, err := manifest.Create(mdFile, uint32(e.cfg.ChunkSize), dek != nil, e.cfg.MultilevelAllFiles, *basis, uint32(*level), cwd, paths)
	if err != nil {
		log.WithError(err).Error("archive: create manifest")
		return exitConfig
	}

	walker := &archiveWalker{engine: engine, writer: writer, dek: dek, log: log}
	fatal := exitOK
	for _, root := range paths {
		if err := walker.walk(root); err != nil {
			log.WithError(err).WithField("path", root).Error("archive: walk failed")
			fatal = exitConfig
			break
		}
	}

	if err := writer.Close(); err != nil {
		log.WithError(err).Error("archive: close manifest")
		if fatal == exitOK {
			fatal = exitConfig
		}
	}

	cancelEngine()
	<-engineErr

	log.WithFields(logrus.Fields{
		"chunks_read":    engine.Stats.ChunksRead,
		"chunks_deduped": engine.Stats.ChunksDeduped,
		"chunks_written": engine.Stats.ChunksWritten,
		"bytes_plain":    engine.Stats.BytesPlain,
		"bytes_stored":   engine.Stats.BytesStored,
	}).Info("archive: done")

	var runErr error
	if fatal != exitOK {
		runErr = fmt.Errorf("archive: run failed with exit code %d", fatal)
	}
	e.auditor.LogTransaction(audit.EventTypeArchive, *manifestName, "", "", fatal == exitOK, runErr, time.Since(start))

	return fatal
}

// archiveWalker enumerates a filesystem tree and feeds each entry to the
// pipeline engine. Full traversal semantics (hardlink detection across an
// entire run, exhaustive special-file handling) are the filesystem
// enumerator's job (spec §1 "out of scope"); this is the thin collaborator
// producing FileMeta records and readers for regular files.
type archiveWalker struct {
	engine *pipeline.Engine
	writer *manifest.Writer
	dek    []byte
	log    *logrus.Entry
}

func (w *archiveWalker) walk(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return w.archiveEntry(path, info)
	})
}

func (w *archiveWalker) archiveEntry(path string, info os.FileInfo) error {
	meta := pipeline.FileMeta{
		Name:  filepath.ToSlash(path),
		Mode:  uint32(info.Mode().Perm()),
		Mtime: info.ModTime().Unix(),
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("readlink %s: %w", path, err)
		}
		meta.Type = manifest.TypeSymlink
		meta.LinkTarget = target
		return w.engine.ArchiveFile(context.Background(), w.writer, meta, w.dek, strings.NewReader(""))

	case info.IsDir():
		meta.Type = manifest.TypeDir
		return w.engine.ArchiveFile(context.Background(), w.writer, meta, w.dek, strings.NewReader(""))

	case info.Mode()&os.ModeNamedPipe != 0:
		meta.Type = manifest.TypeFIFO
		return w.engine.ArchiveFile(context.Background(), w.writer, meta, w.dek, strings.NewReader(""))

	case info.Mode()&os.ModeDevice != 0:
		meta.Type = manifest.TypeDevice
		return w.engine.ArchiveFile(context.Background(), w.writer, meta, w.dek, strings.NewReader(""))

	default:
		meta.Type = manifest.TypeRegular
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		return w.engine.ArchiveFile(context.Background(), w.writer, meta, w.dek, f)
	}
}

