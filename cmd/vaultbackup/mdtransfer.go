package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/vaultbackup/internal/chunkproto"
	"github.com/kenchrcum/vaultbackup/internal/config"
	"github.com/kenchrcum/vaultbackup/internal/control"
	"github.com/kenchrcum/vaultbackup/internal/s3backend"
)

// runMdPush uploads a locally archived manifest to the server as a named
// manifest object (spec §4.4 invariant 5, §4.7): the native backend streams
// its bytes through the chunked WRITE pipeline under the METADATA keyspace,
// bracketed by cr_md_open_for_create/cr_md_close; an S3 backend instead
// uploads it as one whole object under its own manifest-object prefix,
// since there's no server-side naming protocol on the other end to bracket
// a chunked transfer against.
func runMdPush(args []string) int {
	fs := flag.NewFlagSet("md-push", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	verbose := fs.Int("v", 0, "verbosity (stacked: -v, -vv)")
	manifestName := fs.String("manifest", "", "name of the manifest to push (required)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *manifestName == "" {
		fmt.Fprintln(os.Stderr, "usage: vaultbackup md-push -manifest NAME")
		return exitConfig
	}

	e, code := loadEnv(*configPath, *verbose)
	if code != exitOK {
		return code
	}
	defer e.Close()
	log := logrus.NewEntry(e.logger).WithField("manifest", *manifestName)

	data, err := os.ReadFile(mdPathFor(e.cfg, *manifestName))
	if err != nil {
		log.WithError(err).Error("md-push: read local manifest")
		return exitConfig
	}

	ctx := context.Background()
	family, err := parseCompression(e.cfg)
	if err != nil {
		log.WithError(err).Error("md-push: bad compression family")
		return exitConfig
	}
	dek, err := deriveDEK(ctx, e.cfg)
	if err != nil {
		log.WithError(err).Error("md-push: derive key")
		return exitConfig
	}

	if e.cfg.Backend.Type == config.BackendS3 {
		client, err := s3backend.NewClient(ctx, s3backend.Config{
			Provider:  e.cfg.Backend.Provider,
			Endpoint:  e.cfg.Backend.Endpoint,
			Region:    e.cfg.Backend.Region,
			AccessKey: e.cfg.Backend.AccessKey,
			SecretKey: e.cfg.Backend.SecretKey,
			Bucket:    e.cfg.Backend.Bucket,
		})
		if err != nil {
			log.WithError(err).Error("md-push: connect to S3 backend")
			return exitProtocol
		}
		ms := s3backend.NewManifestStore(client, e.cfg.Backend.Bucket, "manifests/")
		if err := ms.Push(ctx, *manifestName, data); err != nil {
			log.WithError(err).Error("md-push: upload failed")
			return exitProtocol
		}
		return exitOK
	}

	client, sess, err := mdClient(ctx, e.cfg, log)
	if err != nil {
		log.WithError(err).Error("md-push: connect")
		return exitProtocol
	}
	defer sess.Close()

	mdStore := chunkproto.New(sess, true, false)
	transfer, err := control.NewTransfer(client, mdStore, family, dek, e.cfg.ChunkSize)
	if err != nil {
		log.WithError(err).Error("md-push: construct transfer")
		return exitConfig
	}
	if err := transfer.Push(ctx, *manifestName, data); err != nil {
		log.WithError(err).Error("md-push: upload failed")
		return exitProtocol
	}
	return exitOK
}

// runMdPull downloads a manifest object from the server and writes it under
// md_dir, the mirror image of runMdPush.
func runMdPull(args []string) int {
	fs := flag.NewFlagSet("md-pull", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	verbose := fs.Int("v", 0, "verbosity (stacked: -v, -vv)")
	manifestName := fs.String("manifest", "", "name of the manifest to pull (required)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *manifestName == "" {
		fmt.Fprintln(os.Stderr, "usage: vaultbackup md-pull -manifest NAME")
		return exitConfig
	}

	e, code := loadEnv(*configPath, *verbose)
	if code != exitOK {
		return code
	}
	defer e.Close()
	log := logrus.NewEntry(e.logger).WithField("manifest", *manifestName)

	ctx := context.Background()
	family, err := parseCompression(e.cfg)
	if err != nil {
		log.WithError(err).Error("md-pull: bad compression family")
		return exitConfig
	}
	dek, err := deriveDEK(ctx, e.cfg)
	if err != nil {
		log.WithError(err).Error("md-pull: derive key")
		return exitConfig
	}

	var data []byte
	if e.cfg.Backend.Type == config.BackendS3 {
		client, err := s3backend.NewClient(ctx, s3backend.Config{
			Provider:  e.cfg.Backend.Provider,
			Endpoint:  e.cfg.Backend.Endpoint,
			Region:    e.cfg.Backend.Region,
			AccessKey: e.cfg.Backend.AccessKey,
			SecretKey: e.cfg.Backend.SecretKey,
			Bucket:    e.cfg.Backend.Bucket,
		})
		if err != nil {
			log.WithError(err).Error("md-pull: connect to S3 backend")
			return exitProtocol
		}
		ms := s3backend.NewManifestStore(client, e.cfg.Backend.Bucket, "manifests/")
		data, err = ms.Pull(ctx, *manifestName)
		if err != nil {
			log.WithError(err).Error("md-pull: download failed")
			return exitProtocol
		}
	} else {
		client, sess, err := mdClient(ctx, e.cfg, log)
		if err != nil {
			log.WithError(err).Error("md-pull: connect")
			return exitProtocol
		}
		defer sess.Close()

		mdStore := chunkproto.New(sess, true, false)
		transfer, err := control.NewTransfer(client, mdStore, family, dek, e.cfg.ChunkSize)
		if err != nil {
			log.WithError(err).Error("md-pull: construct transfer")
			return exitConfig
		}
		var buf bufWriter
		if err := transfer.Pull(ctx, *manifestName, &buf); err != nil {
			log.WithError(err).Error("md-pull: download failed")
			return exitProtocol
		}
		data = buf.data
	}

	if err := os.WriteFile(mdPathFor(e.cfg, *manifestName), data, 0o600); err != nil {
		log.WithError(err).Error("md-pull: write local manifest")
		return exitConfig
	}
	return exitOK
}

func mdPathFor(cfg config.Config, name string) string {
	return filepath.Join(cfg.MdDir, name)
}

// bufWriter is an io.Writer accumulating every chunk Transfer.Pull hands it;
// manifests are small enough (spec §3: headers, digests, trailers) to hold
// entirely in memory rather than streaming to a temp file.
type bufWriter struct{ data []byte }

func (b *bufWriter) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
