package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/vaultbackup/internal/control"
	"github.com/kenchrcum/vaultbackup/internal/manifest"
	"github.com/kenchrcum/vaultbackup/internal/matcher"
)

// runList prints every selected entry of one local manifest (spec §6
// `list`). It reads the manifest directly out of md_dir; listing never
// requires a server round trip since a manifest is self-describing.
func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	verbose := fs.Int("v", 0, "verbosity (stacked: -v, -vv)")
	matchMode := fs.String("match-mode", "literal", "match mode: regex, glob, or literal")
	matchPattern := fs.String("match", "", "pattern selecting which files to list (empty selects all)")
	fs.Usage = func() { fmt.Fprintln(os.Stderr, "usage: vaultbackup list -manifest NAME") }
	manifestName := fs.String("manifest", "", "name of the manifest to list (required)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *manifestName == "" {
		fs.Usage()
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
		log.WithError(err).Error("list: bad match spec")
		return exitConfig
	}

	f, err := os.Open(filepath.Join(e.cfg.MdDir, *manifestName))
	if err != nil {
		log.WithError(err).Error("list: open manifest")
		return exitConfig
	}
	defer f.Close()

	mr, err := manifest.Open(f)
	if err != nil {
		log.WithError(err).Error("list: bad manifest header")
		return exitConfig
	}

	for {
		fh, err := mr.ReadHeader()
		if err != nil {
			log.WithError(err).Error("list: read file header")
			return exitConfig
		}
		if fh.IsEOF() {
			break
		}

		if fh.Type == manifest.TypeSymlink || fh.Type == manifest.TypeHardlink {
			target, err := mr.ReadHeader()
			if err != nil {
				log.WithError(err).Error("list: read link target")
				return exitConfig
			}
			if fh.NrShas >= 0 {
				if err := mr.SkipDigests(fh.NrShas); err != nil {
					log.WithError(err).Error("list: skip digests")
					return exitConfig
				}
				if _, err := mr.ReadTrailer(); err != nil {
					log.WithError(err).Error("list: read trailer")
					return exitConfig
				}
			}
			if match.Match(fh.Filename) {
				fmt.Printf("%s\t%s -> %s\n", fh.Type.String(), fh.Filename, target.Filename)
			}
			continue
		}

		if fh.NrShas < 0 {
			// Unchanged since the base level: nothing of this file's own is
			// recorded here, just the marker itself.
			if match.Match(fh.Filename) {
				fmt.Printf("unchanged\t%s\n", fh.Filename)
			}
			continue
		}

		if err := mr.SkipDigests(fh.NrShas); err != nil {
			log.WithError(err).Error("list: skip digests")
			return exitConfig
		}
		trailer, err := mr.ReadTrailer()
		if err != nil {
			log.WithError(err).Error("list: read trailer")
			return exitConfig
		}
		if match.Match(fh.Filename) {
			fmt.Printf("%s\t%d\t%s\t%x\n", fh.Type.String(), trailer.OrigSize, time.Unix(fh.Mtime, 0).Format(time.RFC3339), trailer.Sha)
		}
	}

	return exitOK
}

// runMdList asks the server (over the control subprotocol) for the manifest
// objects it knows about (spec §4.7 cr_md_list).
func runMdList(args []string) int {
	fs := flag.NewFlagSet("md-list", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	verbose := fs.Int("v", 0, "verbosity (stacked: -v, -vv)")
	matchMode := fs.String("match-mode", "literal", "match mode: regex, glob, or literal")
	matchPattern := fs.String("match", "", "pattern selecting which manifests to list (empty selects all)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	e, code := loadEnv(*configPath, *verbose)
	if code != exitOK {
		return code
	}
	defer e.Close()
	log := logrus.NewEntry(e.logger)

	match, err := matcher.New(matcher.Mode(*matchMode), *matchPattern)
	if err != nil {
		log.WithError(err).Error("md-list: bad match spec")
		return exitConfig
	}

	ctx := context.Background()
	client, sess, err := mdClient(ctx, e.cfg, log)
	if err != nil {
		log.WithError(err).Error("md-list: connect")
		return exitProtocol
	}
	defer sess.Close()

	reply, err := client.Do(ctx, control.Request{Action: control.ActionList, Version: "1"})
	if err != nil {
		log.WithError(err).Error("md-list: request failed")
		return exitProtocol
	}

	for _, f := range reply.Files {
		if !match.Match(f.Name) {
			continue
		}
		fmt.Printf("%s\t%d\t%s\n", f.Name, f.Size, time.Unix(f.Mtime, 0).Format(time.RFC3339))
	}
	return exitOK
}

// runMdDelete removes a manifest object from the server (spec §4.7
// cr_md_delete).
func runMdDelete(args []string) int {
	fs := flag.NewFlagSet("md-delete", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	verbose := fs.Int("v", 0, "verbosity (stacked: -v, -vv)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	names := fs.Args()
	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "usage: vaultbackup md-delete NAME...")
		return exitConfig
	}

	e, code := loadEnv(*configPath, *verbose)
	if code != exitOK {
		return code
	}
	defer e.Close()
	log := logrus.NewEntry(e.logger)

	ctx := context.Background()
	client, sess, err := mdClient(ctx, e.cfg, log)
	if err != nil {
		log.WithError(err).Error("md-delete: connect")
		return exitProtocol
	}
	defer sess.Close()

	var refs []control.FileRef
	for _, n := range names {
		refs = append(refs, control.FileRef{Name: n})
	}

	if _, err := client.Do(ctx, control.Request{Action: control.ActionDelete, Version: "1", Files: refs}); err != nil {
		log.WithError(err).Error("md-delete: request failed")
		return exitProtocol
	}
	return exitOK
}

