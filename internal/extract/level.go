package extract

import (
	"fmt"

	"github.com/kenchrcum/vaultbackup/internal/manifest"
	"github.com/kenchrcum/vaultbackup/internal/matcher"
)

// fileEntry is one file header's worth of state as loaded from a manifest
// level, with its digest list present only when the entry is both selected
// by the match predicate and not an "unchanged, take from base" placeholder
// (NrShas == -1, spec §4.8).
type fileEntry struct {
	header     manifest.FileHeader
	linkTarget string
	digests    []manifest.Digest
	trailer    manifest.Trailer
}

func (fe fileEntry) changed() bool { return fe.header.NrShas >= 0 }

// level is one fully-loaded manifest in a differential chain, indexed by
// filename so a later level's "unchanged" placeholder can be resolved
// against an earlier one without re-reading the manifest from disk.
type level struct {
	global  manifest.GlobalHeader
	order   []string
	entries []fileEntry
	index   map[string]int
}

// loadLevel reads every record out of r, keeping full digest data only for
// entries the match predicate selects; unselected entries have their digest
// run skipped via the size-probe trick (spec §4.2/§4.8), since no later
// resolution ever needs a file's bytes under a name nothing asked for.
func loadLevel(r *manifest.Reader, match *matcher.Matcher) (*level, error) {
	lvl := &level{global: r.Global, index: make(map[string]int)}
	for {
		fh, err := r.ReadHeader()
		if err != nil {
			return nil, fmt.Errorf("extract: read file header: %w", err)
		}
		if fh.IsEOF() {
			return lvl, nil
		}

		entry := fileEntry{header: fh}
		if fh.Type == manifest.TypeSymlink || fh.Type == manifest.TypeHardlink {
			target, err := r.ReadHeader()
			if err != nil {
				return nil, fmt.Errorf("extract: read link target for %q: %w", fh.Filename, err)
			}
			entry.linkTarget = target.Filename
		}

		if fh.NrShas >= 0 {
			if match.Match(fh.Filename) {
				digests := make([]manifest.Digest, fh.NrShas)
				for i := range digests {
					if digests[i], err = r.ReadDigest(); err != nil {
						return nil, fmt.Errorf("extract: read digest %d of %q: %w", i, fh.Filename, err)
					}
				}
				entry.digests = digests
			} else if err := r.SkipDigests(fh.NrShas); err != nil {
				return nil, fmt.Errorf("extract: skip digests of %q: %w", fh.Filename, err)
			}
			trailer, err := r.ReadTrailer()
			if err != nil {
				return nil, fmt.Errorf("extract: read trailer of %q: %w", fh.Filename, err)
			}
			entry.trailer = trailer
		}
		// NrShas == -1: an unchanged placeholder carries no digest list or
		// trailer of its own; resolveEntry walks the chain for the nearest
		// concrete record instead.

		lvl.index[fh.Filename] = len(lvl.entries)
		lvl.order = append(lvl.order, fh.Filename)
		lvl.entries = append(lvl.entries, entry)
	}
}

// resolveEntry finds the nearest concrete (non-placeholder) record for name,
// searching from the top of the chain down to the base. Both walk
// directions named in spec §4.8 (forward from base under MLB_ALLFILES,
// backward from the current level otherwise) converge on this same
// "nearest concrete record wins" result — they differ only in which level
// supplies the file's enumeration position, not in how its content
// resolves, so one resolution routine serves both (see DESIGN.md).
func resolveEntry(chain []*level, name string) (fileEntry, error) {
	for i := len(chain) - 1; i >= 0; i-- {
		idx, ok := chain[i].index[name]
		if !ok {
			continue
		}
		if e := chain[i].entries[idx]; e.changed() {
			return e, nil
		}
	}
	return fileEntry{}, fmt.Errorf("extract: %q has no concrete record anywhere in the differential chain", name)
}
