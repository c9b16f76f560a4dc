package extract

import (
	"fmt"

	"github.com/kenchrcum/vaultbackup/internal/manifest"
	"github.com/kenchrcum/vaultbackup/internal/matcher"
)

// loadChain opens name and, recursively, every manifest its prevlvl chain
// names, returning levels ordered base-first (index 0) through the named
// manifest last. visited guards against a prevlvl cycle, which would
// otherwise recurse forever.
func loadChain(opener Opener, match *matcher.Matcher, name string, visited map[string]bool) ([]*level, error) {
	if visited[name] {
		return nil, fmt.Errorf("extract: manifest chain cycle at %q", name)
	}
	visited[name] = true

	rc, err := opener.Open(name)
	if err != nil {
		return nil, fmt.Errorf("extract: open manifest %q: %w", name, err)
	}
	defer rc.Close()

	r, err := manifest.Open(rc)
	if err != nil {
		return nil, fmt.Errorf("extract: read global header of %q: %w", name, err)
	}
	lvl, err := loadLevel(r, match)
	if err != nil {
		return nil, fmt.Errorf("extract: load %q: %w", name, err)
	}

	if r.Global.PrevLevel == "" {
		return []*level{lvl}, nil
	}
	base, err := loadChain(opener, match, r.Global.PrevLevel, visited)
	if err != nil {
		return nil, err
	}
	return append(base, lvl), nil
}
