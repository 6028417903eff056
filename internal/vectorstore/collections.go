package vectorstore

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Collection naming modes.
const (
	ModeProject = "project"
	ModeSingle  = "single"
)

// CollectionNamer decides which collection a project's chunks go to.
type CollectionNamer struct {
	Mode    string
	Name    string // used in single mode
	Prefix  string
	Backend string
}

// For returns the collection for project. Project mode yields
// <prefix>_<sha256(project)[:8]>_<backend> so collections built by different
// embedding backends never mix.
func (n CollectionNamer) For(project string) string {
	if n.Mode == ModeSingle {
		return n.Name
	}
	sum := sha256.Sum256([]byte(project))
	return n.Prefix + "_" + hex.EncodeToString(sum[:])[:8] + "_" + sanitize(n.Backend)
}

func sanitize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
