package reconcile

import "path/filepath"

// MappingKind distinguishes single-file mappings from mirrored directories
type MappingKind string

const (
	KindFile MappingKind = "file"
	KindDir  MappingKind = "dir"
)

// Mapping pairs a path inside the checkout with its destination below the
// nginx prefix. DestRel doubles as the location inside the stage tree, so
// the staged tree always has the live layout.
type Mapping struct {
	Source  string      // path relative to the worktree, slash-separated
	DestRel string      // path relative to the nginx prefix
	Kind    MappingKind
}

// SourcePath returns the mapping's absolute source inside the worktree
func (m Mapping) SourcePath(worktree string) string {
	return filepath.Join(worktree, filepath.FromSlash(m.Source))
}

// NginxMappings returns the fixed mapping table: the primary config file
// first, then the mirrored include directories.
func NginxMappings() []Mapping {
	return []Mapping{
		{Source: "nginx_conf/nginx.conf", DestRel: "nginx.conf", Kind: KindFile},
		{Source: "nginx_conf/conf.d", DestRel: "conf.d", Kind: KindDir},
		{Source: "nginx_conf/sites", DestRel: "sites", Kind: KindDir},
	}
}
