package reconcile

// Plan represents the activation operations for one deployment
type Plan struct {
	Add    []FileOp
	Update []FileOp
	Delete []FileOp
}

// Total returns the number of operations in the plan
func (p *Plan) Total() int {
	return len(p.Add) + len(p.Update) + len(p.Delete)
}

// Empty reports whether the plan contains no operations
func (p *Plan) Empty() bool {
	return p.Total() == 0
}

// FileOp represents a single file operation against the live tree
type FileOp struct {
	StagePath string // absolute path in the stage tree (empty for deletes)
	DestPath  string // absolute path under the nginx prefix
	RelPath   string // prefix-relative path for logs and records
	Hash      string // content hash
}

// StageResult describes what Stage materialized
type StageResult struct {
	Dir     string // stage root
	Staged  []StagedMapping
	Skipped []Mapping // mappings whose source was absent
}

// StagedMapping is one mapping present in the stage tree
type StagedMapping struct {
	Mapping Mapping
	Files   int
}
