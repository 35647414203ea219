// Package reconcile turns a checked-out revision into changes to the live
// nginx configuration tree. It builds a stage tree laid out exactly like
// the destination, diffs it against what is live, and applies the diff
// with atomic per-file writes. The stage is what gets validated before
// anything live is touched.
package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
)

// Reconciler stages and activates the mapped configuration paths
type Reconciler struct {
	worktree string
	prefix   string
	stageDir string
	mappings []Mapping
	logger   *slog.Logger
}

// NewReconciler creates a reconciler for one worktree/prefix pair
func NewReconciler(worktree, prefix, stageDir string, mappings []Mapping, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		worktree: worktree,
		prefix:   prefix,
		stageDir: stageDir,
		mappings: mappings,
		logger:   logger,
	}
}

// StageDir returns the stage root, the tree the syntax checker validates
func (r *Reconciler) StageDir() string {
	return r.stageDir
}

// Stage rebuilds the stage tree from the worktree. Mappings whose source
// is missing are skipped with a warning and contribute nothing to the
// plan, so their destination stays untouched.
func (r *Reconciler) Stage() (*StageResult, error) {
	if err := os.RemoveAll(r.stageDir); err != nil {
		return nil, fmt.Errorf("failed to clear stage directory: %w", err)
	}
	if err := os.MkdirAll(r.stageDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stage directory: %w", err)
	}

	result := &StageResult{Dir: r.stageDir}
	for _, m := range r.mappings {
		src := m.SourcePath(r.worktree)
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				r.logger.Warn("source path missing, skipping mapping", "source", m.Source)
				result.Skipped = append(result.Skipped, m)
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", src, err)
		}

		target := filepath.Join(r.stageDir, filepath.FromSlash(m.DestRel))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, fmt.Errorf("failed to create stage parent for %s: %w", m.DestRel, err)
		}

		opts := copy.Options{
			Skip: func(srcinfo os.FileInfo, src, dest string) (bool, error) {
				return strings.HasPrefix(srcinfo.Name(), "."), nil
			},
			// Deep so sites-enabled style symlinks become regular files
			// and the checker validates exactly what gets activated.
			OnSymlink: func(string) copy.SymlinkAction {
				return copy.Deep
			},
		}
		if err := copy.Copy(src, target, opts); err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", m.Source, err)
		}

		files, err := mappingFiles(r.stageDir, m)
		if err != nil {
			return nil, fmt.Errorf("failed to index staged %s: %w", m.DestRel, err)
		}
		result.Staged = append(result.Staged, StagedMapping{Mapping: m, Files: len(files)})
		r.logger.Info("staged mapping", "source", m.Source, "files", len(files))
	}

	return result, nil
}

// BuildPlan diffs the stage tree against the live destination. Adds and
// updates come from content hash comparison; deletes are live files the
// stage mirror no longer carries. Only staged mappings participate, so a
// skipped mapping never deletes anything.
func (r *Reconciler) BuildPlan(staged *StageResult) (*Plan, error) {
	plan := &Plan{
		Add:    make([]FileOp, 0),
		Update: make([]FileOp, 0),
		Delete: make([]FileOp, 0),
	}

	for _, sm := range staged.Staged {
		desired, err := mappingFiles(staged.Dir, sm.Mapping)
		if err != nil {
			return nil, fmt.Errorf("failed to index stage for %s: %w", sm.Mapping.DestRel, err)
		}
		current, err := mappingFiles(r.prefix, sm.Mapping)
		if err != nil {
			return nil, fmt.Errorf("failed to index live files for %s: %w", sm.Mapping.DestRel, err)
		}

		for rel, stagePath := range desired {
			hash, err := fileHash(stagePath)
			if err != nil {
				return nil, fmt.Errorf("failed to compute hash for %s: %w", stagePath, err)
			}

			destPath := filepath.Join(r.prefix, filepath.FromSlash(rel))
			livePath, exists := current[rel]
			if !exists {
				plan.Add = append(plan.Add, FileOp{
					StagePath: stagePath,
					DestPath:  destPath,
					RelPath:   rel,
					Hash:      hash,
				})
				continue
			}

			liveHash, err := fileHash(livePath)
			if err != nil {
				return nil, fmt.Errorf("failed to compute hash for %s: %w", livePath, err)
			}
			if liveHash != hash {
				plan.Update = append(plan.Update, FileOp{
					StagePath: stagePath,
					DestPath:  destPath,
					RelPath:   rel,
					Hash:      hash,
				})
			}
			// else: unchanged, no action needed
		}

		for rel, livePath := range current {
			if _, exists := desired[rel]; !exists {
				plan.Delete = append(plan.Delete, FileOp{
					DestPath: livePath,
					RelPath:  rel,
				})
			}
		}
	}

	return plan, nil
}

// Apply activates the plan against the live prefix. Every write is a
// same-directory tmp+rename, so the running server never reads a half
// written file.
func (r *Reconciler) Apply(plan *Plan) error {
	for _, op := range plan.Add {
		r.logger.Info("adding file", "dest", op.DestPath)
		if err := copyFileAtomic(op.StagePath, op.DestPath); err != nil {
			return fmt.Errorf("failed to add file %s: %w", op.DestPath, err)
		}
	}

	for _, op := range plan.Update {
		r.logger.Info("updating file", "dest", op.DestPath)
		if err := copyFileAtomic(op.StagePath, op.DestPath); err != nil {
			return fmt.Errorf("failed to update file %s: %w", op.DestPath, err)
		}
	}

	for _, op := range plan.Delete {
		r.logger.Info("deleting file", "dest", op.DestPath)
		if err := os.Remove(op.DestPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete file %s: %w", op.DestPath, err)
		}
	}

	return nil
}

// LogPlanDetails logs every planned operation, used by dry-run
func (r *Reconciler) LogPlanDetails(plan *Plan) {
	for _, op := range plan.Add {
		r.logger.Info("[dry-run] would add", "dest", op.DestPath)
	}
	for _, op := range plan.Update {
		r.logger.Info("[dry-run] would update", "dest", op.DestPath)
	}
	for _, op := range plan.Delete {
		r.logger.Info("[dry-run] would delete", "dest", op.DestPath)
	}
}

// mappingFiles returns prefix-relative path -> absolute path for every
// regular file the mapping contributes under root (the stage or the live
// prefix). A missing path yields an empty set. Hidden files and
// directories are invisible on both sides.
func mappingFiles(root string, m Mapping) (map[string]string, error) {
	base := filepath.Join(root, filepath.FromSlash(m.DestRel))
	files := make(map[string]string)

	if m.Kind == KindFile {
		info, err := os.Stat(base)
		if err != nil {
			if os.IsNotExist(err) {
				return files, nil
			}
			return nil, err
		}
		if info.Mode().IsRegular() {
			files[m.DestRel] = base
		}
		return files, nil
	}

	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if path != base && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = path
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return files, nil
}

// copyFileAtomic copies src to dst via a temp file in the destination
// directory followed by a rename
func copyFileAtomic(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".ngxdeployd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(srcInfo.Mode()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// fileHash computes the SHA256 hash of a file
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
