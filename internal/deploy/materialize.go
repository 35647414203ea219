package deploy

import (
	"context"
	"fmt"

	"github.com/schaermu/ngxdeployd/internal/git"
)

// Materializer produces the worktree contents for a deployment
type Materializer interface {
	// Materialize puts the revision's tree into destDir and returns the
	// commit it materialized. An empty revision means the deploy ref's
	// current tip.
	Materialize(ctx context.Context, revision, destDir string) (string, error)
}

// ArchiveMaterializer extracts revisions straight out of the local bare
// repository, the hook and manual deploy path.
type ArchiveMaterializer struct {
	repo *git.Repository
	ref  string
}

// NewArchiveMaterializer creates a materializer reading from repo. The
// ref is what an empty revision resolves to and must already be concrete
// (callers resolve an unset deploy ref to the repository HEAD).
func NewArchiveMaterializer(repo *git.Repository, ref string) *ArchiveMaterializer {
	return &ArchiveMaterializer{repo: repo, ref: ref}
}

// Materialize resolves the revision and extracts its tree into destDir
func (m *ArchiveMaterializer) Materialize(ctx context.Context, revision, destDir string) (string, error) {
	rev := revision
	if rev == "" {
		rev = m.ref
	}
	if rev == "" {
		return "", fmt.Errorf("no revision and no deploy ref to materialize")
	}

	commit, err := m.repo.ResolveRef(ctx, rev)
	if err != nil {
		return "", err
	}
	if err := m.repo.MaterializeArchive(ctx, commit, destDir); err != nil {
		return "", err
	}
	return commit, nil
}

// CheckoutMaterializer fetches a remote repository into a cache clone and
// extracts from there, the serve mode path. The worktree itself never
// holds the clone, so both paths produce identical trees.
type CheckoutMaterializer struct {
	client   git.Client
	url      string
	ref      string
	cacheDir string
}

// NewCheckoutMaterializer creates a materializer fetching url's ref into
// cacheDir before every extraction
func NewCheckoutMaterializer(client git.Client, url, ref, cacheDir string) *CheckoutMaterializer {
	return &CheckoutMaterializer{
		client:   client,
		url:      url,
		ref:      ref,
		cacheDir: cacheDir,
	}
}

// Materialize fetches the remote, then extracts the revision (or the
// fetched tip when revision is empty) into destDir
func (m *CheckoutMaterializer) Materialize(ctx context.Context, revision, destDir string) (string, error) {
	commit, err := m.client.EnsureCheckout(ctx, m.url, m.ref, m.cacheDir)
	if err != nil {
		return "", fmt.Errorf("failed to fetch repository: %w", err)
	}

	rev := revision
	if rev == "" {
		rev = commit
	}

	repo := git.NewRepository(m.cacheDir)
	resolved, err := repo.ResolveRef(ctx, rev)
	if err != nil {
		return "", err
	}
	if err := repo.MaterializeArchive(ctx, resolved, destDir); err != nil {
		return "", err
	}
	return resolved, nil
}
