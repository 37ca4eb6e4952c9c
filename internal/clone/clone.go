// Package clone creates and synchronizes the host-local git working copies
// backing a run. Each run gets one clone per configured repository, all
// checked out on a branch named after the run. Commits move clone-to-source
// via Fetch and source-to-clone via Sync; both directions are fast-forward
// only, and no operation ever modifies the source repository's checked-out
// branch or working tree.
package clone

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/revlist"

	"github.com/agentyard/yard/internal/errs"
	"github.com/agentyard/yard/internal/log"
)

// Provision creates one clone per source repository under clonesDir, each on
// a fresh branch cut from the source's current default branch. sources maps
// repo key to source repository path; the returned map carries repo key to
// clone path. Any repository failing removes every clone this call created,
// so a retry starts clean. Leftover directories from an interrupted earlier
// attempt are replaced, never reused.
func Provision(ctx context.Context, clonesDir, branch string, sources map[string]string) (map[string]string, error) {
	if err := os.MkdirAll(clonesDir, 0755); err != nil {
		return nil, fmt.Errorf("creating clones directory: %w", err)
	}

	keys := make([]string, 0, len(sources))
	for k := range sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clones := make(map[string]string, len(sources))
	var created []string
	rollback := func() {
		for _, path := range created {
			if err := os.RemoveAll(path); err != nil {
				log.Warn("rollback could not remove clone", "path", path, "error", err)
			}
		}
	}

	for _, key := range keys {
		target := filepath.Join(clonesDir, key)
		if err := os.RemoveAll(target); err != nil {
			rollback()
			return nil, fmt.Errorf("clearing clone target %s: %w", target, err)
		}
		if err := cloneOne(ctx, sources[key], target, branch); err != nil {
			_ = os.RemoveAll(target)
			rollback()
			return nil, fmt.Errorf("cloning %s: %w", key, err)
		}
		created = append(created, target)
		clones[key] = target
		log.Debug("provisioned clone", "repo", key, "path", target, "branch", branch)
	}
	return clones, nil
}

func cloneOne(ctx context.Context, source, target, branch string) error {
	repo, err := git.PlainCloneContext(ctx, target, false, &git.CloneOptions{
		URL: source,
	})
	if err != nil {
		return fmt.Errorf("cloning from %s: %w", source, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	}); err != nil {
		return fmt.Errorf("creating branch %s: %w", branch, err)
	}
	return nil
}

// Fetch copies the run branch from a clone into its source repository as a
// same-named local branch, created if absent and fast-forwarded if present.
// Returns the number of commits the source did not already have; repeated
// calls with nothing new return zero. The source's HEAD and working tree are
// never touched, and a source branch that cannot fast-forward reports
// ErrNonFastForward and stays where it was.
func Fetch(ctx context.Context, clonePath, branch string) (int, error) {
	cloneRepo, err := git.PlainOpen(clonePath)
	if err != nil {
		return 0, fmt.Errorf("opening clone %s: %w", clonePath, err)
	}
	sourcePath, err := originURL(cloneRepo)
	if err != nil {
		return 0, err
	}
	srcRepo, err := git.PlainOpen(sourcePath)
	if err != nil {
		return 0, fmt.Errorf("opening source %s: %w", sourcePath, err)
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	cloneTip, err := cloneRepo.Reference(branchRef, true)
	if err != nil {
		return 0, &errs.NotFoundError{Kind: "branch", ID: branch}
	}
	newHash := cloneTip.Hash()

	// Moving a branch the operator has checked out in the source would
	// desync its working tree.
	if head, err := srcRepo.Storer.Reference(plumbing.HEAD); err == nil &&
		head.Type() == plumbing.SymbolicReference && head.Target() == branchRef {
		return 0, fmt.Errorf("branch %s is checked out in the source repository; switch branches there first", branch)
	}

	srcRef, err := srcRepo.Reference(branchRef, true)
	exists := err == nil
	if err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return 0, fmt.Errorf("reading source branch %s: %w", branch, err)
	}
	if exists && srcRef.Hash() == newHash {
		return 0, nil
	}

	// Transfer the clone's objects into the source under a temporary ref,
	// then decide whether the branch itself may move.
	tmpRef := plumbing.ReferenceName("refs/yard/fetch/" + branch)
	if err := fetchObjects(ctx, srcRepo, clonePath, branchRef, tmpRef); err != nil {
		return 0, err
	}
	defer func() {
		if err := srcRepo.Storer.RemoveReference(tmpRef); err != nil {
			log.Debug("could not remove temporary fetch ref", "ref", tmpRef.String(), "error", err)
		}
	}()

	if !exists {
		count, err := countNewCommits(srcRepo, newHash, branchTips(srcRepo))
		if err != nil {
			return 0, err
		}
		if err := srcRepo.Storer.SetReference(plumbing.NewHashReference(branchRef, newHash)); err != nil {
			return 0, fmt.Errorf("creating source branch %s: %w", branch, err)
		}
		log.Debug("created source branch", "branch", branch, "commits", count)
		return count, nil
	}

	oldHash := srcRef.Hash()
	ff, err := isAncestor(srcRepo, oldHash, newHash)
	if err != nil {
		return 0, fmt.Errorf("checking ancestry for %s: %w", branch, err)
	}
	if !ff {
		return 0, fmt.Errorf("%w: source branch %s has commits the clone does not; sync the clone first", errs.ErrNonFastForward, branch)
	}

	count, err := countNewCommits(srcRepo, newHash, []plumbing.Hash{oldHash})
	if err != nil {
		return 0, err
	}
	if err := srcRepo.Storer.SetReference(plumbing.NewHashReference(branchRef, newHash)); err != nil {
		return 0, fmt.Errorf("updating source branch %s: %w", branch, err)
	}
	log.Debug("fast-forwarded source branch", "branch", branch, "commits", count)
	return count, nil
}

// SyncOptions control what Sync changes beyond refreshing the clone's
// remote-tracking refs.
type SyncOptions struct {
	// UpdateMain fast-forwards the clone's copy of the source's default
	// branch to the source's current tip.
	UpdateMain bool
	// Checkout switches the clone's working tree to this branch after the
	// ref update. Empty leaves the working tree alone.
	Checkout string
}

// SyncResult reports what Sync changed.
type SyncResult struct {
	MainBranch  string // name of the source's default branch
	MainUpdated bool
	CheckedOut  string
}

// Sync pulls ref updates from the source repository into a clone. The main
// update is fast-forward only: a diverged clone reports ErrNonFastForward
// and keeps its ref; the merge decision belongs to the operator. Checkout
// fails rather than overwrite uncommitted changes.
func Sync(ctx context.Context, clonePath string, opts SyncOptions) (SyncResult, error) {
	var res SyncResult

	cloneRepo, err := git.PlainOpen(clonePath)
	if err != nil {
		return res, fmt.Errorf("opening clone %s: %w", clonePath, err)
	}
	sourcePath, err := originURL(cloneRepo)
	if err != nil {
		return res, err
	}
	srcRepo, err := git.PlainOpen(sourcePath)
	if err != nil {
		return res, fmt.Errorf("opening source %s: %w", sourcePath, err)
	}

	err = cloneRepo.FetchContext(ctx, &git.FetchOptions{RemoteName: git.DefaultRemoteName})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return res, fmt.Errorf("fetching from source: %w", err)
	}

	mainBranch, err := defaultBranch(srcRepo)
	if err != nil {
		return res, err
	}
	res.MainBranch = mainBranch

	if opts.UpdateMain {
		updated, err := fastForwardMain(cloneRepo, mainBranch)
		if err != nil {
			return res, err
		}
		res.MainUpdated = updated
	}

	if opts.Checkout != "" {
		if err := checkoutBranch(cloneRepo, opts.Checkout); err != nil {
			return res, err
		}
		res.CheckedOut = opts.Checkout
	}
	return res, nil
}

// originURL returns the source path the clone was created from.
func originURL(repo *git.Repository) (string, error) {
	remote, err := repo.Remote(git.DefaultRemoteName)
	if err != nil {
		return "", fmt.Errorf("clone has no origin remote: %w", err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("origin remote has no URL")
	}
	return urls[0], nil
}

// fetchObjects pulls one branch from srcURL into dst under the ref name to,
// forced. The temporary ref only carries objects; callers decide separately
// whether any real branch moves.
func fetchObjects(ctx context.Context, dst *git.Repository, srcURL string, from, to plumbing.ReferenceName) error {
	remote, err := dst.CreateRemoteAnonymous(&config.RemoteConfig{
		Name: "anonymous",
		URLs: []string{srcURL},
	})
	if err != nil {
		return fmt.Errorf("creating anonymous remote: %w", err)
	}
	spec := config.RefSpec(fmt.Sprintf("+%s:%s", from, to))
	err = remote.FetchContext(ctx, &git.FetchOptions{RefSpecs: []config.RefSpec{spec}})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching %s from clone: %w", from.Short(), err)
	}
	return nil
}

// defaultBranch returns the branch the repository's HEAD symbolically points
// at.
func defaultBranch(repo *git.Repository) (string, error) {
	head, err := repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("reading source HEAD: %w", err)
	}
	if head.Type() != plumbing.SymbolicReference {
		return "", fmt.Errorf("source repository HEAD is detached; cannot determine default branch")
	}
	return head.Target().Short(), nil
}

// fastForwardMain moves the clone's local copy of the source default branch
// to the freshly fetched remote-tracking tip, fast-forward only. When that
// branch happens to be checked out, the working tree moves with it, but only
// if it is clean.
func fastForwardMain(cloneRepo *git.Repository, branch string) (bool, error) {
	branchRef := plumbing.NewBranchReferenceName(branch)
	trackingRef := plumbing.NewRemoteReferenceName(git.DefaultRemoteName, branch)

	tracking, err := cloneRepo.Reference(trackingRef, true)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", trackingRef.Short(), err)
	}
	srcTip := tracking.Hash()

	local, err := cloneRepo.Reference(branchRef, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		if err := cloneRepo.Storer.SetReference(plumbing.NewHashReference(branchRef, srcTip)); err != nil {
			return false, fmt.Errorf("creating %s: %w", branch, err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", branch, err)
	}
	if local.Hash() == srcTip {
		return false, nil
	}

	ff, err := isAncestor(cloneRepo, local.Hash(), srcTip)
	if err != nil {
		return false, fmt.Errorf("checking ancestry for %s: %w", branch, err)
	}
	if !ff {
		return false, fmt.Errorf("%w: clone's %s has diverged from the source; merge or rebase it manually", errs.ErrNonFastForward, branch)
	}

	if head, err := cloneRepo.Storer.Reference(plumbing.HEAD); err == nil &&
		head.Type() == plumbing.SymbolicReference && head.Target() == branchRef {
		wt, err := cloneRepo.Worktree()
		if err != nil {
			return false, fmt.Errorf("opening worktree: %w", err)
		}
		st, err := wt.Status()
		if err != nil {
			return false, fmt.Errorf("checking worktree status: %w", err)
		}
		if !st.IsClean() {
			return false, fmt.Errorf("%s is checked out with uncommitted changes; commit or discard them first", branch)
		}
		if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: srcTip}); err != nil {
			return false, fmt.Errorf("fast-forwarding %s: %w", branch, err)
		}
		return true, nil
	}

	if err := cloneRepo.Storer.SetReference(plumbing.NewHashReference(branchRef, srcTip)); err != nil {
		return false, fmt.Errorf("fast-forwarding %s: %w", branch, err)
	}
	return true, nil
}

// checkoutBranch switches the working tree, creating a local branch from the
// remote-tracking ref when only that exists.
func checkoutBranch(repo *git.Repository, branch string) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}

	st, err := wt.Status()
	if err != nil {
		return fmt.Errorf("checking worktree status: %w", err)
	}
	if !st.IsClean() {
		return fmt.Errorf("clone has uncommitted changes; commit or discard them before checkout")
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(branchRef, true); err == nil {
		if err := wt.Checkout(&git.CheckoutOptions{Branch: branchRef}); err != nil {
			return fmt.Errorf("checking out %s: %w", branch, err)
		}
		return nil
	}

	tracking, err := repo.Reference(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, branch), true)
	if err != nil {
		return &errs.NotFoundError{Kind: "branch", ID: branch}
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true, Hash: tracking.Hash()}); err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}
	return nil
}

// isAncestor reports whether ancestor is reachable from descendant, which is
// exactly the fast-forward condition.
func isAncestor(repo *git.Repository, ancestor, descendant plumbing.Hash) (bool, error) {
	ancestorCommit, err := repo.CommitObject(ancestor)
	if err != nil {
		return false, err
	}
	descendantCommit, err := repo.CommitObject(descendant)
	if err != nil {
		return false, err
	}
	return ancestorCommit.IsAncestor(descendantCommit)
}

// countNewCommits counts commits reachable from tip but from none of the
// exclude hashes.
func countNewCommits(repo *git.Repository, tip plumbing.Hash, exclude []plumbing.Hash) (int, error) {
	hashes, err := revlist.Objects(repo.Storer, []plumbing.Hash{tip}, exclude)
	if err != nil {
		return 0, fmt.Errorf("walking history: %w", err)
	}
	count := 0
	for _, h := range hashes {
		if _, err := repo.CommitObject(h); err == nil {
			count++
		}
	}
	return count, nil
}

// branchTips returns the tip hash of every local branch.
func branchTips(repo *git.Repository) []plumbing.Hash {
	iter, err := repo.Branches()
	if err != nil {
		return nil
	}
	defer iter.Close()

	var tips []plumbing.Hash
	_ = iter.ForEach(func(ref *plumbing.Reference) error {
		tips = append(tips, ref.Hash())
		return nil
	})
	return tips
}
