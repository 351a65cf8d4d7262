// Package vcs provides the checkpoint operations the pipeline uses to
// snapshot and restore a target repository around each agent attempt.
package vcs

import "context"

// VersionControl creates, keeps and restores working-tree checkpoints.
type VersionControl interface {
	// CreateCheckpoint snapshots the full working tree of repoPath and
	// returns an identifier Rollback can restore exactly.
	CreateCheckpoint(ctx context.Context, repoPath, label string) (string, error)
	// Commit keeps the changes made since checkpointID and returns the id of
	// the resulting snapshot.
	Commit(ctx context.Context, repoPath, checkpointID, message string) (string, error)
	// Rollback restores repoPath to the content captured at checkpointID.
	Rollback(ctx context.Context, repoPath, checkpointID string) error
}

// Isolator gives concurrent agents private working copies of a repository
// and folds their committed work back into it.
type Isolator interface {
	Isolate(ctx context.Context, repoPath, name string) (string, error)
	// Integrate applies the changes of commitID (made in workdir) onto
	// repoPath. A conflicting change leaves repoPath untouched.
	Integrate(ctx context.Context, repoPath, workdir, commitID string) error
	Release(ctx context.Context, repoPath, workdir string) error
	// Cleanup removes working copies whose name starts with prefix, left
	// behind by an interrupted run.
	Cleanup(ctx context.Context, repoPath, prefix string) error
}

// Backend is a VersionControl that can also isolate.
type Backend interface {
	VersionControl
	Isolator
	// Prepare makes repoPath usable for checkpoints, initializing it if
	// needed.
	Prepare(ctx context.Context, repoPath string) error
}
