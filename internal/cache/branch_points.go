package cache

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"branchorigin/internal/common"
	"branchorigin/internal/copypoint"
	"branchorigin/internal/index"
	"branchorigin/internal/origin"
	"branchorigin/internal/storage"
	"branchorigin/internal/task"
)

// BranchPoints is the branch origin cache of one project.
//
// One mutex guards the store for all repositories. It is held for in-memory
// index operations and flushes only, never across a finder call.
//
// Operations other than Activate and Deactivate panic with common.ErrNotActive
// when the cache is not active.
type BranchPoints struct {
	path   string
	finder origin.Finder
	runner *task.Runner

	mu    sync.Mutex
	store *storage.Store
}

// New creates an inactive cache backed by the store file at path.
func New(path string, finder origin.Finder, runner *task.Runner) *BranchPoints {
	return &BranchPoints{
		path:   path,
		finder: finder,
		runner: runner,
	}
}

// Activate opens the store. Activating an active cache is a no-op.
func (b *BranchPoints) Activate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store != nil {
		return nil
	}
	store, err := storage.Open(b.path)
	if err != nil {
		return err
	}
	b.store = store
	return nil
}

// Deactivate flushes and closes the store. Deactivating an inactive cache is a no-op.
func (b *BranchPoints) Deactivate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store == nil {
		return nil
	}
	err := b.store.Close()
	b.store = nil
	return err
}

// activeStore must be called with mu held.
func (b *BranchPoints) activeStore() *storage.Store {
	if b.store == nil {
		panic(common.ErrNotActive)
	}
	return b.store
}

// GetBestHit answers from the cache only. A nil result is a miss.
func (b *BranchPoints) GetBestHit(ctx context.Context, repoID, sourceURL, targetURL string) (*copypoint.Inversion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	store := b.activeStore()
	var result *copypoint.Inversion
	if !Disabled {
		err := store.View(ctx, repoID, func(idx *index.Index) {
			if idx != nil {
				result = bestHit(idx, sourceURL, targetURL)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	logCopyData(repoID, sourceURL, targetURL, result)
	return result, nil
}

// bestHit resolves both URLs against idx. When both resolve, the fact with the
// larger target revision is the more recent branch and is returned.
func bestHit(idx *index.Index, sourceURL, targetURL string) *copypoint.Inversion {
	sourceData, sourceOK := idx.Lookup(sourceURL)
	targetData, targetOK := idx.Lookup(targetURL)

	switch {
	case sourceOK && targetOK:
		if sourceData.TargetRevision > targetData.TargetRevision {
			return copypoint.NewInversion(true, sourceData)
		}
		return copypoint.NewInversion(false, targetData)
	case sourceOK:
		return copypoint.NewInversion(true, sourceData)
	case targetOK:
		return copypoint.NewInversion(false, targetData)
	}
	return nil
}

// Persist records data in the index of repoID and flushes the store.
// If the flush fails the cached index of repoID reverts to its stored state.
func (b *BranchPoints) Persist(ctx context.Context, repoID string, data copypoint.BranchCopyData) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	store := b.activeStore()
	if err := store.Update(ctx, repoID, func(idx *index.Index) { idx.Put(data) }); err != nil {
		return err
	}
	if err := store.Force(ctx); err != nil {
		store.Discard(repoID)
		return err
	}
	return nil
}

// Forget drops everything cached for repoID and flushes the store.
func (b *BranchPoints) Forget(ctx context.Context, repoID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	store := b.activeStore()
	if err := store.Delete(ctx, repoID); err != nil {
		return err
	}
	if err := store.Force(ctx); err != nil {
		store.Discard(repoID)
		return err
	}
	return nil
}

// ForgetTarget drops the fact recorded for exactly targetURL in repoID and
// flushes the store. It reports whether such a fact existed.
func (b *BranchPoints) ForgetTarget(ctx context.Context, repoID, targetURL string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	store := b.activeStore()
	found := false
	err := store.View(ctx, repoID, func(idx *index.Index) {
		if idx != nil {
			_, found = idx.Get(targetURL)
		}
	})
	if err != nil || !found {
		return false, err
	}

	if err := store.Update(ctx, repoID, func(idx *index.Index) { idx.Remove(targetURL) }); err != nil {
		return false, err
	}
	if err := store.Force(ctx); err != nil {
		store.Discard(repoID)
		return false, err
	}
	return true, nil
}

// Entries returns the cached facts of repoID in key order.
func (b *BranchPoints) Entries(ctx context.Context, repoID string) ([]index.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var entries []index.Entry
	err := b.activeStore().View(ctx, repoID, func(idx *index.Index) {
		if idx != nil {
			entries = idx.Entries()
		}
	})
	return entries, err
}

// Repositories returns the identities of all cached repositories.
func (b *BranchPoints) Repositories(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeStore().Repositories(ctx)
}

// RetrieveOrCompute returns a task that delivers the relation between
// sourceURL and targetURL to consumer exactly once.
//
// The returned task runs on the completion context. It answers from the cache
// when it can; otherwise it schedules the finder on the pool, persists a
// discovered copy point, and delivers back on the completion context.
func (b *BranchPoints) RetrieveOrCompute(ctx context.Context, repoID, sourceURL, targetURL string, consumer func(Result)) task.Task {
	pooled := task.Task{
		Name:  "Looking for branch origin",
		Where: task.Pooled,
		Run: func(next func(task.Task)) {
			result := b.compute(ctx, repoID, sourceURL, targetURL)
			next(task.Task{
				Name:  "final part",
				Where: task.Completion,
				Run:   func(func(task.Task)) { consumer(result) },
			})
		},
	}

	return task.Task{
		Name:  "short part",
		Where: task.Completion,
		Run: func(next func(task.Task)) {
			value, err := b.GetBestHit(ctx, repoID, sourceURL, targetURL)
			if err != nil || value != nil {
				consumer(Result{Value: value, Err: classify(err)})
				return
			}
			next(pooled)
		},
	}
}

// compute runs the finder and persists what it discovers.
func (b *BranchPoints) compute(ctx context.Context, repoID, sourceURL, targetURL string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Err: classify(fmt.Errorf("panic: %v", r))}
		}
	}()

	cp, err := b.finder.FindFirstCopyPoint(ctx, repoID, sourceURL, targetURL)
	if err != nil {
		return Result{Err: classify(err)}
	}
	if cp == nil {
		logCopyData(repoID, sourceURL, targetURL, nil)
		return Result{}
	}

	var data copypoint.BranchCopyData
	if cp.SourceIsOrigin {
		data = copypoint.New(sourceURL, cp.CopySourceRevision, targetURL, cp.CopyTargetRevision)
	} else {
		data = copypoint.New(targetURL, cp.CopySourceRevision, sourceURL, cp.CopyTargetRevision)
	}
	value := copypoint.NewInversion(!cp.SourceIsOrigin, data)
	logCopyData(repoID, sourceURL, targetURL, value)

	if err := b.Persist(ctx, repoID, data); err != nil {
		return Result{Err: classify(fmt.Errorf("failed to persist copy point: %w", err))}
	}
	return Result{Value: value}
}

// Lookup runs RetrieveOrCompute on the cache's runner and waits for the result.
// It must not be called from the runner's completion context.
func (b *BranchPoints) Lookup(ctx context.Context, repoID, sourceURL, targetURL string) (*copypoint.Inversion, error) {
	done := make(chan Result, 1)
	b.runner.Submit(b.RetrieveOrCompute(ctx, repoID, sourceURL, targetURL, func(r Result) {
		done <- r
	}))

	select {
	case r := <-done:
		if r.Failed() {
			return nil, r.Err
		}
		return r.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func logCopyData(repoID, sourceURL, targetURL string, result *copypoint.Inversion) {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	log.WithFields(log.Fields{
		"repo":   repoID,
		"source": sourceURL,
		"target": targetURL,
	}).Debugf("[BranchPoints] copy data: %s", result)
}
