package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchorigin/internal/common"
	"branchorigin/internal/copypoint"
	"branchorigin/internal/index"
	"branchorigin/internal/origin"
	"branchorigin/internal/task"
)

// countingExecutor runs inline and counts submissions.
type countingExecutor struct {
	n atomic.Int32
}

func (c *countingExecutor) Execute(fn func()) {
	c.n.Add(1)
	fn()
}

type testEnv struct {
	bp     *BranchPoints
	finder *origin.Static
	pool   *countingExecutor
	path   string
}

func newTestEnv(t *testing.T, relations ...origin.Relation) *testEnv {
	t.Helper()
	env := &testEnv{
		finder: origin.NewStatic(relations...),
		pool:   &countingExecutor{},
		path:   filepath.Join(t.TempDir(), "copy_sources", "project.db"),
	}
	env.bp = New(env.path, env.finder, task.NewRunner(env.pool, task.Inline{}))
	require.NoError(t, env.bp.Activate())
	t.Cleanup(func() { env.bp.Deactivate() })
	return env
}

// retrieve submits a retrieval and collects every delivery.
func (e *testEnv) retrieve(repo, source, target string) []Result {
	var got []Result
	e.bp.runner.Submit(e.bp.RetrieveOrCompute(context.Background(), repo, source, target, func(r Result) {
		got = append(got, r)
	}))
	return got
}

func TestBestHit_BothSides(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	target := copypoint.New("/r/trunk", 19, "/r/branches/b2", 20)
	require.NoError(t, env.bp.Persist(ctx, "repo", target))

	t.Run("source side older", func(t *testing.T) {
		require.NoError(t, env.bp.Persist(ctx, "repo", copypoint.New("/r/root", 9, "/r/branches/b1", 10)))
		hit, err := env.bp.GetBestHit(ctx, "repo", "/r/branches/b1/x", "/r/branches/b2/y")
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.False(t, hit.InvertedSense)
		assert.Equal(t, target, hit.Wrapped)
	})

	t.Run("source side newer", func(t *testing.T) {
		newer := copypoint.New("/r/root", 29, "/r/branches/b1", 30)
		require.NoError(t, env.bp.Persist(ctx, "repo", newer))
		hit, err := env.bp.GetBestHit(ctx, "repo", "/r/branches/b1/x", "/r/branches/b2/y")
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.True(t, hit.InvertedSense)
		assert.Equal(t, newer, hit.Wrapped)
	})
}

func TestBestHit_OneSided(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	fact := copypoint.New("/r/trunk", 10, "/r/branches/b1", 11)
	require.NoError(t, env.bp.Persist(ctx, "repo", fact))

	hit, err := env.bp.GetBestHit(ctx, "repo", "/r/branches/b1", "/r/elsewhere")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.True(t, hit.InvertedSense, "only source resolved")
	assert.Equal(t, fact, hit.Wrapped)
	assert.Equal(t, fact.Invert(), hit.True())

	hit, err = env.bp.GetBestHit(ctx, "repo", "/r/elsewhere", "/r/branches/b1/sub")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.False(t, hit.InvertedSense, "only target resolved")
	assert.Equal(t, fact, hit.True())
}

func TestBestHit_Miss(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	hit, err := env.bp.GetBestHit(ctx, "unknown", "/a", "/b")
	require.NoError(t, err)
	assert.Nil(t, hit)

	require.NoError(t, env.bp.Persist(ctx, "repo", copypoint.New("/r/trunk", 1, "/r/b1", 2)))
	hit, err = env.bp.GetBestHit(ctx, "repo", "/r/other", "/r/zzz")
	require.NoError(t, err)
	assert.Nil(t, hit)

	// repositories are isolated
	hit, err = env.bp.GetBestHit(ctx, "other-repo", "/r/b1", "/r/trunk")
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestPersist_OverwriteByTarget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	require.NoError(t, env.bp.Persist(ctx, "repo", copypoint.New("A", 1, "T", 2)))
	require.NoError(t, env.bp.Persist(ctx, "repo", copypoint.New("B", 5, "T", 6)))

	entries, err := env.bp.Entries(ctx, "repo")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "T", entries[0].Key)
	assert.Equal(t, copypoint.New("B", 5, "T", 6), entries[0].Data)
}

func TestRetrieve_HitDeliversWithoutScheduling(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.bp.Persist(ctx, "repo", copypoint.New("/r/trunk", 10, "/r/b1", 11)))

	got := env.retrieve("repo", "/r/trunk", "/r/b1")

	require.Len(t, got, 1)
	require.NoError(t, got[0].Err)
	require.NotNil(t, got[0].Value)
	assert.False(t, got[0].Value.InvertedSense)
	assert.Equal(t, int32(0), env.pool.n.Load(), "no pooled work on a cache hit")
	assert.Equal(t, 0, env.finder.Calls())
}

func TestRetrieve_MissComputesAndPersists(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, origin.Relation{Repo: "repo", Source: "/r/trunk", SourceRevision: 10, Target: "/r/b1", TargetRevision: 11})

	t.Run("forward orientation", func(t *testing.T) {
		got := env.retrieve("repo", "/r/trunk", "/r/b1")
		require.Len(t, got, 1)
		require.NoError(t, got[0].Err)
		require.NotNil(t, got[0].Value)

		want := copypoint.New("/r/trunk", 10, "/r/b1", 11)
		assert.False(t, got[0].Value.InvertedSense)
		assert.Equal(t, want, got[0].Value.AsStored())
		assert.Equal(t, int32(1), env.pool.n.Load())

		// persisted before delivery
		hit, err := env.bp.GetBestHit(ctx, "repo", "/r/trunk", "/r/b1")
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.Equal(t, want, hit.Wrapped)
	})

	t.Run("second call is served from cache", func(t *testing.T) {
		calls := env.finder.Calls()
		got := env.retrieve("repo", "/r/trunk", "/r/b1/sub")
		require.Len(t, got, 1)
		require.NotNil(t, got[0].Value)
		assert.Equal(t, calls, env.finder.Calls())
	})
}

func TestRetrieve_ReverseOrientation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, origin.Relation{Repo: "repo", Source: "/r/trunk", SourceRevision: 10, Target: "/r/b1", TargetRevision: 11})

	got := env.retrieve("repo", "/r/b1", "/r/trunk")
	require.Len(t, got, 1)
	require.NoError(t, got[0].Err)
	require.NotNil(t, got[0].Value)

	v := got[0].Value
	assert.True(t, v.InvertedSense)
	assert.Equal(t, copypoint.New("/r/trunk", 10, "/r/b1", 11), v.AsStored())
	assert.Equal(t, "/r/b1", v.True().Source, "requested orientation")

	entries, err := env.bp.Entries(ctx, "repo")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/r/b1", entries[0].Key, "stored fact is keyed by the later branch")
}

func TestRetrieve_NoRelation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	got := env.retrieve("repo", "/r/a", "/r/b")
	require.Len(t, got, 1)
	assert.NoError(t, got[0].Err)
	assert.Nil(t, got[0].Value)

	repos, err := env.bp.Repositories(ctx)
	require.NoError(t, err)
	assert.Empty(t, repos, "nothing persisted")
}

func TestRetrieve_OriginFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.bp.finder = origin.FinderFunc(func(context.Context, string, string, string) (*origin.CopyPoint, error) {
		return nil, origin.Errorf("find copy point", "repo", "history unavailable")
	})

	got := env.retrieve("repo", "/r/a", "/r/b")
	require.Len(t, got, 1)
	require.Error(t, got[0].Err)
	assert.Nil(t, got[0].Value)
	assert.True(t, origin.IsOriginError(got[0].Err))

	repos, err := env.bp.Repositories(ctx)
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestRetrieve_UnexpectedFailures(t *testing.T) {
	tests := []struct {
		name   string
		finder origin.FinderFunc
	}{
		{"plain error", func(context.Context, string, string, string) (*origin.CopyPoint, error) {
			return nil, errors.New("boom")
		}},
		{"panic", func(context.Context, string, string, string) (*origin.CopyPoint, error) {
			panic("finder exploded")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bp := New(filepath.Join(t.TempDir(), "p.db"), tt.finder, task.NewRunner(task.Inline{}, task.Inline{}))
			require.NoError(t, bp.Activate())
			defer bp.Deactivate()

			var got []Result
			bp.runner.Submit(bp.RetrieveOrCompute(context.Background(), "repo", "/a", "/b", func(r Result) {
				got = append(got, r)
			}))

			require.Len(t, got, 1)
			var ue *UnexpectedError
			require.True(t, errors.As(got[0].Err, &ue), "got %v", got[0].Err)
			assert.True(t, got[0].Failed())
			assert.Nil(t, got[0].Value)
		})
	}
}

func TestRetrieve_PersistFailureIsDelivered(t *testing.T) {
	var bp *BranchPoints
	finder := origin.FinderFunc(func(context.Context, string, string, string) (*origin.CopyPoint, error) {
		// the cache goes away while the finder is running
		require.NoError(t, bp.Deactivate())
		return &origin.CopyPoint{SourceIsOrigin: true, CopySourceRevision: 1, CopyTargetRevision: 2}, nil
	})
	bp = New(filepath.Join(t.TempDir(), "p.db"), finder, task.NewRunner(task.Inline{}, task.Inline{}))
	require.NoError(t, bp.Activate())

	var got []Result
	bp.runner.Submit(bp.RetrieveOrCompute(context.Background(), "repo", "/a", "/b", func(r Result) {
		got = append(got, r)
	}))

	require.Len(t, got, 1)
	var ue *UnexpectedError
	require.True(t, errors.As(got[0].Err, &ue))
	assert.Nil(t, got[0].Value)
}

func TestPersist_FailedFlushIsNotServed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	kept := copypoint.New("/r/trunk", 10, "/r/branches/b1", 11)
	require.NoError(t, env.bp.Persist(ctx, "repo", kept))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	lost := copypoint.New("/r/trunk", 20, "/r/branches/b2", 21)
	require.Error(t, env.bp.Persist(cancelled, "repo", lost))

	hit, err := env.bp.GetBestHit(ctx, "repo", "/r/elsewhere", "/r/branches/b2/x")
	require.NoError(t, err)
	assert.Nil(t, hit, "fact whose flush failed must not be served")

	hit, err = env.bp.GetBestHit(ctx, "repo", "/r/elsewhere", "/r/branches/b1/x")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, kept, hit.Wrapped)

	require.Error(t, env.bp.Forget(cancelled, "repo"))
	entries, err := env.bp.Entries(ctx, "repo")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed forget keeps the stored index")
}

func TestGetBestHit_CostIndependentOfIndexSize(t *testing.T) {
	ctx := context.Background()
	allocsFor := func(n int) float64 {
		env := newTestEnv(t)
		require.NoError(t, env.bp.store.Update(ctx, "repo", func(idx *index.Index) {
			for i := 0; i < n; i++ {
				idx.Put(copypoint.New("/r/trunk", int64(i), fmt.Sprintf("/r/branches/b%06d", i), int64(i+1)))
			}
		}))
		require.NoError(t, env.bp.store.Force(ctx))

		hit, err := env.bp.GetBestHit(ctx, "repo", "/r/branches/b000005/x", "/r/trunk")
		require.NoError(t, err)
		require.NotNil(t, hit)

		return testing.AllocsPerRun(50, func() {
			env.bp.GetBestHit(ctx, "repo", "/r/branches/b000005/x", "/r/trunk")
		})
	}

	small := allocsFor(10)
	large := allocsFor(20000)
	assert.LessOrEqual(t, large, small+1, "lookup allocations grew with index size (small=%v large=%v)", small, large)
}

func TestRetrieve_ConcurrentMissesSameKey(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()

	const keys, callersPerKey = 3, 4
	const total = keys * callersPerKey

	// every caller misses before any computation finishes
	var arrived, seq atomic.Int32
	allArrived := make(chan struct{})
	finder := origin.FinderFunc(func(_ context.Context, repoID, sourceURL, targetURL string) (*origin.CopyPoint, error) {
		if arrived.Add(1) == total {
			close(allArrived)
		}
		select {
		case <-allArrived:
		case <-time.After(3 * time.Second):
		}
		rev := int64(seq.Add(1))
		return &origin.CopyPoint{SourceIsOrigin: true, CopySourceRevision: rev, CopyTargetRevision: rev + 100}, nil
	})

	path := filepath.Join(t.TempDir(), "p.db")
	pool := task.NewPool(total)
	loop := task.NewLoop()
	loop.Start()
	defer loop.Stop()

	bp := New(path, finder, task.NewRunner(pool, loop))
	require.NoError(t, bp.Activate())

	var mu sync.Mutex
	delivered := make(map[string][]copypoint.BranchCopyData)
	var count atomic.Int32
	for k := 0; k < keys; k++ {
		target := fmt.Sprintf("/r/branches/b%d", k)
		for c := 0; c < callersPerKey; c++ {
			bp.runner.Submit(bp.RetrieveOrCompute(ctx, "repo", "/r/trunk", target, func(r Result) {
				defer count.Add(1)
				if !assert.NoError(t, r.Err) || !assert.NotNil(t, r.Value) {
					return
				}
				mu.Lock()
				delivered[target] = append(delivered[target], r.Value.AsStored())
				mu.Unlock()
			}))
		}
	}

	g.Eventually(count.Load).WithTimeout(5 * time.Second).WithPolling(10 * time.Millisecond).Should(Equal(int32(total)))
	pool.Wait()
	assert.Equal(t, int32(total), arrived.Load(), "every caller computed")

	// survives reactivation with one fact per key, taken from a delivered computation
	require.NoError(t, bp.Deactivate())
	reopened := New(path, finder, task.NewRunner(task.Inline{}, task.Inline{}))
	require.NoError(t, reopened.Activate())
	defer reopened.Deactivate()

	entries, err := reopened.Entries(ctx, "repo")
	require.NoError(t, err)
	require.Len(t, entries, keys)

	mu.Lock()
	defer mu.Unlock()
	for _, e := range entries {
		assert.Len(t, delivered[e.Key], callersPerKey, "deliveries for %s", e.Key)
		assert.Contains(t, delivered[e.Key], e.Data)
	}
}

func TestUsageOutsideActiveWindow(t *testing.T) {
	bp := New(filepath.Join(t.TempDir(), "p.db"), origin.NewStatic(), task.NewRunner(task.Inline{}, task.Inline{}))
	ctx := context.Background()

	assert.Nil(t, bp.store)
	assert.PanicsWithValue(t, common.ErrNotActive, func() {
		bp.GetBestHit(ctx, "repo", "/a", "/b")
	})

	require.NoError(t, bp.Activate())
	require.NoError(t, bp.Activate(), "second activate is a no-op")
	assert.NotNil(t, bp.store)
	require.NoError(t, bp.Deactivate())
	require.NoError(t, bp.Deactivate(), "second deactivate is a no-op")

	assert.PanicsWithValue(t, common.ErrNotActive, func() {
		bp.Persist(ctx, "repo", copypoint.New("A", 1, "T", 2))
	})
}

func TestDeactivateActivate_Survives(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	fact := copypoint.New("/r/trunk", 10, "/r/b1", 11)
	require.NoError(t, env.bp.Persist(ctx, "repo", fact))
	require.NoError(t, env.bp.Deactivate())

	bp := New(env.path, env.finder, task.NewRunner(task.Inline{}, task.Inline{}))
	require.NoError(t, bp.Activate())
	defer bp.Deactivate()

	hit, err := bp.GetBestHit(ctx, "repo", "/r/b1/file.txt", "/r/trunk")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, fact, hit.Wrapped)
	assert.True(t, hit.InvertedSense)
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	require.NoError(t, env.bp.Persist(ctx, "repo", copypoint.New("A", 1, "T", 2)))
	require.NoError(t, env.bp.Forget(ctx, "repo"))

	hit, err := env.bp.GetBestHit(ctx, "repo", "A", "T")
	require.NoError(t, err)
	assert.Nil(t, hit)

	entries, err := env.bp.Entries(ctx, "repo")
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestForgetTarget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	kept := copypoint.New("/r/trunk", 1, "/r/b1", 2)
	require.NoError(t, env.bp.Persist(ctx, "repo", kept))
	require.NoError(t, env.bp.Persist(ctx, "repo", copypoint.New("/r/trunk", 3, "/r/b2", 4)))

	found, err := env.bp.ForgetTarget(ctx, "repo", "/r/b2/sub")
	require.NoError(t, err)
	assert.False(t, found, "only exact target URLs are forgotten")

	found, err = env.bp.ForgetTarget(ctx, "repo", "/r/b2")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = env.bp.ForgetTarget(ctx, "other", "/r/b2")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, env.bp.Deactivate())
	require.NoError(t, env.bp.Activate())
	entries, err := env.bp.Entries(ctx, "repo")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, kept, entries[0].Data)

	repos, err := env.bp.Repositories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"repo"}, repos, "missing repository is not created")
}

func TestDisabled_AlwaysMisses(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, origin.Relation{Repo: "repo", Source: "/r/trunk", SourceRevision: 10, Target: "/r/b1", TargetRevision: 11})
	require.NoError(t, env.bp.Persist(ctx, "repo", copypoint.New("/r/trunk", 10, "/r/b1", 11)))

	Disabled = true
	defer func() { Disabled = false }()

	got := env.retrieve("repo", "/r/trunk", "/r/b1")
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Value)
	assert.Equal(t, 1, env.finder.Calls(), "finder consulted despite cached fact")
}

func TestLookup_Async(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()

	finder := origin.NewStatic(origin.Relation{Repo: "repo", Source: "/r/trunk", SourceRevision: 10, Target: "/r/b1", TargetRevision: 11})
	pool := task.NewPool(4)
	loop := task.NewLoop()
	loop.Start()
	defer loop.Stop()

	bp := New(filepath.Join(t.TempDir(), "p.db"), finder, task.NewRunner(pool, loop))
	require.NoError(t, bp.Activate())
	defer bp.Deactivate()

	v, err := bp.Lookup(ctx, "repo", "/r/trunk", "/r/b1")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, copypoint.New("/r/trunk", 10, "/r/b1", 11), v.True())

	// concurrent callers: each consumer receives exactly one delivery
	var mu sync.Mutex
	deliveries := make(map[int]int)
	for i := 0; i < 16; i++ {
		bp.runner.Submit(bp.RetrieveOrCompute(ctx, "repo", "/r/b1/sub", "/r/trunk", func(r Result) {
			mu.Lock()
			defer mu.Unlock()
			if r.Err == nil && r.Value != nil {
				deliveries[i]++
			}
		}))
	}

	g.Eventually(func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(deliveries)
	}).WithTimeout(3 * time.Second).WithPolling(10 * time.Millisecond).Should(Equal(16))

	pool.Wait()
	mu.Lock()
	defer mu.Unlock()
	for i, n := range deliveries {
		assert.Equal(t, 1, n, "consumer %d", i)
	}
}

func TestLookup_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	finder := origin.FinderFunc(func(context.Context, string, string, string) (*origin.CopyPoint, error) {
		<-release
		return nil, nil
	})
	pool := task.NewPool(1)
	bp := New(filepath.Join(t.TempDir(), "p.db"), finder, task.NewRunner(pool, task.Inline{}))
	require.NoError(t, bp.Activate())
	defer bp.Deactivate()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := bp.Lookup(ctx, "repo", "/a", "/b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}

func TestBestHitPure(t *testing.T) {
	t.Parallel()

	idx := index.New()
	idx.Put(copypoint.New("/trunk", 1, "/b1", 10))
	idx.Put(copypoint.New("/trunk", 2, "/b2", 20))

	tests := []struct {
		name     string
		source   string
		target   string
		wantNil  bool
		inverted bool
		wantKey  string
	}{
		{"both, source older", "/b1", "/b2", false, false, "/b2"},
		{"both, source newer", "/b2", "/b1", false, true, "/b2"},
		{"source only", "/b1/x", "/zzz", false, true, "/b1"},
		{"target only", "/a", "/b2/y", false, false, "/b2"},
		{"neither", "/a", "/c", true, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := bestHit(idx, tt.source, tt.target)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.inverted, got.InvertedSense)
			assert.Equal(t, tt.wantKey, got.Wrapped.Target)
		})
	}
}
