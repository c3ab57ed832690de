package syncer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/chatshelf/internal/batch"
	"github.com/starford/chatshelf/internal/testutil"
)

// watchedEnv runs the orchestrator with a fast batch tick and a watcher on
// the sessions directory.
func watchedEnv(t *testing.T) *env {
	t.Helper()
	e := newEnv(t, Config{Batch: batch.Config{MaxBatchSize: 100, Interval: 20 * time.Millisecond}})
	startWatching(t, e)
	return e
}

// startWatching launches Run and Watch and stops both before the test's
// temp dirs are removed.
func startWatching(t *testing.T, e *env) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = e.orch.Run(ctx) }()
	go func() { defer wg.Done(); _ = Watch(ctx, e.orch, e.docs, e.dir, testutil.Logger()) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	time.Sleep(100 * time.Millisecond)
}

func TestWatcher_NewSessionIndexed(t *testing.T) {
	e := watchedEnv(t)
	testutil.WriteSession(t, e.docs, "new", "New")

	testutil.Eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, ok := e.store.Get("new")
		return ok
	}, "new session not indexed by watcher")
}

func TestWatcher_IgnoresForeignFiles(t *testing.T) {
	e := watchedEnv(t)
	_ = os.WriteFile(filepath.Join(e.dir, "notes.txt"), []byte("hello"), 0o644)
	testutil.WriteSession(t, e.docs, "real", "Real")

	testutil.Eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, ok := e.store.Get("real")
		return ok
	}, "session not indexed")
	if e.store.Count() != 1 {
		t.Errorf("count = %d, want only the session", e.store.Count())
	}
}

func TestWatcher_DeleteRemovesFromIndex(t *testing.T) {
	e := newEnv(t, Config{Batch: batch.Config{MaxBatchSize: 100, Interval: 20 * time.Millisecond}})
	testutil.WriteSession(t, e.docs, "del", "Delete me")
	e.reconcile(t)

	startWatching(t, e)

	_ = e.docs.DeleteDocument("del")

	testutil.Eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, ok := e.store.Get("del")
		return !ok
	}, "deleted session still in index")
}

func TestWatcher_RenameReconciles(t *testing.T) {
	e := newEnv(t, Config{Batch: batch.Config{MaxBatchSize: 100, Interval: 20 * time.Millisecond}})
	_ = e.docs.WriteDocument("old", testutil.SessionJSON("", "Rename", testutil.BaseTime))
	e.reconcile(t)

	startWatching(t, e)

	_ = os.Rename(filepath.Join(e.dir, "old.json"), filepath.Join(e.dir, "renamed.json"))

	testutil.Eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, oldOK := e.store.Get("old")
		_, newOK := e.store.Get("renamed")
		return !oldOK && newOK
	}, "rename: old id should be removed and new id indexed")
}
