package fileops

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiffcore/skiff/skiff/entry"
)

// changeRecorder is a thread-safe ChangeSink for tests.
type changeRecorder struct {
	mu      sync.Mutex
	changes []entry.Change
}

func (r *changeRecorder) sink(changes []entry.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, changes...)
}

func (r *changeRecorder) all() []entry.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entry.Change, len(r.changes))
	copy(out, r.changes)
	return out
}

func (r *changeRecorder) byPath(path string) (entry.Change, bool) {
	for _, ch := range r.all() {
		if ch.Path == path {
			return ch, true
		}
	}
	return entry.Change{}, false
}

func newTestPipeline(t *testing.T, rec *changeRecorder) *Pipeline {
	t.Helper()
	cfg := Config{Workers: 2, ChunkSize: 8}
	if rec != nil {
		cfg.Sink = rec.sink
	}
	p := NewPipeline(cfg)
	t.Cleanup(p.Close)
	return p
}

func await(t *testing.T, h *Handle) Status {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("operation %s did not reach a terminal state", h.ID)
	}
	return h.Status()
}

func TestPipeline_CreateFile(t *testing.T) {
	rec := &changeRecorder{}
	p := newTestPipeline(t, rec)
	path := filepath.Join(t.TempDir(), "new.txt")

	h, err := p.Submit(Request{Kind: OpCreateFile, Source: path})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, await(t, h))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	ch, ok := rec.byPath(path)
	require.True(t, ok)
	assert.Equal(t, entry.Added, ch.Kind)
}

func TestPipeline_CreateFileExisting(t *testing.T) {
	p := newTestPipeline(t, nil)
	path := filepath.Join(t.TempDir(), "taken.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	h, err := p.Submit(Request{Kind: OpCreateFile, Source: path})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, await(t, h))
	assert.ErrorIs(t, h.Err(), ErrAlreadyExists)
}

func TestPipeline_DeleteDirectoryNeedsRecursive(t *testing.T) {
	rec := &changeRecorder{}
	p := newTestPipeline(t, rec)
	dir := filepath.Join(t.TempDir(), "full")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0o644))

	h, err := p.Submit(Request{Kind: OpDelete, Source: dir})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, await(t, h))
	assert.ErrorIs(t, h.Err(), ErrIsDirectory)

	h, err = p.Submit(Request{Kind: OpDelete, Source: dir, Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, await(t, h))
	assert.NoDirExists(t, dir)

	ch, ok := rec.byPath(dir)
	require.True(t, ok)
	assert.Equal(t, entry.Removed, ch.Kind)
}

func TestPipeline_Rename(t *testing.T) {
	rec := &changeRecorder{}
	p := newTestPipeline(t, rec)
	tempDir := t.TempDir()
	src := filepath.Join(tempDir, "old.txt")
	dest := filepath.Join(tempDir, "new.txt")
	require.NoError(t, os.WriteFile(src, []byte("content"), 0o644))

	h, err := p.Submit(Request{Kind: OpRename, Source: src, Dest: dest})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, await(t, h))

	assert.NoFileExists(t, src)
	assert.FileExists(t, dest)

	ch, ok := rec.byPath(src)
	require.True(t, ok)
	assert.Equal(t, entry.Removed, ch.Kind)
	ch, ok = rec.byPath(dest)
	require.True(t, ok)
	assert.Equal(t, entry.Added, ch.Kind)
}

func TestPipeline_RenameCollisionGetsCountedSuffix(t *testing.T) {
	p := newTestPipeline(t, nil)
	tempDir := t.TempDir()
	src := filepath.Join(tempDir, "src.txt")
	dest := filepath.Join(tempDir, "dest.txt")
	require.NoError(t, os.WriteFile(src, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(dest, []byte("b"), 0o644))

	h, err := p.Submit(Request{Kind: OpRename, Source: src, Dest: dest})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, await(t, h))

	// The original destination is untouched; the source landed beside it.
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
	assert.FileExists(t, filepath.Join(tempDir, "dest_1.txt"))
}

func TestPipeline_CopyFileWithVerify(t *testing.T) {
	rec := &changeRecorder{}
	p := newTestPipeline(t, rec)
	tempDir := t.TempDir()
	src := filepath.Join(tempDir, "src.bin")
	dest := filepath.Join(tempDir, "dest.bin")
	payload := []byte("0123456789abcdef0123456789abcdef") // several chunks at ChunkSize 8
	require.NoError(t, os.WriteFile(src, payload, 0o600))

	h, err := p.Submit(Request{Kind: OpCopy, Source: src, Dest: dest, Verify: true, PreservePerms: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, await(t, h))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	prog := h.Progress()
	assert.Equal(t, int64(len(payload)), prog.BytesDone)
	assert.Equal(t, int64(len(payload)), prog.BytesTotal)

	_, ok := rec.byPath(dest)
	assert.True(t, ok)
}

func TestPipeline_CopyDirectory(t *testing.T) {
	rec := &changeRecorder{}
	p := newTestPipeline(t, rec)
	tempDir := t.TempDir()
	src := filepath.Join(tempDir, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("aaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("bbbb"), 0o644))

	dest := filepath.Join(tempDir, "dst")
	h, err := p.Submit(Request{Kind: OpCopy, Source: src, Dest: dest})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, await(t, h))

	assert.FileExists(t, filepath.Join(dest, "a.txt"))
	assert.FileExists(t, filepath.Join(dest, "nested", "b.txt"))

	prog := h.Progress()
	assert.Equal(t, int64(7), prog.BytesTotal)
	assert.Equal(t, int64(7), prog.BytesDone)
	assert.Equal(t, prog.ItemsTotal, prog.ItemsDone)

	_, ok := rec.byPath(filepath.Join(dest, "nested", "b.txt"))
	assert.True(t, ok)
}

func TestPipeline_CancelLeavesCompletedFiles(t *testing.T) {
	rec := &changeRecorder{}
	cfg := Config{Workers: 1, ChunkSize: 8, Sink: rec.sink}
	p := NewPipeline(cfg)
	t.Cleanup(p.Close)

	tempDir := t.TempDir()
	src := filepath.Join(tempDir, "src")
	require.NoError(t, os.Mkdir(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("first"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("second"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "c.txt"), []byte("third"), 0o644))

	dest := filepath.Join(tempDir, "dst")

	// The progress callback runs on the worker between items, so a cancel
	// issued after the first completed file is observed before the second
	// begins.
	handleCh := make(chan *Handle, 1)
	var once sync.Once
	done := make(chan struct{})
	h, err := p.Submit(Request{
		Kind:   OpCopy,
		Source: src,
		Dest:   dest,
		Progress: func(pr Progress) {
			if pr.ItemsDone >= 1 {
				once.Do(func() {
					(<-handleCh).Cancel()
					close(done)
				})
			}
		},
	})
	require.NoError(t, err)
	handleCh <- h

	<-done
	assert.Equal(t, StatusCancelled, await(t, h))

	// Exactly the first file (walk order) completed.
	assert.FileExists(t, filepath.Join(dest, "a.txt"))
	assert.NoFileExists(t, filepath.Join(dest, "b.txt"))
	assert.NoFileExists(t, filepath.Join(dest, "c.txt"))

	// Diffs for the completed portion still reached the sink.
	_, ok := rec.byPath(filepath.Join(dest, "a.txt"))
	assert.True(t, ok)
	_, ok = rec.byPath(filepath.Join(dest, "b.txt"))
	assert.False(t, ok)
}

func TestPipeline_SubmitReturnsWhileWorkersBusy(t *testing.T) {
	p := NewPipeline(Config{Workers: 1, ChunkSize: 8})
	t.Cleanup(p.Close)

	tempDir := t.TempDir()
	src := filepath.Join(tempDir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	// Park the only worker inside the first operation's progress callback.
	blocked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	busy, err := p.Submit(Request{
		Kind:   OpCopy,
		Source: src,
		Dest:   filepath.Join(tempDir, "busy.txt"),
		Progress: func(pr Progress) {
			once.Do(func() {
				close(blocked)
				<-release
			})
		},
	})
	require.NoError(t, err)
	<-blocked

	// With the worker saturated, submission still returns right away with
	// a queued handle.
	queued, err := p.Submit(Request{Kind: OpCreateFile, Source: filepath.Join(tempDir, "queued.txt")})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, queued.Status())

	select {
	case <-queued.Done():
		t.Fatal("queued operation ran while the only worker was busy")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	assert.Equal(t, StatusSucceeded, await(t, busy))
	assert.Equal(t, StatusSucceeded, await(t, queued))
	assert.FileExists(t, filepath.Join(tempDir, "queued.txt"))
}

func TestPipeline_CancelQueuedSkipsExecution(t *testing.T) {
	p := NewPipeline(Config{Workers: 1, ChunkSize: 8})
	t.Cleanup(p.Close)

	tempDir := t.TempDir()
	src := filepath.Join(tempDir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	blocked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	busy, err := p.Submit(Request{
		Kind:   OpCopy,
		Source: src,
		Dest:   filepath.Join(tempDir, "busy.txt"),
		Progress: func(pr Progress) {
			once.Do(func() {
				close(blocked)
				<-release
			})
		},
	})
	require.NoError(t, err)
	<-blocked

	victim := filepath.Join(tempDir, "victim.txt")
	queued, err := p.Submit(Request{Kind: OpCreateFile, Source: victim})
	require.NoError(t, err)
	require.NoError(t, p.Cancel(queued.ID))

	close(release)
	assert.Equal(t, StatusSucceeded, await(t, busy))
	assert.Equal(t, StatusCancelled, await(t, queued))
	assert.NoFileExists(t, victim)
}

func TestPipeline_CancelMidFileEmitsNoDiff(t *testing.T) {
	rec := &changeRecorder{}
	p := NewPipeline(Config{Workers: 1, ChunkSize: 4, Sink: rec.sink})
	t.Cleanup(p.Close)

	tempDir := t.TempDir()
	src := filepath.Join(tempDir, "src.bin")
	dest := filepath.Join(tempDir, "dest.bin")
	payload := make([]byte, 64)
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	// The per-chunk progress callback runs on the worker, so a cancel
	// issued after the second chunk is observed before the third.
	handleCh := make(chan *Handle, 1)
	var once sync.Once
	h, err := p.Submit(Request{
		Kind:   OpCopy,
		Source: src,
		Dest:   dest,
		Progress: func(pr Progress) {
			if pr.BytesDone >= 8 {
				once.Do(func() {
					(<-handleCh).Cancel()
				})
			}
		},
	})
	require.NoError(t, err)
	handleCh <- h

	assert.Equal(t, StatusCancelled, await(t, h))

	// The partial destination stays on disk for inspection.
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(payload)))

	// But it is neither counted as a completed item nor announced as Added.
	assert.Zero(t, h.Progress().ItemsDone)
	_, ok := rec.byPath(dest)
	assert.False(t, ok)
}

func TestPipeline_Move(t *testing.T) {
	rec := &changeRecorder{}
	p := newTestPipeline(t, rec)
	tempDir := t.TempDir()
	src := filepath.Join(tempDir, "src.txt")
	dest := filepath.Join(tempDir, "moved.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	h, err := p.Submit(Request{Kind: OpMove, Source: src, Dest: dest})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, await(t, h))

	assert.NoFileExists(t, src)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	ch, ok := rec.byPath(src)
	require.True(t, ok)
	assert.Equal(t, entry.Removed, ch.Kind)
}

func TestPipeline_FailureIsolation(t *testing.T) {
	p := newTestPipeline(t, nil)
	tempDir := t.TempDir()

	bad, err := p.Submit(Request{Kind: OpDelete, Source: filepath.Join(tempDir, "missing.txt")})
	require.NoError(t, err)
	good, err := p.Submit(Request{Kind: OpCreateFile, Source: filepath.Join(tempDir, "fine.txt")})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, await(t, bad))
	assert.ErrorIs(t, bad.Err(), ErrNotFound)
	assert.Equal(t, StatusSucceeded, await(t, good))
}

func TestPipeline_PollAndAck(t *testing.T) {
	p := newTestPipeline(t, nil)
	path := filepath.Join(t.TempDir(), "x.txt")

	h, err := p.Submit(Request{Kind: OpCreateFile, Source: path})
	require.NoError(t, err)
	await(t, h)

	status, _, err := p.Poll(h.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status)

	require.NoError(t, p.Ack(h.ID))

	// The handle is destroyed after acknowledgement.
	_, _, err = p.Poll(h.ID)
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.ErrorIs(t, p.Ack(h.ID), ErrUnknownHandle)
}

func TestPipeline_AckRunningFails(t *testing.T) {
	p := newTestPipeline(t, nil)
	tempDir := t.TempDir()
	src := filepath.Join(tempDir, "src")
	require.NoError(t, os.Mkdir(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644))

	blocked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h, err := p.Submit(Request{
		Kind:   OpCopy,
		Source: src,
		Dest:   filepath.Join(tempDir, "dst"),
		Progress: func(pr Progress) {
			once.Do(func() {
				close(blocked)
				<-release
			})
		},
	})
	require.NoError(t, err)

	<-blocked
	assert.Error(t, p.Ack(h.ID), "acknowledging a running operation is rejected")
	close(release)
	await(t, h)
}

func TestHashFile(t *testing.T) {
	tempDir := t.TempDir()
	a := filepath.Join(tempDir, "a")
	b := filepath.Join(tempDir, "b")
	c := filepath.Join(tempDir, "c")
	require.NoError(t, os.WriteFile(a, []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(c, []byte("different"), 0o644))

	sumA, err := hashFile(a)
	require.NoError(t, err)
	sumB, err := hashFile(b)
	require.NoError(t, err)
	sumC, err := hashFile(c)
	require.NoError(t, err)

	assert.Equal(t, sumA, sumB)
	assert.NotEqual(t, sumA, sumC)
	assert.Len(t, sumA, 64)

	assert.NoError(t, verifyCopy(a, b))
	assert.Error(t, verifyCopy(a, c))
}
