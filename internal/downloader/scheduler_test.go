package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/localfs"
	"github.com/giovanniandreuzza/nimbus/internal/telemetry"
	"github.com/giovanniandreuzza/nimbus/internal/transfer"
)

const waitFor = 2 * time.Second

func content(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}

	return b
}

type fakeTransport struct {
	content     []byte
	err         error
	gate        chan struct{}
	ignoreRange bool
	panics      bool

	mu      sync.Mutex
	offsets []int64

	active    atomic.Int64
	maxActive atomic.Int64
}

func (f *fakeTransport) Size(context.Context, string) (int64, error) {
	return int64(len(f.content)), nil
}

func (f *fakeTransport) OpenStream(ctx context.Context, _ string, offset int64) (io.ReadCloser, error) {
	if f.panics {
		panic("transport exploded")
	}

	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	data := f.content
	if !f.ignoreRange {
		data = data[offset:]
	}

	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	return &fakeBody{ctx: ctx, r: bytes.NewReader(data), gate: f.gate, onClose: func() { f.active.Add(-1) }}, nil
}

func (f *fakeTransport) opened() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]int64(nil), f.offsets...)
}

type fakeBody struct {
	ctx     context.Context
	r       *bytes.Reader
	gate    chan struct{}
	onClose func()
	once    sync.Once
}

func (b *fakeBody) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}

	if b.gate != nil {
		select {
		case <-b.gate:
		case <-b.ctx.Done():
			return 0, b.ctx.Err()
		}
	}

	return b.r.Read(p)
}

func (b *fakeBody) Close() error {
	b.once.Do(b.onClose)

	return nil
}

type recorder struct {
	mu       sync.Mutex
	progress []int64
	finished chan int64
	failed   chan error
}

func newRecorder() *recorder {
	return &recorder{finished: make(chan int64, 16), failed: make(chan error, 16)}
}

func (r *recorder) OnProgress(_ context.Context, _ download.ID, downloaded, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.progress = append(r.progress, downloaded)
}

func (r *recorder) OnFinished(_ context.Context, _ download.ID, downloaded int64) {
	r.finished <- downloaded
}

func (r *recorder) OnFailed(_ context.Context, _ download.ID, err error) {
	r.failed <- err
}

func (r *recorder) waitFinished(t *testing.T) int64 {
	t.Helper()

	select {
	case n := <-r.finished:
		return n
	case err := <-r.failed:
		t.Fatalf("unexpected failure: %v", err)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for OnFinished")
	}

	return 0
}

func (r *recorder) waitFailed(t *testing.T) error {
	t.Helper()

	select {
	case err := <-r.failed:
		return err
	case n := <-r.finished:
		t.Fatalf("unexpected finish with %d bytes", n)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for OnFailed")
	}

	return nil
}

func (r *recorder) ticks() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]int64(nil), r.progress...)
}

func setup(t *testing.T, tr *fakeTransport, cfg Config) (*Scheduler, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	s := NewScheduler(tr, localfs.New(fs), nil, cfg)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()

		_ = s.Shutdown(ctx)
	})

	return s, fs
}

func newJob(id string, size int) Job {
	return Job{ID: download.ID(id), URL: "https://example.com/" + id, Target: "/dl/" + id, Size: int64(size)}
}

func TestScheduler_DownloadsWithProgress(t *testing.T) {
	tr := &fakeTransport{content: content(1000)}
	s, fs := setup(t, tr, Config{NotifyEveryBytes: 100, BufferSize: 64})
	rec := newRecorder()

	require.NoError(t, s.Start(context.Background(), newJob("a", 1000), rec))

	assert.Equal(t, int64(1000), rec.waitFinished(t))

	got, err := afero.ReadFile(fs, "/dl/a")
	require.NoError(t, err)
	assert.Equal(t, tr.content, got)

	ticks := rec.ticks()
	require.NotEmpty(t, ticks)
	assert.IsIncreasing(t, ticks)
	assert.LessOrEqual(t, ticks[len(ticks)-1], int64(1000))
	assert.Equal(t, []int64{0}, tr.opened())
}

func TestScheduler_ResumesFromBytesOnDisk(t *testing.T) {
	tr := &fakeTransport{content: content(1000)}
	s, fs := setup(t, tr, Config{NotifyEveryBytes: 100})
	rec := newRecorder()

	require.NoError(t, afero.WriteFile(fs, "/dl/a", tr.content[:400], 0o644))
	require.NoError(t, s.Start(context.Background(), newJob("a", 1000), rec))

	assert.Equal(t, int64(1000), rec.waitFinished(t))
	assert.Equal(t, []int64{400}, tr.opened())

	got, err := afero.ReadFile(fs, "/dl/a")
	require.NoError(t, err)
	assert.Equal(t, tr.content, got)

	for _, tick := range rec.ticks() {
		assert.Greater(t, tick, int64(400))
	}
}

func TestScheduler_CompleteFileFinishesWithoutTransfer(t *testing.T) {
	tr := &fakeTransport{content: content(50)}
	s, fs := setup(t, tr, Config{})
	rec := newRecorder()

	require.NoError(t, afero.WriteFile(fs, "/dl/a", tr.content, 0o644))
	require.NoError(t, s.Start(context.Background(), newJob("a", 50), rec))

	assert.Equal(t, int64(50), rec.waitFinished(t))
	assert.Empty(t, tr.opened())
}

func TestScheduler_OversizedTargetRestarts(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		onDisk     int
		wantOpened []int64
	}{
		{name: "larger than resource", size: 1000, onDisk: 1500, wantOpened: []int64{0}},
		{name: "empty resource", size: 0, onDisk: 10, wantOpened: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{content: content(tt.size)}
			s, fs := setup(t, tr, Config{})
			rec := newRecorder()

			require.NoError(t, afero.WriteFile(fs, "/dl/a", bytes.Repeat([]byte("X"), tt.onDisk), 0o644))
			require.NoError(t, s.Start(context.Background(), newJob("a", tt.size), rec))

			assert.Equal(t, int64(tt.size), rec.waitFinished(t))
			assert.Equal(t, tt.wantOpened, tr.opened())

			got, err := afero.ReadFile(fs, "/dl/a")
			require.NoError(t, err)
			assert.Equal(t, tr.content, got)
		})
	}
}

func TestScheduler_UnknownSize(t *testing.T) {
	tr := &fakeTransport{content: content(300)}
	s, _ := setup(t, tr, Config{})
	rec := newRecorder()

	require.NoError(t, s.Start(context.Background(), newJob("a", int(download.UnknownSize)), rec))

	assert.Equal(t, int64(300), rec.waitFinished(t))
}

func TestScheduler_LimitsToDeclaredSize(t *testing.T) {
	tr := &fakeTransport{content: content(1000), ignoreRange: true}
	s, fs := setup(t, tr, Config{})
	rec := newRecorder()

	require.NoError(t, afero.WriteFile(fs, "/dl/a", tr.content[:600], 0o644))
	require.NoError(t, s.Start(context.Background(), newJob("a", 1000), rec))

	assert.Equal(t, int64(1000), rec.waitFinished(t))

	size, err := localfs.New(fs).Size("/dl/a")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), size)
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{content: content(200), gate: gate}
	s, _ := setup(t, tr, Config{MaxParallel: 2})
	rec := newRecorder()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Start(context.Background(), newJob(fmt.Sprintf("j%d", i), 200), rec))
	}

	require.Eventually(t, func() bool { return tr.active.Load() == 2 }, waitFor, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, tr.opened(), 2, "jobs beyond the limit must wait for a permit")

	close(gate)

	for i := 0; i < 5; i++ {
		assert.Equal(t, int64(200), rec.waitFinished(t))
	}

	assert.Equal(t, int64(2), tr.maxActive.Load())
}

func TestScheduler_StartIsIdempotentWhileRunning(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{content: content(100), gate: gate}
	s, _ := setup(t, tr, Config{})
	rec := newRecorder()

	require.NoError(t, s.Start(context.Background(), newJob("a", 100), rec))
	require.NoError(t, s.Start(context.Background(), newJob("a", 100), rec))
	assert.True(t, s.Running("a"))

	close(gate)
	rec.waitFinished(t)

	assert.Len(t, tr.opened(), 1)
	require.Eventually(t, func() bool { return !s.Running("a") }, waitFor, 5*time.Millisecond)
}

func TestScheduler_StoppedJobReportsNothing(t *testing.T) {
	tr := &fakeTransport{content: content(100), gate: make(chan struct{})}
	s, _ := setup(t, tr, Config{})
	rec := newRecorder()

	require.NoError(t, s.Start(context.Background(), newJob("a", 100), rec))
	require.Eventually(t, func() bool { return tr.active.Load() == 1 }, waitFor, 5*time.Millisecond)

	s.Stop("a")
	assert.False(t, s.Running("a"))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.Empty(t, rec.finished)
	assert.Empty(t, rec.failed)
	assert.Zero(t, tr.active.Load())

	assert.ErrorIs(t, s.Start(context.Background(), newJob("a", 100), rec), ErrClosed)
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{content: content(500), gate: gate}
	s, fs := setup(t, tr, Config{BufferSize: 50})
	rec := newRecorder()

	require.NoError(t, s.Start(context.Background(), newJob("a", 500), rec))
	require.Eventually(t, func() bool { return tr.active.Load() == 1 }, waitFor, 5*time.Millisecond)

	s.Stop("a")
	close(gate)
	require.NoError(t, s.Start(context.Background(), newJob("a", 500), rec))

	assert.Equal(t, int64(500), rec.waitFinished(t))

	got, err := afero.ReadFile(fs, "/dl/a")
	require.NoError(t, err)
	assert.Equal(t, tr.content, got)
	assert.Empty(t, rec.failed)
}

func TestScheduler_Failures(t *testing.T) {
	tests := []struct {
		name     string
		tr       *fakeTransport
		wantCode string
	}{
		{
			name:     "not found",
			tr:       &fakeTransport{err: &transfer.ResourceNotFoundError{URL: "u"}},
			wantCode: transfer.CodeResourceNotFound,
		},
		{
			name:     "unclassified",
			tr:       &fakeTransport{err: errors.New("connection reset")},
			wantCode: transfer.CodeUnexpectedError,
		},
		{
			name:     "panic",
			tr:       &fakeTransport{panics: true},
			wantCode: transfer.CodeUnexpectedError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := setup(t, tt.tr, Config{MaxParallel: 1})
			rec := newRecorder()

			require.NoError(t, s.Start(context.Background(), newJob("a", 10), rec))

			err := rec.waitFailed(t)
			assert.Equal(t, tt.wantCode, transfer.Code(err))

			// The permit was released.
			tt.tr.err, tt.tr.panics = nil, false
			tt.tr.content = content(10)

			require.Eventually(t, func() bool { return !s.Running("a") }, waitFor, 5*time.Millisecond)
			require.NoError(t, s.Start(context.Background(), newJob("a", 10), rec))
			assert.Equal(t, int64(10), rec.waitFinished(t))
		})
	}
}

func TestScheduler_ShortStreamFails(t *testing.T) {
	tr := &fakeTransport{content: content(50)}
	s, _ := setup(t, tr, Config{})
	rec := newRecorder()

	require.NoError(t, s.Start(context.Background(), newJob("a", 100), rec))

	err := rec.waitFailed(t)
	assert.Equal(t, transfer.CodeTemporaryError, transfer.Code(err))
	assert.True(t, transfer.IsRetryable(err))
}

func TestScheduler_StopAndWait(t *testing.T) {
	tr := &fakeTransport{content: content(100), gate: make(chan struct{})}
	s, _ := setup(t, tr, Config{})
	rec := newRecorder()

	require.NoError(t, s.StopAndWait(context.Background(), "missing"))

	require.NoError(t, s.Start(context.Background(), newJob("a", 100), rec))
	require.Eventually(t, func() bool { return tr.active.Load() == 1 }, waitFor, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(t, s.StopAndWait(ctx, "a"))
	assert.Zero(t, tr.active.Load())
	assert.False(t, s.Running("a"))
	assert.Empty(t, rec.finished)
	assert.Empty(t, rec.failed)
}

func TestScheduler_PanicRecordsSystemError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: true, ServiceName: "scheduler-test"})
	require.NoError(t, err)

	s := NewScheduler(&fakeTransport{panics: true}, localfs.New(afero.NewMemMapFs()), tel, Config{})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	rec := newRecorder()
	require.NoError(t, s.Start(context.Background(), newJob("a", 10), rec))
	assert.Equal(t, transfer.CodeUnexpectedError, transfer.Code(rec.waitFailed(t)))

	scrape := httptest.NewRecorder()
	tel.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := scrape.Body.String()
	assert.Contains(t, body, "system_errors")
	assert.Contains(t, body, `component="downloader"`)
	assert.Contains(t, body, `error_type="panic"`)
}
