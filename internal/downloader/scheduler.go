// Package downloader runs resumable transfers under a concurrency limit.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/downloader/progress"
	"github.com/giovanniandreuzza/nimbus/internal/logctx"
	"github.com/giovanniandreuzza/nimbus/internal/telemetry"
	"github.com/giovanniandreuzza/nimbus/internal/transfer"
)

const (
	DefaultMaxParallel      = 3
	DefaultNotifyEveryBytes = 1 << 20
	DefaultBufferSize       = 32 * 1024
)

// ErrClosed is returned by Start after Shutdown.
var ErrClosed = errors.New("scheduler is shut down")

// Listener receives the outcome of a job. Callbacks run on the job's
// goroutine; a job that was stopped makes none of them.
type Listener interface {
	OnProgress(ctx context.Context, id download.ID, downloaded, total int64)
	OnFinished(ctx context.Context, id download.ID, downloaded int64)
	OnFailed(ctx context.Context, id download.ID, err error)
}

// Job describes one transfer. Size is download.UnknownSize when the remote
// length is not known.
type Job struct {
	ID     download.ID
	URL    string
	Target string
	Size   int64
}

type Config struct {
	MaxParallel      int
	NotifyEveryBytes int64
	BufferSize       int
}

func (c Config) withDefaults() Config {
	if c.MaxParallel < 1 {
		c.MaxParallel = DefaultMaxParallel
	}

	if c.NotifyEveryBytes < 1 {
		c.NotifyEveryBytes = DefaultNotifyEveryBytes
	}

	if c.BufferSize < 1 {
		c.BufferSize = DefaultBufferSize
	}

	return c
}

type job struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

// Scheduler owns the registry of running jobs. At most one job runs per id
// and at most Config.MaxParallel jobs stream at once; the rest wait for a
// permit.
type Scheduler struct {
	transport transfer.Transport
	storage   transfer.Storage
	telemetry *telemetry.Telemetry
	cfg       Config
	sem       *semaphore.Weighted

	mu     sync.Mutex
	jobs   map[download.ID]*job
	closed bool
	wg     sync.WaitGroup
}

func NewScheduler(transport transfer.Transport, storage transfer.Storage, tel *telemetry.Telemetry, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()

	return &Scheduler{
		transport: transport,
		storage:   storage,
		telemetry: tel,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxParallel)),
		jobs:      make(map[download.ID]*job),
	}
}

// Start launches j unless a live job already runs for j.ID. If the previous
// job for the id was stopped, the new one waits for it to exit before
// touching the target. The job outlives ctx; only Stop and Shutdown end it.
func (s *Scheduler) Start(ctx context.Context, j Job, l Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	prev, ok := s.jobs[j.ID]
	if ok && !prev.stopped.Load() {
		return nil
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	jobCtx = logctx.WithTaskID(jobCtx, string(j.ID))

	jb := &job{cancel: cancel, done: make(chan struct{})}
	s.jobs[j.ID] = jb

	s.wg.Add(1)

	go s.run(jobCtx, jb, prev, j, l)

	return nil
}

// Stop cancels the job for id. It returns immediately; the job exits at its
// next read and reports nothing.
func (s *Scheduler) Stop(id download.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if jb, ok := s.jobs[id]; ok {
		jb.stopped.Store(true)
		jb.cancel()
	}
}

// StopAndWait stops the job for id and waits until it no longer touches its
// target or ctx ends.
func (s *Scheduler) StopAndWait(ctx context.Context, id download.ID) error {
	s.mu.Lock()
	jb, ok := s.jobs[id]
	if ok {
		jb.stopped.Store(true)
		jb.cancel()
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	select {
	case <-jb.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for transfer %s to stop: %w", id, ctx.Err())
	}
}

// Running reports whether a job that has not been stopped exists for id.
func (s *Scheduler) Running(id download.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	jb, ok := s.jobs[id]

	return ok && !jb.stopped.Load()
}

// Shutdown stops every job, rejects further starts and waits for the jobs to
// exit or ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true

	for _, jb := range s.jobs {
		jb.stopped.Store(true)
		jb.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for transfers to stop: %w", ctx.Err())
	}
}

// run executes j and then reports to l. jb.done is closed as soon as the job
// stops touching the target, before any callback, so waiters never depend on
// the listener.
func (s *Scheduler) run(ctx context.Context, jb *job, prev *job, j Job, l Listener) {
	defer s.wg.Done()
	defer jb.cancel()

	logger := logctx.LoggerFromContext(ctx)

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			s.forget(j.ID, jb)
			close(jb.done)

			return
		}
	}

	downloaded, err := s.execute(ctx, jb, j, l)

	s.forget(j.ID, jb)
	close(jb.done)

	if jb.stopped.Load() {
		logger.DebugContext(ctx, "transfer stopped", "downloaded", humanize.Bytes(uint64(max(downloaded, 0))))

		return
	}

	if err != nil {
		err = transfer.Classify(err)

		logger.ErrorContext(ctx, "transfer failed", "url", j.URL, "code", transfer.Code(err), "err", err)

		l.OnFailed(ctx, j.ID, err)

		return
	}

	logger.InfoContext(ctx, "transfer finished", "target", j.Target, "size", humanize.Bytes(uint64(downloaded)))

	l.OnFinished(ctx, j.ID, downloaded)
}

// forget removes the registry entry for id if it still belongs to jb.
func (s *Scheduler) forget(id download.ID, jb *job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.jobs[id] == jb {
		delete(s.jobs, id)
	}
}

// execute runs the transfer and returns the bytes on disk when it completes.
// A panic is reported as an UnexpectedError.
func (s *Scheduler) execute(ctx context.Context, jb *job, j Job, l Listener) (downloaded int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "transfer panicked", "panic", r, "stack", string(debug.Stack()))
			s.telemetry.RecordSystemError("downloader", "panic")

			err = &transfer.UnexpectedError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	offset, err := transfer.SizeOrZero(s.storage, j.Target)
	if err != nil {
		return 0, err
	}

	// Bytes beyond the declared size cannot be a prefix of the resource.
	if j.Size >= 0 && offset > j.Size {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "target larger than remote size, restarting",
			"target", j.Target, "on_disk", humanize.Bytes(uint64(offset)), "size", humanize.Bytes(uint64(j.Size)))

		if err := s.truncate(j.Target); err != nil {
			return 0, err
		}

		offset = 0
	}

	if j.Size >= 0 && offset == j.Size {
		return offset, nil
	}

	if err := s.storage.Create(j.Target); err != nil {
		return 0, err
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}

	var once sync.Once

	release := func() { once.Do(func() { s.sem.Release(1) }) }
	defer release()

	err = s.telemetry.InstrumentTransfer(ctx, func(ctx context.Context) error {
		return s.stream(ctx, jb, j, l, offset)
	}, outcome)

	release()

	if err != nil {
		return 0, err
	}

	downloaded, err = s.storage.Size(j.Target)
	if err != nil {
		return 0, err
	}

	if j.Size >= 0 && downloaded < j.Size {
		return downloaded, &transfer.TemporaryError{URL: j.URL, Err: fmt.Errorf("stream ended at %d of %d bytes: %w", downloaded, j.Size, io.ErrUnexpectedEOF)}
	}

	return downloaded, nil
}

func (s *Scheduler) truncate(target string) error {
	sink, err := s.storage.OpenSink(target, false)
	if err != nil {
		return err
	}

	return sink.Close()
}

func (s *Scheduler) stream(ctx context.Context, jb *job, j Job, l Listener, offset int64) error {
	logger := logctx.LoggerFromContext(ctx)

	body, err := s.transport.OpenStream(ctx, j.URL, offset)
	if err != nil {
		return err
	}
	defer body.Close()

	sink, err := s.storage.OpenSink(j.Target, offset > 0)
	if err != nil {
		return err
	}

	var src io.Reader = body
	if j.Size >= 0 {
		src = io.LimitReader(body, j.Size-offset)
	}

	logger.InfoContext(ctx, "transfer started", "url", j.URL, "offset", humanize.Bytes(uint64(offset)), "size", sizeOf(j.Size))

	pw := progress.NewWriter(sink, offset, s.cfg.NotifyEveryBytes, func(written int64) error {
		if err := sink.Sync(); err != nil {
			return err
		}

		if !jb.stopped.Load() {
			l.OnProgress(ctx, j.ID, written, j.Size)
		}

		return nil
	})

	copyErr := copyLoop(ctx, pw, src, make([]byte, s.cfg.BufferSize))

	s.telemetry.RecordBytes(pw.Written() - offset)

	if copyErr != nil {
		_ = sink.Close()

		return copyErr
	}

	if err := sink.Sync(); err != nil {
		_ = sink.Close()

		return err
	}

	return sink.Close()
}

// copyLoop copies src to dst one buffer at a time, checking ctx before each
// read.
func copyLoop(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
		}

		if errors.Is(rerr, io.EOF) {
			return nil
		}

		if rerr != nil {
			return rerr
		}
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "finished"
	case errors.Is(err, context.Canceled):
		return "stopped"
	default:
		return "failed"
	}
}

func sizeOf(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(n))
}
