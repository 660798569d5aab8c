package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/localfs"
	"github.com/giovanniandreuzza/nimbus/internal/storage"
)

type fixture struct {
	store *Store
	dir   string
	path  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "state", "nimbus.store")

	s, err := Open(path, localfs.New(afero.NewOsFs()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return &fixture{store: s, dir: dir, path: path}
}

// task returns a task whose target file holds written bytes.
func (f *fixture) task(t *testing.T, name string, size int64, written int) *download.Task {
	t.Helper()

	task, err := download.NewTask("https://example.com/"+name, f.dir, name, size)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(task.Target(), make([]byte, written), 0o644))
	task.PullEvents()

	return task
}

func TestStore_SaveAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.task(t, "a.bin", 1000, 0)
	require.NoError(t, f.store.Save(ctx, task))

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.FileURL, got.FileURL)
	assert.Equal(t, int64(1000), got.FileSize)
	assert.Equal(t, download.KindEnqueued, got.State.Kind)
	assert.Equal(t, int64(0), got.Version)
	assert.True(t, task.UpdatedAt.Equal(got.UpdatedAt))
}

func TestStore_GetMissing(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, err, download.ErrTaskNotFound)

	assert.ErrorIs(t, f.store.Delete(context.Background(), "nope"), storage.ErrNotFound)
}

func TestStore_StaleSaveIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.task(t, "a.bin", 1000, 0)
	require.NoError(t, task.Start())
	require.NoError(t, task.Pause())
	require.NoError(t, f.store.Save(ctx, task))

	stale := task.Clone()
	stale.Version = 1
	stale.State = download.Downloading(0)
	require.NoError(t, f.store.Save(ctx, stale))

	same := task.Clone()
	same.State = download.Failed("x", "y")
	require.NoError(t, f.store.Save(ctx, same))

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, download.KindPaused, got.State.Kind)
}

func TestStore_ReconcilesProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.task(t, "a.bin", 1000, 250)
	require.NoError(t, task.Start())
	require.NoError(t, task.Pause())
	require.NoError(t, f.store.Save(ctx, task))

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, download.KindPaused, got.State.Kind)
	assert.InDelta(t, 25.0, got.State.Progress, 0.001)

	// Bytes beyond the declared size do not push progress past 100.
	require.NoError(t, os.WriteFile(task.Target(), make([]byte, 1500), 0o644))

	got, err = f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, got.State.Progress, 0.001)
}

func TestStore_DropsTasksWithMissingFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	keep := f.task(t, "keep.bin", 10, 0)
	gone := f.task(t, "gone.bin", 10, 0)
	require.NoError(t, f.store.Save(ctx, keep))
	require.NoError(t, f.store.Save(ctx, gone))

	require.NoError(t, os.Remove(gone.Target()))

	all, err := f.store.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, keep.ID)

	// The record was dropped from disk, not just hidden.
	require.NoError(t, os.WriteFile(gone.Target(), nil, 0o644))

	_, err = f.store.Get(ctx, gone.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_GetDropsSingleTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.task(t, "a.bin", 10, 0)
	require.NoError(t, f.store.Save(ctx, task))
	require.NoError(t, os.Remove(task.Target()))

	_, err := f.store.Get(ctx, task.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	all, err := f.store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.task(t, "a.bin", 10, 0)
	require.NoError(t, f.store.Save(ctx, task))
	require.NoError(t, f.store.Delete(ctx, task.ID))

	_, err := f.store.Get(ctx, task.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_CorruptFileIsEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Dir(f.path), 0o755))
	require.NoError(t, os.WriteFile(f.path, []byte("not a store"), 0o644))

	all, err := f.store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	task := f.task(t, "a.bin", 10, 0)
	require.NoError(t, f.store.Save(ctx, task))

	all, err = f.store.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_SurvivesReopen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.task(t, "a.bin", download.UnknownSize, 0)
	require.NoError(t, task.Start())
	require.NoError(t, task.Fail("temporary_error", "boom"))
	require.NoError(t, f.store.Save(ctx, task))
	require.NoError(t, f.store.Close())

	reopened, err := Open(f.path, localfs.New(afero.NewOsFs()))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, download.UnknownSize, got.FileSize)
	assert.Equal(t, download.Failed("temporary_error", "boom"), got.State)
	assert.Equal(t, int64(2), got.Version)
}

func TestOpen_Locked(t *testing.T) {
	f := newFixture(t)

	_, err := Open(f.path, localfs.New(afero.NewOsFs()))
	assert.True(t, errors.Is(err, ErrLocked))
}

func TestStore_WriteFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nimbus.store")

	s, err := Open(path, localfs.New(afero.NewOsFs()), WithFs(afero.NewReadOnlyFs(afero.NewOsFs())))
	require.NoError(t, err)
	defer s.Close()

	task, err := download.NewTask("https://example.com/a", dir, "a", 1)
	require.NoError(t, err)

	err = s.Save(context.Background(), task)
	assert.ErrorIs(t, err, storage.ErrStoreFailed)

	var se *storage.StoreError
	assert.ErrorAs(t, err, &se)
}
