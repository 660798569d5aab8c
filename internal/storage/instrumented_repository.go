package storage

import (
	"context"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/telemetry"
)

// InstrumentedRepository wraps a TaskRepository with telemetry.
type InstrumentedRepository struct {
	repo      TaskRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedRepository creates a new instrumented task repository.
func NewInstrumentedRepository(repo TaskRepository, tel *telemetry.Telemetry) *InstrumentedRepository {
	return &InstrumentedRepository{
		repo:      repo,
		telemetry: tel,
	}
}

func (r *InstrumentedRepository) Get(ctx context.Context, id download.ID) (*download.Task, error) {
	var task *download.Task

	err := r.telemetry.InstrumentStoreOperation(ctx, "get", func(ctx context.Context) error {
		var err error
		task, err = r.repo.Get(ctx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return task, nil
}

func (r *InstrumentedRepository) GetAll(ctx context.Context) (map[download.ID]*download.Task, error) {
	var tasks map[download.ID]*download.Task

	err := r.telemetry.InstrumentStoreOperation(ctx, "get_all", func(ctx context.Context) error {
		var err error
		tasks, err = r.repo.GetAll(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}

func (r *InstrumentedRepository) Save(ctx context.Context, task *download.Task) error {
	return r.telemetry.InstrumentStoreOperation(ctx, "save", func(ctx context.Context) error {
		return r.repo.Save(ctx, task)
	})
}

func (r *InstrumentedRepository) Delete(ctx context.Context, id download.ID) error {
	return r.telemetry.InstrumentStoreOperation(ctx, "delete", func(ctx context.Context) error {
		return r.repo.Delete(ctx, id)
	})
}
