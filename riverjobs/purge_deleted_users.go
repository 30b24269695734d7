// Package riverjobs ships the kit's background jobs as River workers. The
// host application owns the River client and driver; it registers the
// workers and periodic jobs from here into its own configuration.
package riverjobs

import (
	"context"
	"errors"
	"time"

	"github.com/riverqueue/river"
)

// Store is the slice of the keystore the purge worker needs. Both
// storage/memory and storage/postgres satisfy it.
type Store interface {
	ListUsersDeletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	HardDeleteUser(ctx context.Context, userID string) error
}

type PurgeDeletedUsersArgs struct {
	RetentionDays int `json:"retention_days,omitempty"`
	BatchSize     int `json:"batch_size,omitempty"`
}

func (PurgeDeletedUsersArgs) Kind() string { return "keykit_purge_deleted_users" }

func (args PurgeDeletedUsersArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue: river.QueueDefault,
		UniqueOpts: river.UniqueOpts{
			ByArgs:   true,
			ByPeriod: 24 * time.Hour,
			ByQueue:  true,
		},
	}
}

// BeforeUserHardDeleteFunc runs before each user row is removed, so the host
// can delete or anonymize app-domain data (posts, comments, billing records)
// that references the user id. An error stops the batch.
type BeforeUserHardDeleteFunc func(ctx context.Context, userID string) error

// PurgeDeletedUsersWorker hard-deletes users that were soft-deleted more
// than RetentionDays ago. Keys follow via the store (cascade in postgres).
type PurgeDeletedUsersWorker struct {
	river.WorkerDefaults[PurgeDeletedUsersArgs]
	store  Store
	before BeforeUserHardDeleteFunc
}

func NewPurgeDeletedUsersWorker(store Store, before BeforeUserHardDeleteFunc) *PurgeDeletedUsersWorker {
	return &PurgeDeletedUsersWorker{store: store, before: before}
}

func (w *PurgeDeletedUsersWorker) Timeout(*river.Job[PurgeDeletedUsersArgs]) time.Duration {
	return 10 * time.Minute
}

func (w *PurgeDeletedUsersWorker) Work(ctx context.Context, job *river.Job[PurgeDeletedUsersArgs]) error {
	if w == nil || w.store == nil {
		return errors.New("keykit purge: store not configured")
	}
	retention := job.Args.RetentionDays
	if retention <= 0 {
		retention = 30
	}
	batch := job.Args.BatchSize
	if batch <= 0 {
		batch = 500
	}

	cutoff := time.Now().AddDate(0, 0, -retention)
	ids, err := w.store.ListUsersDeletedBefore(ctx, cutoff, batch)
	if err != nil {
		return err
	}
	for _, userID := range ids {
		if w.before != nil {
			if err := w.before(ctx, userID); err != nil {
				return err
			}
		}
		if err := w.store.HardDeleteUser(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}
