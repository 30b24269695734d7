package riverjobs

import (
	"fmt"

	"github.com/riverqueue/river"
	"github.com/robfig/cron/v3"
)

// DefaultPurgeSchedule runs the purge once an hour.
const DefaultPurgeSchedule = "0 * * * *"

// RegisterWorkers registers the kit's workers into a River workers registry.
func RegisterWorkers(ws *river.Workers, store Store, before BeforeUserHardDeleteFunc) {
	river.AddWorker(ws, NewPurgeDeletedUsersWorker(store, before))
}

// PeriodicJobs builds the periodic jobs for river.Config.PeriodicJobs. An
// empty cronSpec uses DefaultPurgeSchedule; the job's uniqueness opts keep
// overlapping schedules from stacking duplicates.
func PeriodicJobs(cronSpec string, args PurgeDeletedUsersArgs, runOnStart bool) ([]*river.PeriodicJob, error) {
	if cronSpec == "" {
		cronSpec = DefaultPurgeSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronSpec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule '%s': %w", cronSpec, err)
	}
	opts := args.InsertOpts()
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			schedule,
			func() (river.JobArgs, *river.InsertOpts) { return args, &opts },
			&river.PeriodicJobOpts{RunOnStart: runOnStart},
		),
	}, nil
}
