package syncd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ph2708/sync-apis/internal/auvo"
	"github.com/ph2708/sync-apis/internal/coordinator"
	"github.com/ph2708/sync-apis/internal/runner"
	"github.com/ph2708/sync-apis/internal/telemetry"
)

type LatestFetcher interface {
	FetchLatest(ctx context.Context) (telemetry.IngestSummary, error)
}

type ResourceSyncer interface {
	Sync(ctx context.Context, resources []string) auvo.Result
}

type DailyRunner interface {
	Daily(ctx context.Context, day time.Time, plates []string) runner.Summary
}

// LatestJob stores the fleet's latest positions
func LatestJob(f LatestFetcher) Job {
	return func(ctx context.Context, run *coordinator.Run) error {
		sum, err := f.FetchLatest(ctx)
		if err != nil {
			return fmt.Errorf("latest positions: %w", err)
		}
		run.Summary = sum
		return nil
	}
}

// AuvoJob syncs the configured Auvo resources. Skipped resources are
// logged and recorded, they do not fail the run.
func AuvoJob(s ResourceSyncer, resources []string) Job {
	return func(ctx context.Context, run *coordinator.Run) error {
		res := s.Sync(ctx, resources)
		log.Printf("auvo: run %s: %s", run.ID, res)
		if skipped := res.Skipped(); len(skipped) > 0 {
			log.Printf("auvo: run %s skipped resources: %v", run.ID, skipped)
		}
		run.Summary = res.String()
		return nil
	}
}

// DailyRoutesJob computes yesterday's route for every discovered plate
func DailyRoutesJob(r DailyRunner, src runner.PlateSource, loc *time.Location, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}

	return func(ctx context.Context, run *coordinator.Run) error {
		day := runner.Yesterday(now(), loc)

		plates, err := runner.ResolvePlates(ctx, "", "", src)
		if err != nil {
			return err
		}
		if len(plates) == 0 {
			log.Printf("runner: no plates found for %s, nothing to do", day.Format("2006-01-02"))
			return nil
		}

		sum := r.Daily(ctx, day, plates)
		sum.RunID = run.ID
		log.Printf("runner: %s", sum)
		run.Summary = sum.String()

		return ctx.Err()
	}
}
