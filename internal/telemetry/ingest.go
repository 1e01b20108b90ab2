package telemetry

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Ingestor moves eTrac responses into the store
type Ingestor struct {
	client *Client
	store  *Store
	loc    *time.Location
}

func NewIngestor(client *Client, store *Store, loc *time.Location) *Ingestor {
	if loc == nil {
		loc = time.Local
	}
	return &Ingestor{client: client, store: store, loc: loc}
}

// FetchLatest stores the fleet's latest positions
func (i *Ingestor) FetchLatest(ctx context.Context) (IngestSummary, error) {
	items, err := i.client.LatestPositions(ctx)
	if err != nil {
		return IngestSummary{}, err
	}

	sum := i.store.Ingest(ctx, items)
	log.Printf("telemetry: latest positions: %s", sum)
	return sum, nil
}

// FetchLastPosition stores the latest position of one plate
func (i *Ingestor) FetchLastPosition(ctx context.Context, plate string) (IngestSummary, error) {
	items, err := i.client.LastPosition(ctx, plate)
	if err != nil {
		return IngestSummary{}, err
	}

	return i.store.Ingest(ctx, items), nil
}

// FetchHistory stores the history of plate on day and returns how many
// new pings it added.
func (i *Ingestor) FetchHistory(ctx context.Context, plate string, day time.Time) (int, error) {
	items, err := i.client.TerminalHistory(ctx, plate, HistoryQuery{Day: day})
	if err != nil {
		return 0, err
	}

	sum := i.store.Ingest(ctx, items)
	log.Printf("telemetry: history %s %s: %s", plate, day.Format("2006-01-02"), sum)
	return sum.Inserted, nil
}

// FetchTrips stores the driving summaries of plate on day
func (i *Ingestor) FetchTrips(ctx context.Context, plate string, day time.Time) (int, error) {
	items, err := i.client.Trips(ctx, plate, day)
	if err != nil {
		return 0, fmt.Errorf("telemetry: trips %s %s: %w", plate, day.Format("2006-01-02"), err)
	}

	n, err := i.store.SaveTrips(ctx, plate, items)
	log.Printf("telemetry: trips %s %s: %d received, %d new", plate, day.Format("2006-01-02"), len(items), n)
	return n, err
}

// FetchMonth stores a whole month of history for plate. When no history
// endpoint serves the range, it falls back to the latest positions
// filtered locally by plate and range.
func (i *Ingestor) FetchMonth(ctx context.Context, plate string, year int, month time.Month) (IngestSummary, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, i.loc)
	end := start.AddDate(0, 1, 0).Add(-time.Second)

	items, err := i.client.TerminalHistory(ctx, plate, HistoryQuery{Start: start, End: end})
	if err == nil {
		sum := i.store.Ingest(ctx, items)
		log.Printf("telemetry: month %s %04d-%02d: %s", plate, year, month, sum)
		return sum, nil
	}
	if ctx.Err() != nil {
		return IngestSummary{}, ctx.Err()
	}

	log.Printf("telemetry: history for %s %04d-%02d failed, falling back to latest positions (%v)", plate, year, month, err)
	items, err = i.client.RecentForPlate(ctx, plate, start, end)
	if err != nil {
		return IngestSummary{}, err
	}
	if len(items) == 0 {
		log.Printf("telemetry: fallback found no positions for %s", plate)
	}

	return i.store.Ingest(ctx, items), nil
}

// DiscoverPlates lists plates from the store, asking the API when the
// store knows none.
func (i *Ingestor) DiscoverPlates(ctx context.Context) ([]string, error) {
	plates, err := i.store.DistinctPlates(ctx)
	if err != nil {
		log.Printf("telemetry: plate discovery from store failed (%v)", err)
	}
	if len(plates) > 0 {
		return plates, nil
	}

	return i.client.DiscoverPlates(ctx)
}
