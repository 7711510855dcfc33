package dispatcher

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/sentryfleet/sentryfleet/pkg/log"
)

// ReplayRow is one (Time, Input) pair from a benchmark CSV: Time is the
// elapsed virtual second at which Input should be submitted as a task.
type ReplayRow struct {
	Time  int
	Input string
}

// LoadReplayCSV reads a "Time,Input" CSV and returns its rows sorted by
// Time ascending, so Replay can walk it forward against a virtual clock.
func LoadReplayCSV(path string) ([]ReplayRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: open replay csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("dispatcher: read replay csv header: %w", err)
	}

	var rows []ReplayRow
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dispatcher: read replay csv row: %w", err)
		}
		if len(rec) < 2 {
			continue
		}
		t, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("dispatcher: parse replay csv time %q: %w", rec[0], err)
		}
		rows = append(rows, ReplayRow{Time: t, Input: rec[1]})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Time < rows[j].Time })
	return rows, nil
}

// Replay drives a virtual per-second clock over rows: every row whose Time
// has elapsed is submitted via SubmitTask before the clock advances to the
// next second. It blocks until every row has been submitted or ctx is
// cancelled, regardless of how long wall-clock submission actually takes.
func (d *Dispatcher) Replay(ctx context.Context, rows []ReplayRow) {
	if len(rows) == 0 {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	idx := 0
	for second := 0; idx < len(rows); second++ {
		for idx < len(rows) && rows[idx].Time <= second {
			row := rows[idx]
			if _, err := d.SubmitTask(ctx, []byte(row.Input)); err != nil {
				log.Errorf("dispatcher: replay submit failed", err)
			}
			idx++
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		}
	}
}
