// Package export dumps a queried range at full fidelity. Exports run
// through the same engine path as charts with the point budget lifted,
// so a dump always agrees with what the chart would have shown.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/query"
)

// Export formats.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// csvTimeLayout is RFC3339 with fixed millisecond precision, so interval
// bounds survive the round trip through text.
const csvTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Querier is the slice of the query engine the exporter needs.
type Querier interface {
	Query(ctx context.Context, req query.Request) (*query.Result, error)
}

// Exporter writes range dumps in the supported formats.
type Exporter struct {
	engine Querier
}

// New returns an exporter reading through engine.
func New(engine Querier) *Exporter {
	return &Exporter{engine: engine}
}

// Options configures one export.
type Options struct {
	StartMs int64
	EndMs   int64
	Filter  model.InterfaceFilter

	// Tier forces a resolution tier; nil selects by span as charts do.
	Tier *model.Tier
}

// Result summarizes a completed export.
type Result struct {
	RowsExported int
	Format       string
	TimeRange    string
	Tier         model.Tier

	// LiveOnly is true when the store was unavailable and the dump
	// covers only the live tail.
	LiveOnly bool

	ExportedAt time.Time
}

// ToCSV writes the range as CSV. One row per point:
// start, end, bytes_down, bytes_up, down_bps, up_bps.
func (e *Exporter) ToCSV(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	res, err := e.run(ctx, opts)
	if err != nil {
		return nil, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"start", "end", "bytes_down", "bytes_up", "down_bps", "up_bps"}); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	for i := range res.Points {
		p := &res.Points[i]
		row := []string{
			time.UnixMilli(p.StartMs).UTC().Format(csvTimeLayout),
			time.UnixMilli(p.EndMs).UTC().Format(csvTimeLayout),
			strconv.FormatUint(p.BytesDown, 10),
			strconv.FormatUint(p.BytesUp, 10),
			strconv.FormatFloat(p.DownBps(), 'f', -1, 64),
			strconv.FormatFloat(p.UpBps(), 'f', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}

	return summarize(res, opts, FormatCSV), nil
}

func (e *Exporter) run(ctx context.Context, opts Options) (*query.Result, error) {
	return e.engine.Query(ctx, query.Request{
		StartMs:   opts.StartMs,
		EndMs:     opts.EndMs,
		Filter:    opts.Filter,
		MaxPoints: -1, // full fidelity
		ForceTier: opts.Tier,
	})
}

func summarize(res *query.Result, opts Options, format string) *Result {
	start := time.UnixMilli(opts.StartMs).UTC()
	end := time.UnixMilli(opts.EndMs).UTC()
	return &Result{
		RowsExported: len(res.Points),
		Format:       format,
		TimeRange:    fmt.Sprintf("%s to %s", start.Format(time.RFC3339), end.Format(time.RFC3339)),
		Tier:         res.Tier,
		LiveOnly:     res.LiveOnly,
		ExportedAt:   time.Now(),
	}
}
