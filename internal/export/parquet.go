package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// PointRow is a series point in Parquet column layout.
type PointRow struct {
	StartMs    int64   `parquet:"start_ms"`
	EndMs      int64   `parquet:"end_ms"`
	BytesDown  int64   `parquet:"bytes_down,zstd"`
	BytesUp    int64   `parquet:"bytes_up,zstd"`
	DownBps    float64 `parquet:"down_bps"`
	UpBps      float64 `parquet:"up_bps"`
	DownMaxBps float64 `parquet:"down_max_bps"`
	UpMaxBps   float64 `parquet:"up_max_bps"`
}

// ToParquet writes the range as a zstd-compressed Parquet file at path,
// creating parent directories as needed.
func (e *Exporter) ToParquet(ctx context.Context, path string, opts Options) (*Result, error) {
	res, err := e.run(ctx, opts)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	w := parquet.NewGenericWriter[PointRow](f, parquet.Compression(&parquet.Zstd))

	rows := make([]PointRow, len(res.Points))
	for i := range res.Points {
		p := &res.Points[i]
		rows[i] = PointRow{
			StartMs:    p.StartMs,
			EndMs:      p.EndMs,
			BytesDown:  int64(p.BytesDown),
			BytesUp:    int64(p.BytesUp),
			DownBps:    p.DownBps(),
			UpBps:      p.UpBps(),
			DownMaxBps: p.DownMaxBps,
			UpMaxBps:   p.UpMaxBps,
		}
	}

	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			f.Close()
			return nil, fmt.Errorf("write rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		f.Close()
		return nil, fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close file: %w", err)
	}

	return summarize(res, opts, FormatParquet), nil
}
