package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/wire"
)

// formatRate renders a bytes-per-second rate.
func formatRate(bps float64) string {
	switch {
	case bps >= 1e9:
		return fmt.Sprintf("%.2f GB/s", bps/1e9)
	case bps >= 1e6:
		return fmt.Sprintf("%.2f MB/s", bps/1e6)
	case bps >= 1e3:
		return fmt.Sprintf("%.1f kB/s", bps/1e3)
	default:
		return fmt.Sprintf("%.0f B/s", bps)
	}
}

// formatBytes renders a byte total.
func formatBytes(n uint64) string {
	switch {
	case n >= 1<<40:
		return fmt.Sprintf("%.2f TiB", float64(n)/(1<<40))
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func formatUptime(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}

// termWidth returns the terminal width, with a sane fallback when
// stdout is not a terminal.
func termWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		return w
	}
	return 80
}

func renderStats(snap *wire.StatsResponse) {
	health := "ok"
	switch {
	case snap.WriterDegraded:
		health = "degraded, serving live tail only"
	case !snap.StoreOK:
		health = "unavailable, live tail only"
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "uptime\t%s\n", formatUptime(snap.UptimeMs))
	fmt.Fprintf(w, "store\t%s\n", health)
	fmt.Fprintf(w, "sampler\tticks %d, accepted %d, discarded %d, markers %d\n",
		snap.SamplerTicks, snap.SamplesAccepted, snap.SamplesDiscarded, snap.MarkersEmitted)
	fmt.Fprintf(w, "queue\tdepth %d, dropped %d\n", snap.QueueDepth, snap.QueueDropped)
	fmt.Fprintf(w, "writer\tflushes %d, failures %d\n", snap.WriterFlushes, snap.WriterFailures)
	fmt.Fprintf(w, "live tail\t%d samples\n", snap.TailLen)
	fmt.Fprintf(w, "watermarks\tminute %s, hour %s\n",
		formatTime(snap.MinuteWatermarkMs), formatTime(snap.HourWatermarkMs))
	w.Flush()

	if len(snap.Tiers) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIER\tROWS\tOLDEST\tNEWEST")
		for _, ts := range snap.Tiers {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
				ts.Tier, ts.Rows, formatTime(ts.OldestMs), formatTime(ts.NewestMs))
		}
		w.Flush()
	}

	active := 0
	for _, iface := range snap.Interfaces {
		if iface.Active {
			active++
		}
	}
	fmt.Printf("\n%d interfaces (%d active)\n", len(snap.Interfaces), active)
}

func renderInterfaces(ifaces []model.Interface) {
	if len(ifaces) == 0 {
		fmt.Println("no interfaces known yet")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATE\tFIRST SEEN\tLAST SEEN\tDESCRIPTION")
	for _, iface := range ifaces {
		kind := "virtual"
		if iface.Physical {
			kind = "physical"
		}
		state := "inactive"
		if iface.Active {
			state = "active"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			iface.ID, iface.Name, kind, state,
			formatTime(iface.FirstSeenMs), formatTime(iface.LastSeenMs),
			iface.Description)
	}
	w.Flush()
}

func renderQuery(resp *wire.QueryResponse, asTable bool) {
	span := time.Duration(resp.EndMs-resp.StartMs) * time.Millisecond
	head := fmt.Sprintf("%s .. %s (%s, %s tier, %d points",
		formatTime(resp.StartMs), formatTime(resp.EndMs),
		span.Round(time.Second), resp.Tier, len(resp.Points))
	if resp.Downsampled {
		head += ", downsampled"
	}
	head += ")"
	if resp.LiveOnly {
		head += " [live tail only]"
	}
	fmt.Println(head)

	st := &resp.Stats
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "total\tdown %s\tup %s\n", formatBytes(st.TotalDown), formatBytes(st.TotalUp))
	fmt.Fprintf(w, "peak\tdown %s\tup %s\n", formatRate(st.PeakDownBps), formatRate(st.PeakUpBps))
	if st.HasPercentiles() {
		fmt.Fprintf(w, "down p50/p95/p99\t%s\t%s\t%s\n",
			formatRate(*st.P50DownBps), formatRate(*st.P95DownBps), formatRate(*st.P99DownBps))
		if st.P50UpBps != nil {
			fmt.Fprintf(w, "up p50/p95/p99\t%s\t%s\t%s\n",
				formatRate(*st.P50UpBps), formatRate(*st.P95UpBps), formatRate(*st.P99UpBps))
		}
	}
	w.Flush()

	switch {
	case len(resp.Points) == 0:
		fmt.Println("no data in range")
	case asTable:
		renderPointTable(resp.Points)
	default:
		renderSparklines(resp.Points)
	}

	if len(resp.Markers) > 0 {
		fmt.Printf("%d discontinuities:\n", len(resp.Markers))
		for _, m := range resp.Markers {
			fmt.Printf("  %s  %-16s %s\n", formatTime(m.AtMs), m.InterfaceID, m.Reason)
		}
	}
}

func renderPointTable(points []model.Point) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tDOWN\tUP\tBYTES DOWN\tBYTES UP\tPEAK DOWN")
	for i := range points {
		p := &points[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(p.StartMs),
			formatRate(p.DownBps()), formatRate(p.UpBps()),
			formatBytes(p.BytesDown), formatBytes(p.BytesUp),
			formatRate(p.DownMaxBps))
	}
	w.Flush()
}

func renderSparklines(points []model.Point) {
	width := termWidth() - 8
	down := make([]float64, len(points))
	up := make([]float64, len(points))
	for i := range points {
		down[i] = points[i].DownBps()
		up[i] = points[i].UpBps()
	}
	fmt.Printf("down  %s\n", sparkline(down, width))
	fmt.Printf("up    %s\n", sparkline(up, width))
}

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// sparkline renders values as a block-character strip, folding to at
// most width columns by keeping each column's peak.
func sparkline(values []float64, width int) string {
	if len(values) == 0 {
		return ""
	}
	if width <= 0 {
		width = 60
	}

	cols := values
	if len(values) > width {
		cols = make([]float64, width)
		for i, v := range values {
			c := i * width / len(values)
			if v > cols[c] {
				cols[c] = v
			}
		}
	}

	var max float64
	for _, v := range cols {
		if v > max {
			max = v
		}
	}
	if max <= 0 {
		return strings.Repeat(string(sparkRunes[0]), len(cols))
	}

	var b strings.Builder
	for _, v := range cols {
		idx := int(v / max * float64(len(sparkRunes)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sparkRunes) {
			idx = len(sparkRunes) - 1
		}
		b.WriteRune(sparkRunes[idx])
	}
	return b.String()
}
