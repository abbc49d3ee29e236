package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/wire"
)

const usage = `commands:
  stats                          daemon diagnostics snapshot
  interfaces                     known interfaces
  query <span> [iface] [table]   throughput over the last span (15m, 6h, 7d)
  watch [iface]                  stream live rates until enter
  retention <raw> <min> <hour>   change tier retention (e.g. 48h 720h 8760h)
  ping                           round-trip to the daemon
  version                        client and server versions
  help                           this text
  quit                           leave`

// run parses one command line and executes it.
func (a *app) run(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help", "?":
		fmt.Println(usage)
		return nil
	case "version":
		fmt.Printf("client %s, server %s\n", Version, a.c.ServerVersion())
		return nil
	case "ping":
		return a.cmdPing()
	case "stats":
		return a.cmdStats()
	case "interfaces", "ifaces":
		return a.cmdInterfaces()
	case "query":
		return a.cmdQuery(args)
	case "watch":
		return a.cmdWatch(args)
	case "retention":
		return a.cmdRetention(args)
	case "quit", "exit":
		a.close()
		os.Exit(0)
		return nil
	default:
		return fmt.Errorf("unknown command %q (try \"help\")", cmd)
	}
}

func (a *app) cmdPing() error {
	ctx, cancel := a.reqCtx()
	defer cancel()
	rtt, err := a.c.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pong from %s: %s\n", a.addr, rtt.Round(time.Microsecond))
	return nil
}

func (a *app) cmdStats() error {
	ctx, cancel := a.reqCtx()
	defer cancel()
	snap, err := a.c.Stats(ctx)
	if err != nil {
		return err
	}
	a.setInterfaces(snap.Interfaces)
	renderStats(snap)
	return nil
}

func (a *app) cmdInterfaces() error {
	ctx, cancel := a.reqCtx()
	defer cancel()
	snap, err := a.c.Stats(ctx)
	if err != nil {
		return err
	}
	a.setInterfaces(snap.Interfaces)
	renderInterfaces(snap.Interfaces)
	return nil
}

func (a *app) cmdQuery(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: query <span> [iface] [table]")
	}
	span, err := parseSpan(args[0])
	if err != nil {
		return err
	}

	req := &wire.QueryRequest{}
	req.EndMs = time.Now().UnixMilli()
	req.StartMs = req.EndMs - span.Milliseconds()

	asTable := false
	for _, arg := range args[1:] {
		if arg == "table" {
			asTable = true
			continue
		}
		req.Filter = model.InterfaceFilter{Mode: model.FilterSingle, IDs: []string{arg}}
	}

	ctx, cancel := a.reqCtx()
	defer cancel()
	resp, err := a.c.Query(ctx, req)
	if err != nil {
		return err
	}
	renderQuery(resp, asTable)
	return nil
}

func (a *app) cmdWatch(args []string) error {
	var filterID string
	if len(args) > 0 {
		filterID = args[0]
	}

	fmt.Println("watching live rates, press enter to stop")
	stop := make(chan struct{})
	go func() {
		bufio.NewReader(os.Stdin).ReadString('\n')
		close(stop)
	}()

	for {
		select {
		case <-stop:
			return nil
		case batch, ok := <-a.c.Updates():
			if !ok {
				return fmt.Errorf("feed closed: %v", a.c.Err())
			}
			for _, u := range batch {
				if filterID != "" && u.InterfaceID != filterID {
					continue
				}
				fmt.Printf("%s  %-16s down %12s  up %12s\n",
					time.UnixMilli(u.TsMs).Format("15:04:05"),
					u.InterfaceID,
					formatRate(u.DownBps),
					formatRate(u.UpBps))
			}
		}
	}
}

func (a *app) cmdRetention(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: retention <raw> <minute> <hour> (e.g. retention 48h 720h 8760h)")
	}
	raw, err := parseSpan(args[0])
	if err != nil {
		return fmt.Errorf("raw: %w", err)
	}
	minute, err := parseSpan(args[1])
	if err != nil {
		return fmt.Errorf("minute: %w", err)
	}
	hour, err := parseSpan(args[2])
	if err != nil {
		return fmt.Errorf("hour: %w", err)
	}

	ctx, cancel := a.reqCtx()
	defer cancel()
	ack, err := a.c.SetRetention(ctx, model.RetentionPolicy{
		RawTTL:    raw,
		MinuteTTL: minute,
		HourTTL:   hour,
	})
	if err != nil {
		return err
	}

	fmt.Println(ack.Message)
	if ack.Pending {
		fmt.Printf("shrink deferred, effective %s\n", formatTime(ack.EffectiveAtMs))
	}
	return nil
}

// parseSpan reads a duration, additionally accepting a "d" suffix for
// days ("7d") which time.ParseDuration does not know.
func parseSpan(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err == nil && days > 0 {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad span %q (try 15m, 6h, 7d)", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("span must be positive")
	}
	return d, nil
}
