// netpulse is the inspector CLI for a running netpulsed daemon. It
// speaks the loopback feed protocol: one-shot commands for scripting,
// or an interactive prompt with completion when run on a terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/netpulse/netpulse/internal/client"
	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/logging"
	"github.com/netpulse/netpulse/internal/model"
)

// Version is set at build time via ldflags
var Version = "dev"

type app struct {
	addr    string
	token   string
	timeout time.Duration

	c *client.Client

	// interface cache feeding the completer
	mu     sync.Mutex
	ifaces []model.Interface
}

func main() {
	addr := flag.String("addr", "127.0.0.1:9338", "daemon feed address")
	token := flag.String("token", "", "auth token (or NETPULSE_TOKEN env)")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("netpulse", Version)
		return
	}

	// Component logs would interleave with command output; keep them to
	// warnings.
	logging.Init(slog.LevelWarn, false)

	authToken := *token
	if authToken == "" {
		authToken = os.Getenv("NETPULSE_TOKEN")
	}

	a := &app{
		addr:    *addr,
		token:   authToken,
		timeout: *timeout,
	}

	if err := a.connect(); err != nil {
		// A rejected token is worth one interactive retry.
		if errors.IsAuthError(err) && term.IsTerminal(int(os.Stdin.Fd())) {
			tok, rerr := promptToken()
			if rerr == nil && tok != "" {
				a.token = tok
				err = a.connect()
			}
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "netpulse: connect %s: %v\n", a.addr, err)
			os.Exit(1)
		}
	}
	defer a.close()

	if args := flag.Args(); len(args) > 0 {
		if err := a.run(strings.Join(args, " ")); err != nil {
			fmt.Fprintf(os.Stderr, "netpulse: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "netpulse: no command given and stdin is not a terminal")
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	a.repl()
}

func (a *app) connect() error {
	cfg := client.DefaultConfig()
	cfg.Addr = a.addr
	cfg.Token = a.token
	cfg.ClientName = "netpulse-cli/" + Version
	cfg.RequestTimeout = a.timeout

	c := client.New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	a.c = c

	go a.refreshInterfaces()
	return nil
}

func (a *app) close() {
	if a.c != nil {
		a.c.Close()
	}
}

// reqCtx returns the per-request context.
func (a *app) reqCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.timeout)
}

// refreshInterfaces updates the completer cache from the daemon.
func (a *app) refreshInterfaces() {
	ctx, cancel := a.reqCtx()
	defer cancel()
	snap, err := a.c.Stats(ctx)
	if err != nil {
		return
	}
	a.setInterfaces(snap.Interfaces)
}

func (a *app) setInterfaces(ifaces []model.Interface) {
	a.mu.Lock()
	a.ifaces = ifaces
	a.mu.Unlock()
}

func (a *app) cachedInterfaces() []model.Interface {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ifaces
}

func promptToken() (string, error) {
	fmt.Fprint(os.Stderr, "token: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	return string(b), err
}
