package main

import (
	"fmt"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
)

var commandSuggestions = []prompt.Suggest{
	{Text: "stats", Description: "daemon diagnostics snapshot"},
	{Text: "interfaces", Description: "known interfaces"},
	{Text: "query", Description: "throughput over a time span"},
	{Text: "watch", Description: "stream live rates"},
	{Text: "retention", Description: "change tier retention"},
	{Text: "ping", Description: "round-trip to the daemon"},
	{Text: "version", Description: "client and server versions"},
	{Text: "help", Description: "command overview"},
	{Text: "quit", Description: "leave"},
}

var spanSuggestions = []prompt.Suggest{
	{Text: "5m", Description: "last 5 minutes"},
	{Text: "15m", Description: "last 15 minutes"},
	{Text: "1h", Description: "last hour"},
	{Text: "6h", Description: "last 6 hours"},
	{Text: "24h", Description: "last day"},
	{Text: "7d", Description: "last week"},
	{Text: "30d", Description: "last month"},
}

func (a *app) repl() {
	fmt.Printf("netpulse %s connected to %s (server %s)\n", Version, a.addr, a.c.ServerVersion())
	fmt.Println(`type "help" for commands, "quit" to leave`)

	p := prompt.New(
		a.execute,
		a.complete,
		prompt.OptionTitle("netpulse"),
		prompt.OptionPrefix("netpulse> "),
		prompt.OptionPrefixTextColor(prompt.Cyan),
		prompt.OptionMaxSuggestion(12),
	)
	p.Run()
}

func (a *app) execute(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if err := a.run(line); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

func (a *app) complete(d prompt.Document) []prompt.Suggest {
	word := d.GetWordBeforeCursor()
	fields := strings.Fields(d.TextBeforeCursor())

	// Position of the argument being typed: a trailing space starts the
	// next one.
	pos := len(fields)
	if word != "" {
		pos--
	}

	if pos <= 0 {
		return prompt.FilterHasPrefix(commandSuggestions, word, true)
	}

	switch fields[0] {
	case "query":
		switch pos {
		case 1:
			return prompt.FilterHasPrefix(spanSuggestions, word, true)
		case 2:
			return prompt.FilterHasPrefix(a.ifaceSuggestions(), word, true)
		case 3:
			return prompt.FilterHasPrefix([]prompt.Suggest{
				{Text: "table", Description: "per-point table instead of sparkline"},
			}, word, true)
		}
	case "watch":
		if pos == 1 {
			return prompt.FilterHasPrefix(a.ifaceSuggestions(), word, true)
		}
	case "retention":
		if pos >= 1 && pos <= 3 {
			return prompt.FilterHasPrefix(spanSuggestions, word, true)
		}
	}
	return nil
}

// ifaceSuggestions builds completions from the cached interface set.
func (a *app) ifaceSuggestions() []prompt.Suggest {
	ifaces := a.cachedInterfaces()
	suggests := make([]prompt.Suggest, 0, len(ifaces))
	for _, iface := range ifaces {
		desc := iface.Description
		if !iface.Active {
			desc = "(inactive) " + desc
		}
		suggests = append(suggests, prompt.Suggest{Text: iface.ID, Description: desc})
	}
	return suggests
}
