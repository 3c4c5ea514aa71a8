// Command upnp-log views and analyzes control point trace files.
//
// Trace files are written by upnp-controller with the -trace flag.
//
// Usage:
//
//	upnp-log <command> [flags] <file.ulog>
//
// Commands:
//
//	view     View trace in human-readable format
//	export   Export trace to JSONL or CSV
//	filter   Filter trace and write to new file
//	stats    Show statistics about the trace
//
// Examples:
//
//	# View only eventing traffic
//	upnp-log view -layer eventing cp.ulog
//
//	# Everything about one device
//	upnp-log view -udn uuid:light-1 cp.ulog
//
//	# Failed SUBSCRIBE and renewal exchanges
//	upnp-log view -method SUBSCRIBE -failed cp.ulog
//
//	# Keep one subscription's exchanges
//	upnp-log filter -sid uuid:sid-1 -o sub.ulog cp.ulog
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mash-protocol/upnp-go/cmd/upnp-log/commands"
)

const usage = `upnp-log - UPnP Control Point Trace Analyzer

Usage:
  upnp-log <command> [flags] <file.ulog>

Commands:
  view     View trace in human-readable format
  export   Export trace to JSONL or CSV
  filter   Filter trace and write to new file
  stats    Show statistics about the trace

Use "upnp-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func newFlagSet(name, summary, params string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "upnp-log %s - %s\n\nUsage:\n  upnp-log %s %s\n\nFlags:\n", name, summary, name, params)
		fs.PrintDefaults()
	}
	return fs
}

func parsePath(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// selectionFlags registers the event selection flags on fs.
func selectionFlags(fs *flag.FlagSet) *commands.Selection {
	sel := &commands.Selection{}
	fs.StringVar(&sel.ExchangeID, "exchange-id", "", "Select by exchange ID")
	fs.StringVar(&sel.UDN, "udn", "", "Select by device UDN")
	fs.StringVar(&sel.SID, "sid", "", "Select by subscription ID")
	fs.StringVar(&sel.Since, "since", "", "Select events at or after this time (RFC3339)")
	fs.StringVar(&sel.Until, "until", "", "Select events before this time (RFC3339)")
	fs.StringVar(&sel.Layer, "layer", "", "Select by layer (discovery, description, eventing, control, service)")
	fs.StringVar(&sel.Direction, "direction", "", "Select by direction (in, out)")
	fs.StringVar(&sel.Category, "category", "", "Select by category (message, state, error)")
	fs.StringVar(&sel.Kind, "kind", "", "Select by event kind (datagram, http, notify, state, error)")
	fs.StringVar(&sel.NTS, "nts", "", "Select SSDP datagrams by NTS (alive, byebye, update)")
	fs.StringVar(&sel.Method, "method", "", "Select HTTP exchanges by method (GET, POST, SUBSCRIBE, ...)")
	fs.StringVar(&sel.Action, "action", "", "Select control exchanges by SOAP action")
	fs.StringVar(&sel.Variable, "var", "", "Select notifications carrying this state variable")
	fs.BoolVar(&sel.Failed, "failed", false, "Select failed HTTP exchanges and errors only")
	return sel
}

func runView(args []string) {
	fs := newFlagSet("view", "View trace in human-readable format", "[flags] <file.ulog>")
	sel := selectionFlags(fs)
	path := parsePath(fs, args)

	if err := commands.RunView(path, *sel, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := newFlagSet("export", "Export trace to JSONL or CSV", "[flags] <file.ulog>")
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	sel := selectionFlags(fs)
	path := parsePath(fs, args)

	var w io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fail(fmt.Errorf("failed to create output file: %w", err))
		}
		defer f.Close()
		w = f
	}

	if err := commands.RunExport(path, *format, *sel, w); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	fs := newFlagSet("filter", "Filter trace and write to new file", "[flags] <file.ulog>")
	output := fs.String("o", "", "Output file (required)")
	sel := selectionFlags(fs)
	path := parsePath(fs, args)

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	n, err := commands.RunFilter(path, *output, *sel)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Filtered %d events to %s\n", n, *output)
}

func runStats(args []string) {
	fs := newFlagSet("stats", "Show statistics about the trace", "<file.ulog>")
	path := parsePath(fs, args)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
