package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"google.golang.org/grpc/status"

	"github.com/xiaonanln/canvasgov/config"
	"github.com/xiaonanln/canvasgov/governor"
	"github.com/xiaonanln/canvasgov/inspector"
	"github.com/xiaonanln/canvasgov/util/postgres"
)

const (
	defaultAddr    = "localhost:9090"
	defaultTimeout = 5 * time.Second
)

// inspectorAPI is the subset of inspector.Client used by the commands
type inspectorAPI interface {
	Status(ctx context.Context) (inspector.StatusView, error)
	ListIsolated(ctx context.Context, reason string) ([]governor.IsolationEntry, error)
	Isolate(ctx context.Context, id string) (governor.Status, error)
	Restore(ctx context.Context, id string) (bool, error)
	RestoreAll(ctx context.Context) (int, error)
	SetEnabled(ctx context.Context, enabled bool) (inspector.ConfigView, error)
	GetConfig(ctx context.Context) (inspector.ConfigView, error)
	SetConfig(ctx context.Context, req inspector.ConfigPatchRequest) (inspector.ConfigView, error)
	WatchEvents(ctx context.Context, fn func(governor.TransitionEvent) error) error
	Close() error
}

type dialFunc func(addr string) (inspectorAPI, error)

func dialInspector(addr string) (inspectorAPI, error) {
	return inspector.Dial(addr)
}

type command struct {
	name    string
	args    string
	help    string
	minArgs int
	maxArgs int // -1 for unbounded
	run     func(ctx context.Context, c *cli, args []string) error
}

var commands = []command{
	{name: "status", help: "Show the governor overview", run: cmdStatus},
	{name: "list", args: "[auto|manual]", help: "List isolated nodes", maxArgs: 1, run: cmdList},
	{name: "isolate", args: "<id>", help: "Force-isolate a node", minArgs: 1, maxArgs: 1, run: cmdIsolate},
	{name: "restore", args: "<id>", help: "Force-restore a node", minArgs: 1, maxArgs: 1, run: cmdRestore},
	{name: "restore-all", help: "Restore every isolated node", run: cmdRestoreAll},
	{name: "enable", help: "Enable automatic isolation", run: cmdEnable},
	{name: "disable", help: "Disable automatic isolation", run: cmdDisable},
	{name: "config", args: "[key=value ...]", help: "Show or update the policy (enabled, min_throughput, max_isolated, restore_delay, settle_time)", maxArgs: -1, run: cmdConfig},
	{name: "watch", help: "Stream transition events until interrupted", run: cmdWatch},
	{name: "history", args: "[id]", help: "Show journaled transitions (needs --config with journal settings)", maxArgs: 1, run: cmdHistory},
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// cli carries the parsed global options and output streams for one invocation
type cli struct {
	out        io.Writer
	errOut     io.Writer
	addr       string
	timeout    time.Duration
	asJSON     bool
	configPath string
	limit      int
	dial       dialFunc
	client     inspectorAPI
}

func usage(fs *flag.FlagSet, w io.Writer) func() {
	return func() {
		fmt.Fprintf(w, "Usage: govctl [options] <command> [args]\n\n")
		fmt.Fprintf(w, "Operator CLI for the canvas governor inspector.\n\n")
		fmt.Fprintf(w, "Commands:\n")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, c := range commands {
			fmt.Fprintf(tw, "  %s %s\t%s\n", c.name, c.args, c.help)
		}
		tw.Flush()
		fmt.Fprintf(w, "\nOptions:\n")
		fs.SetOutput(w)
		fs.PrintDefaults()
		fmt.Fprintf(w, "\nExamples:\n")
		fmt.Fprintf(w, "  govctl --addr localhost:9090 status\n")
		fmt.Fprintf(w, "  govctl config max_isolated=2 restore_delay=3s\n")
		fmt.Fprintf(w, "  govctl --config surfaced.yml history editor\n")
	}
}

// run executes one govctl invocation and returns the process exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer, dial dialFunc) int {
	fs := flag.NewFlagSet("govctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c := &cli{out: stdout, errOut: stderr, dial: dial}
	fs.StringVar(&c.addr, "addr", defaultAddr, "Inspector gRPC address")
	fs.DurationVar(&c.timeout, "timeout", defaultTimeout, "Timeout for each request (not applied to watch)")
	fs.BoolVar(&c.asJSON, "json", false, "Print results as JSON")
	fs.StringVar(&c.configPath, "config", "", "surfaced config file; used by history for the journal database")
	fs.IntVar(&c.limit, "limit", 20, "Maximum number of history entries")
	fs.Usage = usage(fs, stderr)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.Usage()
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		fs.Usage()
		return 2
	}

	if fs.NArg() == 0 {
		fmt.Fprintf(stderr, "Error: command required\n\n")
		fs.Usage()
		return 2
	}

	cmd, ok := findCommand(fs.Arg(0))
	if !ok {
		fmt.Fprintf(stderr, "Error: unknown command '%s'\n\n", fs.Arg(0))
		fs.Usage()
		return 2
	}
	cmdArgs := fs.Args()[1:]
	if len(cmdArgs) < cmd.minArgs || (cmd.maxArgs >= 0 && len(cmdArgs) > cmd.maxArgs) {
		fmt.Fprintf(stderr, "Error: usage: govctl %s %s\n", cmd.name, cmd.args)
		return 2
	}

	if err := cmd.run(ctx, c, cmdArgs); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", describeError(err))
		return 1
	}
	return 0
}

// describeError strips the gRPC status wrapping so operators see the governor's message
func describeError(err error) string {
	if st, ok := status.FromError(err); ok {
		return fmt.Sprintf("%s (%s)", st.Message(), st.Code())
	}
	return err.Error()
}

func (c *cli) connect() (inspectorAPI, error) {
	if c.client != nil {
		return c.client, nil
	}
	client, err := c.dial(c.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	c.client = client
	return client, nil
}

// call runs fn with a connected client and a per-request timeout
func (c *cli) call(ctx context.Context, fn func(ctx context.Context, api inspectorAPI) error) error {
	api, err := c.connect()
	if err != nil {
		return err
	}
	defer api.Close()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fn(ctx, api)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdStatus(ctx context.Context, c *cli, _ []string) error {
	return c.call(ctx, func(ctx context.Context, api inspectorAPI) error {
		st, err := api.Status(ctx)
		if err != nil {
			return err
		}
		if c.asJSON {
			return c.printJSON(st)
		}
		throughput := "unknown"
		if st.ThroughputKnown {
			throughput = fmt.Sprintf("%.1f fps", st.Throughput)
		}
		tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "surface:\t%s\n", st.Surface)
		fmt.Fprintf(tw, "enabled:\t%t\n", st.Enabled)
		fmt.Fprintf(tw, "degraded:\t%t\n", st.Degraded)
		fmt.Fprintf(tw, "throughput:\t%s (min %.1f)\n", throughput, st.Config.MinThroughput)
		fmt.Fprintf(tw, "nodes:\t%d (normal %d, high %d, critical %d)\n",
			st.Registered, st.ByTier["normal"], st.ByTier["high"], st.ByTier["critical"])
		fmt.Fprintf(tw, "isolated:\t%d (auto %d/%d, manual %d)\n",
			st.Isolated, st.AutoIsolated, st.Config.MaxIsolated, st.ManualIsolated)
		return tw.Flush()
	})
}

func cmdList(ctx context.Context, c *cli, args []string) error {
	reason := ""
	if len(args) == 1 {
		if _, err := governor.ParseReason(args[0]); err != nil {
			return err
		}
		reason = args[0]
	}
	return c.call(ctx, func(ctx context.Context, api inspectorAPI) error {
		entries, err := api.ListIsolated(ctx, reason)
		if err != nil {
			return err
		}
		if c.asJSON {
			return c.printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(c.out, "no isolated nodes")
			return nil
		}
		tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTIER\tCATEGORY\tREASON\tISOLATED AT")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				e.NodeID, e.Tier, e.Category, e.Reason, e.IsolatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	})
}

func cmdIsolate(ctx context.Context, c *cli, args []string) error {
	return c.call(ctx, func(ctx context.Context, api inspectorAPI) error {
		st, err := api.Isolate(ctx, args[0])
		if err != nil {
			return err
		}
		if c.asJSON {
			return c.printJSON(st)
		}
		fmt.Fprintf(c.out, "%s isolated (%s)\n", st.NodeID, st.Reason)
		return nil
	})
}

func cmdRestore(ctx context.Context, c *cli, args []string) error {
	return c.call(ctx, func(ctx context.Context, api inspectorAPI) error {
		restored, err := api.Restore(ctx, args[0])
		if err != nil {
			return err
		}
		if c.asJSON {
			return c.printJSON(map[string]bool{"restored": restored})
		}
		if restored {
			fmt.Fprintf(c.out, "%s restored\n", args[0])
		} else {
			fmt.Fprintf(c.out, "%s was not isolated\n", args[0])
		}
		return nil
	})
}

func cmdRestoreAll(ctx context.Context, c *cli, _ []string) error {
	return c.call(ctx, func(ctx context.Context, api inspectorAPI) error {
		n, err := api.RestoreAll(ctx)
		if err != nil {
			return err
		}
		if c.asJSON {
			return c.printJSON(map[string]int{"restored": n})
		}
		fmt.Fprintf(c.out, "restored %d nodes\n", n)
		return nil
	})
}

func cmdEnable(ctx context.Context, c *cli, _ []string) error {
	return c.setEnabled(ctx, true)
}

func cmdDisable(ctx context.Context, c *cli, _ []string) error {
	return c.setEnabled(ctx, false)
}

func (c *cli) setEnabled(ctx context.Context, enabled bool) error {
	return c.call(ctx, func(ctx context.Context, api inspectorAPI) error {
		cfg, err := api.SetEnabled(ctx, enabled)
		if err != nil {
			return err
		}
		return c.printConfig(cfg)
	})
}

func cmdConfig(ctx context.Context, c *cli, args []string) error {
	var req *inspector.ConfigPatchRequest
	if len(args) > 0 {
		r, err := parseConfigArgs(args)
		if err != nil {
			return err
		}
		req = &r
	}
	return c.call(ctx, func(ctx context.Context, api inspectorAPI) error {
		var cfg inspector.ConfigView
		var err error
		if req == nil {
			cfg, err = api.GetConfig(ctx)
		} else {
			cfg, err = api.SetConfig(ctx, *req)
		}
		if err != nil {
			return err
		}
		return c.printConfig(cfg)
	})
}

func (c *cli) printConfig(cfg inspector.ConfigView) error {
	if c.asJSON {
		return c.printJSON(cfg)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "enabled:\t%t\n", cfg.Enabled)
	fmt.Fprintf(tw, "min_throughput:\t%g\n", cfg.MinThroughput)
	fmt.Fprintf(tw, "max_isolated:\t%d\n", cfg.MaxIsolated)
	fmt.Fprintf(tw, "restore_delay:\t%s\n", cfg.RestoreDelay)
	fmt.Fprintf(tw, "settle_time:\t%s\n", cfg.SettleTime)
	return tw.Flush()
}

// parseConfigArgs turns key=value arguments into a config patch request
func parseConfigArgs(args []string) (inspector.ConfigPatchRequest, error) {
	var req inspector.ConfigPatchRequest
	seen := make(map[string]bool)
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return req, fmt.Errorf("expected key=value, got %q", arg)
		}
		if seen[key] {
			return req, fmt.Errorf("%s given more than once", key)
		}
		seen[key] = true

		switch key {
		case "enabled":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return req, fmt.Errorf("enabled: %w", err)
			}
			req.Enabled = &b
		case "min_throughput":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return req, fmt.Errorf("min_throughput: %w", err)
			}
			req.MinThroughput = &f
		case "max_isolated":
			n, err := strconv.Atoi(value)
			if err != nil {
				return req, fmt.Errorf("max_isolated: %w", err)
			}
			req.MaxIsolated = &n
		case "restore_delay":
			if _, err := time.ParseDuration(value); err != nil {
				return req, fmt.Errorf("restore_delay: %w", err)
			}
			req.RestoreDelay = &value
		case "settle_time":
			if _, err := time.ParseDuration(value); err != nil {
				return req, fmt.Errorf("settle_time: %w", err)
			}
			req.SettleTime = &value
		default:
			return req, fmt.Errorf("unknown config key %q", key)
		}
	}
	return req, nil
}

func cmdWatch(ctx context.Context, c *cli, _ []string) error {
	api, err := c.connect()
	if err != nil {
		return err
	}
	defer api.Close()

	err = api.WatchEvents(ctx, func(ev governor.TransitionEvent) error {
		if c.asJSON {
			return json.NewEncoder(c.out).Encode(ev)
		}
		fmt.Fprintln(c.out, formatEvent(ev))
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func formatEvent(ev governor.TransitionEvent) string {
	ts := ev.At.Format("15:04:05.000")
	if ev.Type == governor.EventConfigChanged {
		return fmt.Sprintf("%s #%d %s", ts, ev.Seq, ev.Type)
	}
	line := fmt.Sprintf("%s #%d %-12s %s [%s] %s -> %s", ts, ev.Seq, ev.Type, ev.NodeID, ev.Tier, ev.From, ev.To)
	if ev.Reason != governor.ReasonNone {
		line += " (" + ev.Reason.String() + ")"
	}
	return line
}

func cmdHistory(ctx context.Context, c *cli, args []string) error {
	if c.configPath == "" {
		return fmt.Errorf("history needs --config pointing at the surfaced config file")
	}
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	pc := cfg.Journal.Postgres
	db, err := postgres.NewDB(&postgres.Config{
		Host:     pc.Host,
		Port:     pc.Port,
		User:     pc.User,
		Password: pc.Password,
		Database: pc.Database,
		SSLMode:  pc.SSLMode,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	nodeID := ""
	if len(args) == 1 {
		nodeID = args[0]
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	records, err := db.RecentTransitions(ctx, cfg.Surface.Name, nodeID, c.limit)
	if err != nil {
		return err
	}
	if c.asJSON {
		return c.printJSON(records)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tSEQ\tEVENT\tNODE\tFROM\tTO\tREASON")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.At.Format(time.RFC3339), r.Seq, r.Type, r.NodeID, r.From, r.To, r.Reason)
	}
	return tw.Flush()
}
