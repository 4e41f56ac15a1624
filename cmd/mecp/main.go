package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/gnufoo/MeCP/config"
	"github.com/gnufoo/MeCP/logging"
	"github.com/gnufoo/MeCP/runtime"
)

type options struct {
	configPath  string
	dir         string
	load        string
	id          string
	unload      string
	call        string
	args        string
	component   string
	tenant      string
	list        bool
	components  bool
	serve       bool
	interactive bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "Path to TOML configuration")
	flag.StringVar(&o.dir, "dir", "", "Component directory (overrides config)")
	flag.StringVar(&o.load, "load", "", "Component to load: path, file:// or http(s):// URI")
	flag.StringVar(&o.id, "id", "", "Component id for -load (default: file stem)")
	flag.StringVar(&o.unload, "unload", "", "Component id to unload")
	flag.StringVar(&o.call, "call", "", "Tool to call")
	flag.StringVar(&o.args, "args", "{}", "JSON arguments for -call")
	flag.StringVar(&o.component, "component", "", "Component owning the tool (optional)")
	flag.StringVar(&o.tenant, "tenant", "", "Tenant whose key-value store is attached (optional)")
	flag.BoolVar(&o.list, "list", false, "List tools and exit")
	flag.BoolVar(&o.components, "components", false, "List components and exit")
	flag.BoolVar(&o.serve, "serve", false, "Keep running and watch the component directory until interrupted")
	flag.BoolVar(&o.interactive, "i", false, "Interactive mode with TUI")
	flag.Parse()

	if err := run(o); err != nil {
		if errors.Is(err, errToolFailed) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// errToolFailed makes the process exit with status 2 after the failed
// result has been printed.
var errToolFailed = errors.New("tool call failed")

func loadConfig(o options) (*config.Config, error) {
	var cfg *config.Config
	if o.configPath != "" {
		c, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = config.Default()
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			return nil, err
		}
	}
	if o.dir != "" {
		cfg.ComponentDir = o.dir
	}
	if o.serve {
		cfg.Watch = true
	}
	return cfg, cfg.Validate()
}

func run(o options) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	logger := logging.Must(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer func() { _ = rt.Shutdown(context.Background()) }()

	if o.unload != "" {
		if err := rt.UnloadComponent(ctx, o.unload); err != nil {
			return err
		}
		fmt.Printf("Unloaded %s\n", o.unload)
	}

	if o.load != "" {
		res, err := rt.LoadComponent(ctx, o.load, o.id)
		if err != nil {
			return err
		}
		fmt.Printf("Loaded %s (%s, %d tools)\n", res.ID, res.Status, len(res.Tools))
	}

	switch {
	case o.interactive:
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("interactive mode needs a terminal")
		}
		return runInteractive(ctx, rt, o.tenant)
	case o.list:
		return printJSON(rt.ListTools())
	case o.components:
		return printJSON(rt.Components())
	case o.call != "":
		res, err := rt.CallTool(ctx, o.call, json.RawMessage(o.args), o.component, o.tenant)
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if res.IsError {
			return errToolFailed
		}
		return nil
	case o.serve:
		logger.Info("serving", zap.Strings("components", rt.ListComponents()))
		<-ctx.Done()
		return nil
	case o.load == "" && o.unload == "":
		fmt.Fprintln(os.Stderr, "Usage: mecp [-config file] -load <uri> [-id name]")
		fmt.Fprintln(os.Stderr, "       mecp -list | -components")
		fmt.Fprintln(os.Stderr, "       mecp -call <tool> -args '{\"param0\":1}' [-component id] [-tenant id]")
		fmt.Fprintln(os.Stderr, "       mecp -serve  (watch the component directory)")
		fmt.Fprintln(os.Stderr, "       mecp -i      (interactive mode)")
		return fmt.Errorf("no action given")
	}
	return nil
}

// printJSON indents for terminals and writes compact lines otherwise, so
// output stays pipeable.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// argsFromInputs builds the argument object of the interactive mode. Each
// field is taken as JSON when it parses and as a plain string otherwise,
// so strings need no quoting.
func argsFromInputs(names, values []string) json.RawMessage {
	obj := make(map[string]json.RawMessage, len(names))
	for i, name := range names {
		v := strings.TrimSpace(values[i])
		if v != "" && json.Valid([]byte(v)) {
			obj[name] = json.RawMessage(v)
			continue
		}
		quoted, _ := json.Marshal(values[i])
		obj[name] = quoted
	}
	b, _ := json.Marshal(obj)
	return b
}
