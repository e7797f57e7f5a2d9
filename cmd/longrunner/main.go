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
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"longrunner/internal/app"
	"longrunner/internal/config"
	"longrunner/internal/longrunner"
	"longrunner/internal/sequences"
	"longrunner/internal/storage"
	logx "longrunner/pkg/logx"
)

const usage = `usage: longrunner [-config path] <command> [flags]

commands:
  serve    run the engine, scheduler and debug listener until SIGINT/SIGTERM
  start    start a sequence:   start -action NAME [-args JSON] [-id ID] [-slices N] [-duration D] [-auto-resume]
  resume   resume a sequence:  resume (-id ID | -token TOKEN) [-slices N] [-duration D]
  status   show a sequence:    status -id ID
  list     list sequences:     list [-state S] [-action NAME] [-limit N]
  cancel   delete a sequence:  cancel -id ID
  purge    drop records past their TTL
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.Usage = func() { fmt.Fprint(logx.Stderr(), usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	var err error
	if cmd == "serve" {
		err = serve(cfgPath)
	} else {
		err = oneShot(cfgPath, cmd, args)
	}
	if err != nil {
		fmt.Fprintln(logx.Stderr(), "fatal:", err)
		os.Exit(1)
	}
}

func serve(cfgPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfgm := config.NewConfigManager(cfgPath)
	a, err := app.New(ctx, cfgm)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	log := a.Logger()
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}
	go watchdog(ctx, log)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	reason := app.StopUnknown
loop:
	for {
		select {
		case <-ctx.Done():
			reason = app.StopSIGTERM
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			if ctx.Err() != nil {
				reason = app.StopSIGTERM
			}
			break loop
		case <-hup:
			if _, err := cfgm.Reload(ctx); err != nil && !errors.Is(err, config.ErrUnchanged) {
				log.Warn("reload on SIGHUP failed", logx.Err(err))
			}
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// watchdog pings systemd at half the configured interval. It is a no-op
// outside a unit with WatchdogSec set.
func watchdog(ctx context.Context, log logx.Logger) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Debug("sd_notify watchdog failed", logx.Err(err))
			}
		}
	}
}

func oneShot(cfgPath, cmd string, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}
	// one-shot commands keep stdout for their JSON output
	log := logx.NewWriter(logx.Stderr(), "warn")
	if cfg.Logging.Level != "" {
		log = logx.NewWriter(logx.Stderr(), cfg.Logging.Level)
	}
	a, err := app.New(ctx, cfgm, app.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopAppStop) }()

	out, err := run(ctx, a.Sequences(), cmd, args)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(logx.Stdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func run(ctx context.Context, svc *sequences.Service, cmd string, args []string) (any, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(logx.Stderr())
	var (
		id         = fs.String("id", "", "sequence id")
		action     = fs.String("action", "", "action name")
		rawArgs    = fs.String("args", "[]", "JSON array of initial arguments")
		token      = fs.String("token", "", "continuation token")
		slices     = fs.Int("slices", 0, "pause after N slices (0 = config default)")
		duration   = fs.Duration("duration", 0, "pause after D of wall time (0 = config default)")
		autoResume = fs.Bool("auto-resume", false, "let the scheduler resume the sequence")
		coe        = fs.Bool("continue-on-error", false, "tolerate item failures")
		state      = fs.String("state", "", "comma separated states to list")
		limit      = fs.Int("limit", 50, "max records to list")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	var budget *longrunner.Budget
	if *slices > 0 || *duration > 0 {
		budget = &longrunner.Budget{MaxSlices: *slices, MaxDuration: *duration}
	}

	switch cmd {
	case "start":
		var initial longrunner.Args
		if err := json.Unmarshal([]byte(*rawArgs), &initial); err != nil {
			return nil, fmt.Errorf("-args: %w", err)
		}
		opt := sequences.StartOptions{ID: *id, Budget: budget, AutoResume: *autoResume}
		if isSet(fs, "continue-on-error") {
			opt.ContinueOnError = coe
		}
		return svc.Start(ctx, *action, initial, opt)
	case "resume":
		if *token != "" {
			return svc.ResumeToken(ctx, *token, budget)
		}
		return svc.Resume(ctx, *id, budget)
	case "status":
		return svc.Status(ctx, *id)
	case "list":
		f := storage.SequenceFilter{Action: *action, Limit: *limit}
		if *state != "" {
			f.States = strings.Split(*state, ",")
		}
		return svc.List(ctx, f)
	case "cancel":
		if err := svc.Cancel(ctx, *id); err != nil {
			return nil, err
		}
		return map[string]string{"cancelled": *id}, nil
	case "purge":
		n, err := svc.Purge(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"purged": n}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}

func isSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
