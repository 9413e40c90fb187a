package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/vigil/internal/control"
	"github.com/msageha/vigil/internal/events"
	"github.com/msageha/vigil/internal/executor"
	"github.com/msageha/vigil/internal/model"
	"github.com/msageha/vigil/internal/notify"
	"github.com/msageha/vigil/internal/scheduler"
	"github.com/msageha/vigil/internal/setup"
	"github.com/msageha/vigil/internal/status"
	"github.com/msageha/vigil/internal/store"
	"github.com/msageha/vigil/internal/surface"
	"github.com/msageha/vigil/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "run":
		runDaemon(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "settings":
		runSettings(os.Args[2:])
	case "trigger":
		runTrigger(os.Args[2:])
	case "reminder":
		runReminder(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	case "notify":
		runNotify(os.Args[2:])
	case "version":
		fmt.Printf("vigil %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	dir := "."
	name := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		default:
			if strings.HasPrefix(args[i], "-") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: vigil init [dir] [--name <project>]\n", args[i])
				os.Exit(1)
			}
			dir = args[i]
		}
	}

	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized .vigil/ in %s\n", absDir)
}

func runDaemon(_ []string) {
	vigilDir := mustFindVigilDir()
	cfg := mustLoadConfig(vigilDir)

	st := store.New(vigilDir)
	if err := st.EnsureFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "ensure store: %v\n", err)
		os.Exit(1)
	}

	sched, err := scheduler.New(vigilDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create scheduler: %v\n", err)
		os.Exit(1)
	}

	bus := events.NewBus(64)
	defer bus.Close()

	audit, err := events.NewAuditLogger(filepath.Join(vigilDir, "logs", "events.jsonl"), 16*1024*1024)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create audit logger: %v\n", err)
		os.Exit(1)
	}
	defer audit.Close()
	detach := audit.Attach(bus)
	defer detach()

	execLog, err := os.OpenFile(filepath.Join(vigilDir, "logs", "executor.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open executor log: %v\n", err)
		os.Exit(1)
	}
	defer execLog.Close()

	sink := surface.NewTmuxSink(cfg.Surface)
	var fallback executor.FallbackFunc
	if cfg.Surface.FallbackNotify {
		fallback = notify.Send
	}

	exec := executor.New(st, sink, fallback, log.New(execLog, "", 0), executorLogLevel(cfg.Logging.Level))
	exec.SetEventBus(bus)

	sched.SetRunner(exec)
	sched.SetEventBus(bus)

	if err := sched.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
}

func executorLogLevel(s string) executor.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return executor.LogLevelDebug
	case "warn", "warning":
		return executor.LogLevelWarn
	case "error":
		return executor.LogLevelError
	default:
		return executor.LogLevelInfo
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: vigil status [--json]\n", a)
			os.Exit(1)
		}
	}

	vigilDir := mustFindVigilDir()
	if err := status.Run(vigilDir, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runSettings(args []string) {
	var patch control.Patch
	show := len(args) == 0

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--enable":
			v := true
			patch.Enabled = &v
		case "--disable":
			v := false
			patch.Enabled = &v
		case "--interval":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--interval requires a value (e.g. 30m, 1h)")
				os.Exit(1)
			}
			i++
			ms, err := parseIntervalMs(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --interval value: %v\n", err)
				os.Exit(1)
			}
			patch.IntervalMs = &ms
		case "--model":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--model requires a value")
				os.Exit(1)
			}
			i++
			m := args[i]
			patch.PinnedModel = &m
		case "--clear-model":
			patch.ClearPinnedModel = true
		case "--show":
			show = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: vigil settings [--enable|--disable] [--interval <dur>] [--model <name>|--clear-model] [--show]\n", args[i])
			os.Exit(1)
		}
	}

	vigilDir := mustFindVigilDir()
	cfg := mustLoadConfig(vigilDir)
	ch := control.NewSettingsChannel(filepath.Join(vigilDir, "heartbeat"), cfg.Heartbeat.DefaultIntervalMs)

	if show {
		rec, err := ch.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "settings: %v\n", err)
			os.Exit(1)
		}
		printSettings(rec)
		return
	}

	rec, err := ch.Set(patch, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "settings: %v\n", err)
		os.Exit(1)
	}
	printSettings(rec)
}

func printSettings(rec model.SettingsRecord) {
	state := "disabled"
	if rec.Enabled && rec.IntervalMs > 0 {
		state = "enabled"
	}
	fmt.Printf("Heartbeat: %s\n", state)
	if rec.IntervalMs > 0 {
		fmt.Printf("Interval: %s\n", time.Duration(rec.IntervalMs)*time.Millisecond)
	}
	if rec.PinnedModel != nil && *rec.PinnedModel != "" {
		fmt.Printf("Pinned model: %s\n", *rec.PinnedModel)
	}
}

// parseIntervalMs accepts Go durations ("30m", "1h") or raw milliseconds.
func parseIntervalMs(s string) (int64, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d.Milliseconds(), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is neither a duration nor milliseconds", s)
	}
	return n, nil
}

// runTrigger requests an immediate check-in. The leader's control socket is
// the fast path; the marker file is the guarantee when no leader is listening.
func runTrigger(_ []string) {
	vigilDir := mustFindVigilDir()

	client := uds.NewClient(filepath.Join(vigilDir, uds.DefaultSocketName))
	if resp, err := client.SendCommand("trigger", nil); err == nil && resp.Success {
		fmt.Println("check-in triggered")
		return
	}

	if err := control.NewTriggerChannel(filepath.Join(vigilDir, "heartbeat")).Request(time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "trigger: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("check-in queued (no leader running; will fire on next leadership)")
}

func runReminder(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: vigil reminder <add|list|remove> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "add":
		runReminderAdd(args[1:])
	case "list":
		runReminderList(args[1:])
	case "remove":
		runReminderRemove(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown reminder subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: vigil reminder <add|list|remove> [options]")
		os.Exit(1)
	}
}

func runReminderAdd(args []string) {
	var content, every string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--content":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--content requires a value")
				os.Exit(1)
			}
			i++
			content = args[i]
		case "--every":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--every requires a value (e.g. 2h, 30m)")
				os.Exit(1)
			}
			i++
			every = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: vigil reminder add --content <text> --every <dur>\n", args[i])
			os.Exit(1)
		}
	}

	if content == "" || every == "" {
		fmt.Fprintln(os.Stderr, "usage: vigil reminder add --content <text> --every <dur>")
		os.Exit(1)
	}

	dur, err := time.ParseDuration(every)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --every value: %v\n", err)
		os.Exit(1)
	}

	vigilDir := mustFindVigilDir()
	rem, err := store.New(vigilDir).AddReminder(content, dur, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "reminder add: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("added %s (every %s)\n", rem.ID, dur)
}

func runReminderList(_ []string) {
	vigilDir := mustFindVigilDir()
	reminders, err := store.New(vigilDir).ListReminders()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reminder list: %v\n", err)
		os.Exit(1)
	}
	if len(reminders) == 0 {
		fmt.Println("no reminders")
		return
	}
	for _, r := range reminders {
		last := "never"
		if r.LastFiredAt != nil {
			last = *r.LastFiredAt
		}
		fmt.Printf("%s  every=%-8s  last=%-22s  %s\n",
			r.ID, time.Duration(r.EveryMs)*time.Millisecond, last, r.Content)
	}
}

func runReminderRemove(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: vigil reminder remove <id>")
		os.Exit(1)
	}
	vigilDir := mustFindVigilDir()
	if err := store.New(vigilDir).RemoveReminder(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "reminder remove: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("removed %s\n", args[0])
}

func runTask(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: vigil task <add|list|complete|cancel> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "add":
		runTaskAdd(args[1:])
	case "list":
		runTaskList(args[1:])
	case "complete":
		runTaskSetStatus(args[1:], model.StatusCompleted)
	case "cancel":
		runTaskSetStatus(args[1:], model.StatusCancelled)
	default:
		fmt.Fprintf(os.Stderr, "unknown task subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: vigil task <add|list|complete|cancel> [options]")
		os.Exit(1)
	}
}

func runTaskAdd(args []string) {
	var content string
	priority := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--content":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--content requires a value")
				os.Exit(1)
			}
			i++
			content = args[i]
		case "--priority":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--priority requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --priority value: %s\n", args[i])
				os.Exit(1)
			}
			priority = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: vigil task add --content <text> [--priority <n>]\n", args[i])
			os.Exit(1)
		}
	}

	if content == "" {
		fmt.Fprintln(os.Stderr, "usage: vigil task add --content <text> [--priority <n>]")
		os.Exit(1)
	}

	vigilDir := mustFindVigilDir()
	task, err := store.New(vigilDir).AddTask(content, priority, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "task add: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("added %s\n", task.ID)
}

func runTaskList(args []string) {
	all := false
	for _, a := range args {
		switch a {
		case "--all":
			all = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: vigil task list [--all]\n", a)
			os.Exit(1)
		}
	}

	vigilDir := mustFindVigilDir()
	st := store.New(vigilDir)

	var tasks []model.Task
	var err error
	if all {
		tasks, err = st.ListTasks()
	} else {
		tasks, err = st.ListPending()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "task list: %v\n", err)
		os.Exit(1)
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return
	}
	for _, t := range tasks {
		fmt.Printf("%s  p%-2d  %-10s  %s\n", t.ID, t.Priority, t.Status, t.Content)
	}
}

func runTaskSetStatus(args []string, target model.Status) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: vigil task %s <id>\n", target)
		os.Exit(1)
	}
	vigilDir := mustFindVigilDir()
	task, err := store.New(vigilDir).SetTaskStatus(args[0], target, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "task %s: %v\n", target, err)
		os.Exit(1)
	}
	fmt.Printf("%s → %s\n", task.ID, task.Status)
}

func runNotify(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: vigil notify <title> <message>")
		os.Exit(1)
	}
	if err := notify.Send(args[0], args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "notify: %v\n", err)
		os.Exit(1)
	}
}

func mustFindVigilDir() string {
	dir := findVigilDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .vigil/ directory not found. Run 'vigil init' first.")
		os.Exit(1)
	}
	return dir
}

// findVigilDir searches for .vigil/ in the current directory and ancestors.
func findVigilDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".vigil")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustLoadConfig(vigilDir string) model.Config {
	data, err := os.ReadFile(filepath.Join(vigilDir, "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "read config.yaml: %v\n", err)
		os.Exit(1)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "parse config.yaml: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `vigil %s - heartbeat scheduler for agent check-ins

Usage: vigil <command> [options]

Setup:
  init [dir] [--name <project>]   Initialize .vigil/ directory
  run                             Run the scheduler daemon

Heartbeat:
  status [--json]                 Show scheduler status
  settings [flags]                Read or change heartbeat settings
      --enable | --disable       Turn the heartbeat on or off
      --interval <dur>           Check-in cadence (5m to 24h)
      --model <name>             Pin the model used for check-ins
      --clear-model              Unpin the model
  trigger                         Request an immediate check-in

Store:
  reminder add --content <text> --every <dur>
  reminder list
  reminder remove <id>
  task add --content <text> [--priority <n>]
  task list [--all]
  task complete <id>
  task cancel <id>

Utilities:
  notify <title> <msg>            Desktop notification
  version                         Show version
  help                            Show this help

`, version)
}
