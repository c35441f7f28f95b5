package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/srix-agent/internal/api"
	"github.com/SimplyPrint/srix-agent/internal/config"
	"github.com/SimplyPrint/srix-agent/internal/console"
	"github.com/SimplyPrint/srix-agent/internal/core"
	"github.com/SimplyPrint/srix-agent/internal/logging"
	"github.com/SimplyPrint/srix-agent/internal/reader"
	"github.com/SimplyPrint/srix-agent/internal/settings"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(os.Stdin, os.Stdout, os.Stderr, console.ColorEnabled(os.Stdout))
	err := newRootCommand(a).ExecuteContext(ctx)

	logging.FlushSentry(2 * time.Second)
	os.Exit(a.exitCode(err))
}

// app holds the state shared by all subcommands.
type app struct {
	in     io.Reader
	stdout io.Writer
	stderr io.Writer
	color  bool

	// Persistent flags
	configPath string
	tagType    string
	driver     string
	device     string
	verbose    bool
	yes        bool

	command string // Running subcommand
	cfg     *config.Config
	profile core.TagProfile
	out     *console.Printer
	prompt  *console.Prompter

	// open connects to the tag; replaced in tests.
	open func(ctx context.Context, cfg *config.Config) (reader.Handle, error)
}

func newApp(in io.Reader, stdout, stderr io.Writer, color bool) *app {
	return &app{
		in:     in,
		stdout: stdout,
		stderr: stderr,
		color:  color,
		open:   reader.Open,
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "srix-agent",
		Short: "SRIX4K / SRI512 tag programmer",
		Long: "Read, dump, compare and program ST SRIX4K and SRI512 tags through libnfc or PC/SC " +
			"readers, from the command line or through a local HTTP/WebSocket agent.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", config.DefaultPath, "config file (key=value; per line)")
	pf.StringVarP(&a.tagType, "tag-type", "t", "", "tag type: x4k or 512")
	pf.StringVar(&a.driver, "driver", "", "reader driver: libnfc, pcsc or emulator")
	pf.StringVar(&a.device, "device", "", "reader connection string (default: first reader)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "print debug logs and per-block progress")
	pf.BoolVarP(&a.yes, "yes", "y", false, "answer yes to every confirmation")

	root.AddCommand(
		devicesCommand(a),
		readCommand(a),
		infoCommand(a),
		dumpCommand(a),
		showCommand(a),
		modifyCommand(a),
		writeCommand(a),
		otpResetCommand(a),
		serveCommand(a),
		settingsCommand(a),
		versionCommand(a),
	)
	return root
}

// init loads the configuration, applies flags on top of it and sets up logging.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("tag-type") {
		cfg.TagType = a.tagType
	}
	if flags.Changed("driver") {
		cfg.Driver = a.driver
	}
	if flags.Changed("device") {
		cfg.Device = a.device
	}
	if flags.Changed("verbose") {
		cfg.Verbose = a.verbose
	}
	if flags.Changed("yes") {
		cfg.SkipConfirmation = a.yes
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.profile, _ = cfg.Profile()

	a.out = console.NewPrinter(a.stdout, a.color)
	a.prompt = console.NewPrompter(a.in, a.stdout, a.color)

	echoLevel := logging.LevelWarn
	if cfg.Verbose {
		echoLevel = logging.LevelDebug
	}
	logging.Init(1000, logging.LevelDebug)
	logging.Get().SetEcho(a.stderr, echoLevel, a.color)

	for _, w := range cfg.Warnings {
		a.out.Warning(w)
	}

	s, err := settings.Load()
	if err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings", map[string]any{
			"error": err.Error(),
		})
	}
	if s != nil && logging.InitSentry(api.Version, s.CrashReporting) {
		logging.SetReaderContext(cfg.Driver, a.profile.Name)
		logging.Info(logging.CatSystem, "Crash reporting enabled", nil)
	}
	a.command = cmd.Name()

	logging.Debug(logging.CatSystem, "Configuration loaded", map[string]any{
		"tagType": a.profile.Name,
		"driver":  cfg.Driver,
		"device":  cfg.Device,
		"columns": cfg.PrintColumns,
	})
	return nil
}

func (a *app) confirmer() core.Confirmer {
	if a.cfg.SkipConfirmation {
		return core.AlwaysConfirm
	}
	return a.prompt
}

// withSession opens the reader, waits for a tag and runs fn on a Session wired to the
// console.
func (a *app) withSession(ctx context.Context, fn func(*core.Session) error) error {
	h, err := a.open(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			logging.Warn(logging.CatReader, "Failed to close reader", map[string]any{
				"reader": h.Name(),
				"error":  err.Error(),
			})
		}
	}()

	if err := settings.SetLastDevice(h.Name()); err != nil {
		logging.Debug(logging.CatSystem, "Failed to save last device", map[string]any{
			"error": err.Error(),
		})
	}

	opts := []core.Option{
		core.WithConfirmer(a.confirmer()),
		core.WithPreviewer(a.preview),
	}
	if a.cfg.Verbose {
		opts = append(opts, core.WithProgressCallback(a.progress))
	}
	sess, err := core.NewSession(h, a.profile, opts...)
	if err != nil {
		return err
	}
	return fn(sess)
}

func (a *app) rememberDump(path string) {
	if err := settings.AddRecentDump(path); err != nil {
		logging.Debug(logging.CatSystem, "Failed to save recent dump", map[string]any{
			"error": err.Error(),
		})
	}
}

func (a *app) preview(ops []core.WriteOp, plan *core.WritePlan) {
	if len(ops) > 0 {
		fmt.Fprintln(a.stdout, "Blocks to write:")
		a.out.Preview(ops)
	}
	if plan.TouchesOTPRegion() {
		a.out.Warning("this dump also changes the OTP/lock area (blocks 00-06)")
	}
}

func (a *app) progress(p core.Progress) {
	fmt.Fprintf(a.stdout, "%-7s ", p.Phase)
	a.out.Block(p.Address, p.Block)
}

// exitCode prints err and maps it to the process exit status. A declined confirmation is a
// normal way out.
func (a *app) exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, core.ErrConfirmationDeclined):
		fmt.Fprintln(a.stdout, "Exiting...")
		return 0
	}
	logging.CaptureError(err, a.command, nil)
	if a.out == nil {
		a.out = console.NewPrinter(a.stderr, a.color)
	}
	a.out.Error(err)
	return 1
}
