package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/srix-agent/internal/api"
	"github.com/SimplyPrint/srix-agent/internal/config"
	"github.com/SimplyPrint/srix-agent/internal/core"
	"github.com/SimplyPrint/srix-agent/internal/logging"
	"github.com/SimplyPrint/srix-agent/internal/reader"
	"github.com/SimplyPrint/srix-agent/internal/settings"
	"github.com/SimplyPrint/srix-agent/internal/snapshot"
)

const promptOverwrite = "Do you want to overwrite it?"

func devicesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the readers visible to the configured driver",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			devices, err := reader.ListDevices(a.cfg.Driver)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				return reader.ErrNoDevice
			}
			for i, d := range devices {
				fmt.Fprintf(a.stdout, "%d: %s (%s)\n", i, d.Name, d.Driver)
			}
			return nil
		},
	}
}

func readCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Read and print the whole EEPROM of the tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withSession(ctx, func(sess *core.Session) error {
				img, err := sess.ReadImage(ctx)
				if err != nil {
					return err
				}
				a.out.Blocks(img, a.cfg.PrintColumns)
				return nil
			})
		},
	}
}

func infoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the decoded UID and System Block of the tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withSession(ctx, func(sess *core.Session) error {
				info, err := sess.ReadTagInfo(ctx)
				if err != nil {
					return err
				}
				a.out.TagInfo(info)
				return nil
			})
		},
	}
}

func dumpCommand(a *app) *cobra.Command {
	var format, note string
	cmd := &cobra.Command{
		Use:   "dump FILE",
		Short: "Save the EEPROM of the tag to a file",
		Long: "Save the EEPROM of the tag to FILE, as a raw dump or as a snapshot that also " +
			"records the UID and System Block. The format defaults to the file extension (" +
			snapshot.Extension + " for snapshots).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			if format == "" {
				format = "raw"
				if snapshot.IsSnapshotPath(path) {
					format = "snapshot"
				}
			}
			if format != "raw" && format != "snapshot" {
				return fmt.Errorf("unknown format %q (expected raw or snapshot)", format)
			}
			if note != "" && format != "snapshot" {
				return errors.New("--note needs the snapshot format")
			}

			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(a.stdout, "%q already exists.\n", path)
				ok, err := a.confirmer().Confirm(ctx, promptOverwrite)
				if err != nil {
					return err
				}
				if !ok {
					return core.ErrConfirmationDeclined
				}
			}

			return a.withSession(ctx, func(sess *core.Session) error {
				img, err := sess.ReadImage(ctx)
				if err != nil {
					return err
				}
				a.out.Blocks(img, 1)

				if format == "snapshot" {
					info, err := sess.ReadTagInfo(ctx)
					if err != nil {
						return err
					}
					snap := snapshot.New(img, info.UID.Raw[:], &info.System.Raw)
					snap.Note = note
					if err := snap.Save(path); err != nil {
						return err
					}
				} else if err := writeRawDump(path, img); err != nil {
					return err
				}

				logging.Info(logging.CatTag, "Dump saved", map[string]any{
					"path":   path,
					"format": format,
				})
				fmt.Fprintf(a.stdout, "Written dump to %q.\n", path)
				a.rememberDump(path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "raw|snapshot")
	cmd.Flags().StringVar(&note, "note", "", "free text stored in a snapshot")
	return cmd
}

func writeRawDump(path string, img *core.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dump %q: %w", path, err)
	}
	if _, err := img.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write dump %q: %w", path, err)
	}
	return f.Close()
}

func showCommand(a *app) *cobra.Command {
	var columns int
	cmd := &cobra.Command{
		Use:   "show FILE",
		Short: "Print a dump file without a reader",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := snapshot.LoadImage(args[0], a.profile)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("columns") {
				columns = a.cfg.PrintColumns
			}
			if columns != 1 && columns != 2 {
				return fmt.Errorf("invalid number of columns %d, must be 1 or 2", columns)
			}
			if snapshot.IsSnapshotPath(args[0]) {
				if err := a.showSnapshotHeader(args[0]); err != nil {
					return err
				}
			}
			a.out.Blocks(img, columns)
			return nil
		},
	}
	cmd.Flags().IntVar(&columns, "columns", 1, "1|2 (default from print_columns)")
	return cmd
}

// showSnapshotHeader prints what a snapshot records besides the image.
func (a *app) showSnapshotHeader(path string) error {
	snap, err := snapshot.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Snapshot %s taken %s\n", snap.ID, snap.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if len(snap.UID) > 0 {
		fmt.Fprintf(a.stdout, "UID:  %X\n", snap.UID)
	}
	if snap.Note != "" {
		fmt.Fprintf(a.stdout, "Note: %s\n", snap.Note)
	}
	return nil
}

func modifyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "modify ADDR VALUE",
		Short: "Write one block",
		Long: "Write the 32-bit hex VALUE (as displayed, e.g. DEADBEEF) to block ADDR (hex). " +
			"Blocks 00-06 ask for a second confirmation.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			value, err := parseWord(args[1])
			if err != nil {
				return err
			}
			if !a.profile.Contains(addr) {
				return &core.AddressOutOfRangeError{Address: addr, BlockCount: a.profile.BlockCount}
			}

			return a.withSession(ctx, func(sess *core.Session) error {
				res, err := sess.WriteBlock(ctx, addr, value)
				if err != nil {
					return err
				}
				a.out.WriteResult(res)
				return nil
			})
		},
	}
}

func parseAddress(s string) (core.Address, error) {
	v, err := strconv.ParseUint(trimHex(s), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid block address %q: %w", s, err)
	}
	return core.Address(v), nil
}

func parseWord(s string) (uint32, error) {
	v, err := strconv.ParseUint(trimHex(s), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid block value %q: %w", s, err)
	}
	return uint32(v), nil
}

func trimHex(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	return strings.ReplaceAll(s, " ", "")
}

func writeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "write FILE",
		Short: "Program the tag with a dump file",
		Long: "Program the tag with FILE (raw dump or snapshot). Only blocks that differ are " +
			"written. The OTP/lock area (blocks 00-06) is written only after a second confirmation.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			desired, err := snapshot.LoadImage(args[0], a.profile)
			if err != nil {
				return err
			}
			return a.withSession(ctx, func(sess *core.Session) error {
				res, err := sess.WriteImage(ctx, desired)
				if err != nil {
					return err
				}
				a.out.WriteResult(res)
				a.rememberDump(args[0])
				return nil
			})
		},
	}
}

func otpResetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "otp-reset",
		Short: "Reset the OTP counter blocks, consuming one reset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withSession(ctx, func(sess *core.Session) error {
				res, err := sess.ResetOTP(ctx)
				if err != nil {
					return err
				}
				a.out.OTPReset(res)
				return nil
			})
		},
	}
}

func serveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP/WebSocket agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			cfg := a.cfg
			s, err := api.NewServer(cfg, func(ctx context.Context) (reader.Handle, error) {
				return a.open(ctx, cfg)
			}, api.WithShutdownHandler(cancel))
			if err != nil {
				return err
			}

			logging.Info(logging.CatSystem, "SRIX agent starting", map[string]any{
				"version": api.Version,
				"driver":  cfg.Driver,
				"tagType": a.profile.Name,
			})
			fmt.Fprintf(a.stdout, "srix-agent %s listening on http://%s\n", api.Version, cfg.Address())
			fmt.Fprintf(a.stdout, "WebSocket available at ws://%s/v1/ws\n", cfg.Address())

			err = s.ListenAndServe(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func settingsCommand(a *app) *cobra.Command {
	var crashReporting string
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change persisted preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("crash-reporting") {
				enabled, err := parseOnOff(crashReporting)
				if err != nil {
					return err
				}
				if err := settings.SetCrashReporting(enabled); err != nil {
					return fmt.Errorf("failed to save settings: %w", err)
				}
			}
			s := settings.Get()
			fmt.Fprintf(a.stdout, "Settings file:   %s\n", settings.Path())
			fmt.Fprintf(a.stdout, "Crash reporting: %t\n", s.CrashReporting)
			fmt.Fprintf(a.stdout, "Last device:     %s\n", s.LastDevice)
			fmt.Fprintf(a.stdout, "Crash logs:      %s\n", logging.CrashLogDir())
			if len(s.RecentDumps) > 0 {
				fmt.Fprintln(a.stdout, "Recent dumps:")
				for _, p := range s.RecentDumps {
					fmt.Fprintf(a.stdout, "  %s\n", p)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&crashReporting, "crash-reporting", "", "on|off")
	return cmd
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid value %q (expected on or off)", s)
}

func versionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// No config or logging needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(a.stdout, "srix-agent %s\n", api.Version)
			fmt.Fprintf(a.stdout, "Build time: %s\n", api.BuildTime)
			fmt.Fprintf(a.stdout, "Git commit: %s\n", api.GitCommit)
			fmt.Fprintf(a.stdout, "Default API address: %s\n", config.Default().Address())
		},
	}
}
