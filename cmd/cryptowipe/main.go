package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"cryptowipe/internal/app"
	"cryptowipe/internal/config"
	"cryptowipe/internal/logging"
	"cryptowipe/internal/reporting"
	"cryptowipe/internal/security"
	"cryptowipe/internal/system"
	"cryptowipe/internal/wipe"
)

const (
	AppName = "cryptowipe"

	ExitSuccess = 0
	ExitError   = 1
	ExitWarning = 2
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	cfg        *config.Config
	logger     *logging.EnterpriseLogger
	verbose    bool
	configPath string
	profile    string
)

var rootCmd = &cobra.Command{
	Use:           AppName,
	Short:         "Crypto-erase block devices through a throwaway LUKS container",
	Long:          "cryptowipe wraps a device in a LUKS container with a random, never-stored passphrase, overwrites the encrypted view, then destroys the header and key slots.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List wipeable block devices",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var wipeCmd = &cobra.Command{
	Use:   "wipe DEVICE...",
	Short: "Irreversibly crypto-erase the given devices",
	Example: `  cryptowipe wipe /dev/sdb
  cryptowipe wipe sdb sdc --verify
  cryptowipe wipe /dev/mmcblk0 --profile paranoid`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWipe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", AppName, Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose log output on stderr")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "Wipe profile (standard/paranoid/fast)")

	wipeCmd.Flags().Bool("verify", false, "Read the device back after the wipe and check it looks random")
	wipeCmd.Flags().BoolP("force", "f", false, "Skip the confirmation prompt")

	rootCmd.AddCommand(listCmd, wipeCmd, versionCmd, configCmd)
}

// setup loads the configuration, applies the profile and opens the logger.
func setup() error {
	reporting.Version = Version

	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	if profile != "" {
		if err := config.ApplyProfile(cfg, profile); err != nil {
			return errors.Wrapf(err, "failed to apply profile %s", profile)
		}
		if err := config.Validate(cfg); err != nil {
			return errors.Wrap(err, "invalid configuration after profile")
		}
	}

	logger, err = logging.NewEnterpriseLogger(cfg, verbose)
	if err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	if profile != "" {
		logger.Log("INFO", "Profile applied", "profile", profile)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	if err := setup(); err != nil {
		return err
	}
	defer logger.Close()

	a := app.NewApp(cfg, logger)
	devices, err := a.ListDevices(cmd.Context())
	if err != nil {
		return err
	}

	printDevices(cmd.OutOrStdout(), devices)
	return nil
}

func runWipe(cmd *cobra.Command, args []string) error {
	startTime := time.Now()

	if err := setup(); err != nil {
		return err
	}
	defer logger.Close()

	if err := security.SecurityChecks(cfg); err != nil {
		return err
	}

	verify, _ := cmd.Flags().GetBool("verify")
	verify = verify || cfg.Wipe.Verify
	force, _ := cmd.Flags().GetBool("force")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Log("WARN", "Signal received, cancelling sessions that have not started formatting", "signal", sig.String())
			fmt.Fprintf(os.Stderr, "\n%s received: sessions not yet formatting will stop; running erasures continue to completion\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a := app.NewApp(cfg, logger)

	all, err := a.ListDevices(ctx)
	if err != nil {
		return err
	}
	selected, err := a.SelectDevices(all, args)
	if err != nil {
		return err
	}
	targets, skipped, err := a.FilterAllowed(ctx, selected)
	if err != nil {
		return err
	}
	for path, reason := range skipped {
		fmt.Fprintf(os.Stderr, "Skipping %s: %s\n", path, reason)
	}
	if len(targets) == 0 {
		return &exitError{code: ExitWarning, err: errors.New("no devices left to wipe")}
	}

	if !force && cfg.Security.RequireConfirmation {
		if err := confirm(os.Stdin, os.Stdout, targets); err != nil {
			logger.Log("INFO", "Wipe not confirmed", "error", err.Error())
			return &exitError{code: ExitWarning, err: err}
		}
	}

	logger.Log("INFO", "Starting crypto-erase", "version", Version, "devices", len(targets), "verify", verify)

	progress := newProgressPrinter(os.Stdout)
	results, wipeErr := a.WipeDevices(ctx, targets, verify, progress.handle)

	for _, res := range results {
		reportResult(os.Stdout, res)
	}

	exitCode := exitCodeFor(results, len(skipped))
	report := reporting.GenerateReport(results, cfg, profile, startTime, time.Now(), exitCode)
	if path, err := reporting.SaveReport(report, cfg); err != nil {
		logger.Log("ERROR", "Failed to save run report", "error", err.Error())
	} else if path != "" {
		fmt.Printf("Run report: %s\n", path)
	}
	if err := a.WriteMetrics(); err != nil {
		logger.Log("ERROR", "Failed to write metrics", "error", err.Error())
	}

	if exitCode != ExitSuccess {
		if wipeErr == nil {
			wipeErr = errors.New("some devices were skipped")
		}
		return &exitError{code: exitCode, err: wipeErr}
	}
	return nil
}

// reportResult prints the certificate or the failure with its hints, and
// saves the certificate when reporting is enabled.
func reportResult(out io.Writer, res wipe.Result) {
	dev := res.Snapshot.Device.Path
	if res.Err != nil {
		fmt.Fprintf(out, "\n%s: FAILED at %s: %v\n", dev, res.Snapshot.FailedStage, res.Err)
		for _, hint := range errors.GetAllHints(res.Err) {
			fmt.Fprintf(out, "  hint: %s\n", hint)
		}
		return
	}

	cert := reporting.Render(res.Snapshot)
	fmt.Fprintf(out, "\n%s", cert.Text())

	if cfg.Reporting.Enabled {
		path, err := reporting.SaveCertificate(cert, cfg.Reporting.LocalPath, cfg.Reporting.Format)
		if err != nil {
			logger.Log("ERROR", "Failed to save certificate", "device", dev, "error", err.Error())
			return
		}
		fmt.Fprintf(out, "Certificate saved to %s\n", path)
	}
}

// exitCodeFor is 0 when everything was wiped, 1 when nothing was, and 2 for
// a partial run.
func exitCodeFor(results []wipe.Result, skipped int) int {
	ok := 0
	for _, res := range results {
		if res.Succeeded() {
			ok++
		}
	}
	switch {
	case ok == len(results) && skipped == 0:
		return ExitSuccess
	case ok == 0:
		return ExitError
	default:
		return ExitWarning
	}
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitError
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
	}

	// os.Exit skips deferred calls.
	memguard.Purge()
	os.Exit(exitCode(err))
}

// printDevices renders the list command output.
func printDevices(w io.Writer, devices []system.DeviceDescriptor) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No block devices found")
		return
	}
	fmt.Fprintf(w, "%-16s %-5s %10s %-10s %-24s %s\n", "DEVICE", "TYPE", "SIZE", "REMOVABLE", "MODEL", "MOUNTPOINT")
	for _, d := range devices {
		removable := "no"
		if d.Removable {
			removable = "yes"
		}
		fmt.Fprintf(w, "%-16s %-5s %10s %-10s %-24s %s\n",
			d.Path, d.Kind, system.FormatBytes(d.Size), removable, d.Model, d.MountPoint)
	}
}
