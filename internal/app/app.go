package app

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"cryptowipe/internal/config"
	"cryptowipe/internal/logging"
	"cryptowipe/internal/luks"
	"cryptowipe/internal/metrics"
	"cryptowipe/internal/reporting"
	"cryptowipe/internal/security"
	"cryptowipe/internal/system"
	"cryptowipe/internal/wipe"
)

// DeviceSource enumerates block devices; *system.Catalog implements it.
type DeviceSource interface {
	List(ctx context.Context) ([]system.DeviceDescriptor, error)
	Lookup(ctx context.Context, path string) (system.DeviceDescriptor, error)
	SystemDevices(ctx context.Context) (map[string]bool, error)
}

// App wires the device catalog to the wipe engine for one CLI run.
type App struct {
	logger   *logging.EnterpriseLogger
	config   *config.Config
	devices  DeviceSource
	engine   *wipe.WipeEngine
	recorder *metrics.Recorder
}

// NewApp builds the production stack: lsblk/findmnt catalog, umount(2)
// guard, cryptsetup primitives, certificate generator and metrics recorder.
func NewApp(cfg *config.Config, logger *logging.EnterpriseLogger) *App {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	runner := system.NewExecRunner(logger)
	catalog := system.NewCatalog(runner, logger)
	guard := system.NewUnmountGuard(system.NewLinuxMounter(runner), catalog, cfg.GetSettleDelay(), logger)
	recorder := metrics.NewRecorder()

	engine := wipe.NewWipeEngine(wipe.Dependencies{
		Crypto:    luks.NewCryptsetup(runner),
		Unmounter: guard,
		Certifier: reporting.Generator{Format: cfg.Reporting.Format},
		Observer:  recorder,
		Logger:    logger,
	}, wipe.OptionsFromConfig(cfg))

	return NewAppWithDependencies(cfg, logger, catalog, engine, recorder)
}

// NewAppWithDependencies creates an App from explicit collaborators.
func NewAppWithDependencies(cfg *config.Config, logger *logging.EnterpriseLogger, devices DeviceSource, engine *wipe.WipeEngine, recorder *metrics.Recorder) *App {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &App{
		logger:   logger,
		config:   cfg,
		devices:  devices,
		engine:   engine,
		recorder: recorder,
	}
}

func (a *App) Config() *config.Config { return a.config }

// ListDevices returns wipeable devices, removable media first.
func (a *App) ListDevices(ctx context.Context) ([]system.DeviceDescriptor, error) {
	devs, err := a.devices.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(devs, func(i, j int) bool {
		if devs[i].Removable != devs[j].Removable {
			return devs[i].Removable
		}
		return devs[i].Path < devs[j].Path
	})
	return devs, nil
}

// SelectDevices resolves the requested paths (or kernel names) against all.
// Unknown devices, duplicates, and a disk requested together with one of its
// partitions are rejected.
func (a *App) SelectDevices(all []system.DeviceDescriptor, paths []string) ([]system.DeviceDescriptor, error) {
	if len(paths) == 0 {
		return nil, errors.New("no devices selected")
	}

	byPath := make(map[string]system.DeviceDescriptor, len(all))
	for _, d := range all {
		byPath[d.Path] = d
	}

	selected := make([]system.DeviceDescriptor, 0, len(paths))
	seen := map[string]bool{}
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			p = "/dev/" + p
		}
		d, ok := byPath[p]
		if !ok {
			return nil, errors.Wrapf(system.ErrDeviceNotFound, "%s", p)
		}
		if seen[p] {
			return nil, errors.Newf("device %s selected twice", p)
		}
		seen[p] = true
		selected = append(selected, d)
	}

	for _, d := range selected {
		if parent := d.ParentPath(); parent != "" && seen[parent] {
			return nil, errors.Newf("%s and its disk %s cannot be wiped in the same run", d.Path, parent)
		}
	}
	return selected, nil
}

// FilterAllowed applies the exclusion policy. Devices that must not be
// wiped are returned in skipped with the reason. When the root filesystem
// cannot be resolved every device is refused unless the system disk is
// explicitly allowed.
func (a *App) FilterAllowed(ctx context.Context, devices []system.DeviceDescriptor) (allowed []system.DeviceDescriptor, skipped map[string]string, err error) {
	rootDevs, err := a.devices.SystemDevices(ctx)
	if err != nil {
		if !a.config.Security.AllowSystemDisk {
			return nil, nil, errors.WithHint(errors.Wrap(err, "cannot determine the system disk"),
				"set security.allow_system_disk: true only if you are certain no selected device backs /")
		}
		a.logger.Log("WARN", "System disk detection failed", "error", err.Error())
		rootDevs = map[string]bool{}
	}

	skipped = map[string]string{}
	for _, d := range devices {
		if skip, reason := security.ShouldSkipDevice(a.config, d, rootDevs); skip {
			a.logger.Log("WARN", "Device skipped", "device", d.Path, "reason", reason)
			skipped[d.Path] = reason
			continue
		}
		allowed = append(allowed, d)
	}
	return allowed, skipped, nil
}

// WipeDevices runs one session per device, at most max_concurrent at a time,
// and forwards every event to sink. Results follow the order of devices. The
// returned error summarizes failed sessions; details are in the results.
func (a *App) WipeDevices(ctx context.Context, devices []system.DeviceDescriptor, verify bool, sink func(wipe.Event)) ([]wipe.Result, error) {
	if len(devices) == 0 {
		return nil, errors.New("no devices to wipe")
	}

	var sinkMu sync.Mutex
	forward := func(ev wipe.Event) {
		if sink == nil {
			return
		}
		sinkMu.Lock()
		defer sinkMu.Unlock()
		sink(ev)
	}

	results := make([]wipe.Result, len(devices))
	g := new(errgroup.Group)
	limit := a.config.Wipe.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, desc := range devices {
		i, desc := i, desc
		g.Go(func() error {
			results[i] = a.wipeOne(ctx, desc, verify, forward)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if !res.Succeeded() {
			failed++
		}
	}
	if failed > 0 {
		return results, errors.Newf("%d of %d wipe sessions failed", failed, len(results))
	}
	return results, nil
}

func (a *App) wipeOne(ctx context.Context, desc system.DeviceDescriptor, verify bool, forward func(wipe.Event)) wipe.Result {
	if err := ctx.Err(); err != nil {
		return wipe.Result{
			Snapshot: wipe.Snapshot{Device: desc, Stage: wipe.StageIdle},
			Err:      errors.Mark(errors.Wrap(err, "wipe cancelled"), wipe.ErrCancelled),
		}
	}

	// Sessions may wait for a slot; re-read the device right before starting.
	current, err := a.devices.Lookup(ctx, desc.Path)
	if err != nil {
		a.logger.Log("ERROR", "Device not available", "device", desc.Path, "error", err.Error())
		return wipe.Result{
			Snapshot: wipe.Snapshot{Device: desc, Stage: wipe.StageIdle},
			Err:      errors.WithHint(err, "the device has not been modified; reconnect it and rerun the wipe"),
		}
	}
	if current.Size != desc.Size {
		a.logger.Log("WARN", "Device size changed since listing", "device", desc.Path,
			"listed", desc.Size, "current", current.Size)
	}
	desc = current

	h, err := a.engine.Start(ctx, desc, verify)
	if err != nil {
		a.logger.Log("ERROR", "Wipe session not started", "device", desc.Path, "error", err.Error())
		return wipe.Result{Snapshot: wipe.Snapshot{Device: desc, Stage: wipe.StageIdle}, Err: err}
	}
	a.logger.Log("INFO", "Wipe session started", "device", desc.Path, "operation_id", h.OperationID)

	for ev := range h.Events() {
		forward(ev)
	}
	return h.Wait()
}

// WriteMetrics flushes session metrics to the configured textfile, if any.
func (a *App) WriteMetrics() error {
	return a.recorder.WriteTextfile(a.config.Metrics.Textfile)
}
