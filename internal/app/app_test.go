package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptowipe/internal/config"
	"cryptowipe/internal/luks"
	"cryptowipe/internal/metrics"
	"cryptowipe/internal/reporting"
	"cryptowipe/internal/system"
	"cryptowipe/internal/wipe"
)

type fakeSource struct {
	devices []system.DeviceDescriptor
	roots   map[string]bool
	rootErr error
}

func (f *fakeSource) List(context.Context) ([]system.DeviceDescriptor, error) {
	return append([]system.DeviceDescriptor(nil), f.devices...), nil
}

func (f *fakeSource) Lookup(_ context.Context, path string) (system.DeviceDescriptor, error) {
	for _, d := range f.devices {
		if d.Path == path {
			return d, nil
		}
	}
	return system.DeviceDescriptor{}, errors.Wrapf(system.ErrDeviceNotFound, "%s", path)
}

func (f *fakeSource) SystemDevices(context.Context) (map[string]bool, error) {
	return f.roots, f.rootErr
}

// passthroughCrypto maps each container onto the device itself.
type passthroughCrypto struct {
	mu      sync.Mutex
	formats map[string]int
	failOn  string
}

func (c *passthroughCrypto) Format(_ context.Context, device string, _ []byte, _ luks.Spec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.formats == nil {
		c.formats = map[string]int{}
	}
	c.formats[device]++
	if device == c.failOn {
		return &system.CommandError{Name: "cryptsetup", ExitCode: 5, Stderr: "Device is in use."}
	}
	return nil
}

func (c *passthroughCrypto) Open(_ context.Context, device, _ string, _ []byte) (string, error) {
	return device, nil
}

func (c *passthroughCrypto) Close(context.Context, string) error { return nil }

type noUnmount struct{}

func (noUnmount) EnsureUnmounted(context.Context, system.DeviceDescriptor) error { return nil }

func imageDevice(t *testing.T, name string, size int64) system.DeviceDescriptor {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return system.DeviceDescriptor{Path: path, Name: name, Size: uint64(size), Kind: system.KindDisk}
}

func newTestApp(t *testing.T, src *fakeSource, crypto *passthroughCrypto) (*App, *metrics.Recorder) {
	t.Helper()
	cfg := config.Default()
	cfg.Metrics.Textfile = filepath.Join(t.TempDir(), "cryptowipe.prom")

	opts := wipe.OptionsFromConfig(cfg)
	opts.BlockSize = 64 * 1024
	opts.HeaderWipeSize = 64 * 1024
	opts.RetryDelay = time.Millisecond

	recorder := metrics.NewRecorder()
	engine := wipe.NewWipeEngine(wipe.Dependencies{
		Crypto:    crypto,
		Unmounter: noUnmount{},
		Certifier: reporting.Generator{Format: reporting.FormatJSON},
		Observer:  recorder,
	}, opts)
	return NewAppWithDependencies(cfg, nil, src, engine, recorder), recorder
}

func TestListDevicesRemovableFirst(t *testing.T) {
	src := &fakeSource{devices: []system.DeviceDescriptor{
		{Path: "/dev/sda", Kind: system.KindDisk},
		{Path: "/dev/sdc", Kind: system.KindDisk, Removable: true},
		{Path: "/dev/nvme0n1", Kind: system.KindDisk},
		{Path: "/dev/sdb", Kind: system.KindDisk, Removable: true},
	}}
	a, _ := newTestApp(t, src, &passthroughCrypto{})

	devs, err := a.ListDevices(context.Background())
	require.NoError(t, err)
	var paths []string
	for _, d := range devs {
		paths = append(paths, d.Path)
	}
	assert.Equal(t, []string{"/dev/sdb", "/dev/sdc", "/dev/nvme0n1", "/dev/sda"}, paths)
}

func TestSelectDevices(t *testing.T) {
	all := []system.DeviceDescriptor{
		{Path: "/dev/sdb", Name: "sdb", Kind: system.KindDisk},
		{Path: "/dev/sdb1", Name: "sdb1", Kind: system.KindPartition, Parent: "sdb"},
		{Path: "/dev/sdc", Name: "sdc", Kind: system.KindDisk},
	}
	a, _ := newTestApp(t, &fakeSource{}, &passthroughCrypto{})

	sel, err := a.SelectDevices(all, []string{"sdc", "/dev/sdb1"})
	require.NoError(t, err)
	require.Len(t, sel, 2)
	assert.Equal(t, "/dev/sdc", sel[0].Path)
	assert.Equal(t, "/dev/sdb1", sel[1].Path)

	_, err = a.SelectDevices(all, []string{"/dev/sdz"})
	assert.ErrorIs(t, err, system.ErrDeviceNotFound)

	_, err = a.SelectDevices(all, []string{"sdb", "sdb"})
	assert.Error(t, err)

	_, err = a.SelectDevices(all, []string{"sdb1", "sdb"})
	assert.Error(t, err)

	_, err = a.SelectDevices(all, nil)
	assert.Error(t, err)
}

func TestFilterAllowed(t *testing.T) {
	sda := system.DeviceDescriptor{Path: "/dev/sda", Kind: system.KindDisk}
	sdb := system.DeviceDescriptor{Path: "/dev/sdb", Kind: system.KindDisk}

	src := &fakeSource{roots: map[string]bool{"/dev/sda": true, "/dev/sda1": true}}
	a, _ := newTestApp(t, src, &passthroughCrypto{})

	allowed, skipped, err := a.FilterAllowed(context.Background(), []system.DeviceDescriptor{sda, sdb})
	require.NoError(t, err)
	assert.Equal(t, []system.DeviceDescriptor{sdb}, allowed)
	assert.Contains(t, skipped, "/dev/sda")

	src.rootErr = errors.New("findmnt: not found")
	_, _, err = a.FilterAllowed(context.Background(), []system.DeviceDescriptor{sdb})
	assert.Error(t, err, "unknown system disk must refuse the run")

	a.Config().Security.AllowSystemDisk = true
	allowed, _, err = a.FilterAllowed(context.Background(), []system.DeviceDescriptor{sda, sdb})
	require.NoError(t, err)
	assert.Len(t, allowed, 2)
}

func TestWipeDevicesConcurrent(t *testing.T) {
	devs := []system.DeviceDescriptor{
		imageDevice(t, "a.img", 256*1024),
		imageDevice(t, "b.img", 256*1024),
		imageDevice(t, "c.img", 256*1024),
	}
	crypto := &passthroughCrypto{}
	a, recorder := newTestApp(t, &fakeSource{devices: devs}, crypto)

	terminal := map[string]int{}
	results, err := a.WipeDevices(context.Background(), devs, true, func(ev wipe.Event) {
		if ev.IsTerminal() {
			terminal[ev.Device]++
		}
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, devs[i].Path, res.Snapshot.Device.Path)
		assert.Equal(t, wipe.VerificationPerformed, res.Snapshot.Verification)
		assert.Contains(t, res.Certificate, res.Snapshot.OperationID)
		assert.Equal(t, 1, terminal[devs[i].Path])
	}

	require.NoError(t, a.WriteMetrics())
	data, err := os.ReadFile(a.Config().Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `cryptowipe_sessions_total{failed_stage="",outcome="complete"} 3`)
	assert.NotNil(t, recorder.Registry())
}

func TestWipeDevicesPartialFailure(t *testing.T) {
	good := imageDevice(t, "good.img", 128*1024)
	bad := imageDevice(t, "bad.img", 128*1024)
	crypto := &passthroughCrypto{failOn: bad.Path}
	a, _ := newTestApp(t, &fakeSource{devices: []system.DeviceDescriptor{good, bad}}, crypto)

	results, err := a.WipeDevices(context.Background(), []system.DeviceDescriptor{good, bad}, false, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")

	assert.True(t, results[0].Succeeded())
	var fe *wipe.ContainerFormatError
	require.True(t, errors.As(results[1].Err, &fe))
	assert.Contains(t, fe.Diagnostic, "in use")
	assert.Equal(t, 1, crypto.formats[bad.Path])
}

func TestWipeDevicesCancelledBeforeStart(t *testing.T) {
	dev := imageDevice(t, "a.img", 128*1024)
	crypto := &passthroughCrypto{}
	a, _ := newTestApp(t, &fakeSource{}, crypto)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := a.WipeDevices(ctx, []system.DeviceDescriptor{dev}, false, nil)
	require.Error(t, err)
	assert.ErrorIs(t, results[0].Err, wipe.ErrCancelled)
	assert.Empty(t, crypto.formats)

	_, err = a.WipeDevices(context.Background(), nil, false, nil)
	assert.Error(t, err)
}

func TestWipeDevicesRefreshesDescriptor(t *testing.T) {
	dev := imageDevice(t, "a.img", 256*1024)
	gone := imageDevice(t, "gone.img", 128*1024)

	listed := dev
	listed.Size = 512 * 1024
	src := &fakeSource{devices: []system.DeviceDescriptor{dev}}
	crypto := &passthroughCrypto{}
	a, _ := newTestApp(t, src, crypto)

	results, err := a.WipeDevices(context.Background(), []system.DeviceDescriptor{listed, gone}, false, nil)
	require.Error(t, err)

	require.NoError(t, results[0].Err)
	assert.Equal(t, dev.Size, results[0].Snapshot.Device.Size, "session uses the current size")
	assert.Equal(t, dev.Size, results[0].Snapshot.BytesWritten)

	assert.ErrorIs(t, results[1].Err, system.ErrDeviceNotFound)
	assert.Contains(t, errors.GetAllHints(results[1].Err), "the device has not been modified; reconnect it and rerun the wipe")
	assert.Zero(t, crypto.formats[gone.Path])
}
