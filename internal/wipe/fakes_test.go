package wipe

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cryptowipe/internal/luks"
	"cryptowipe/internal/system"
)

// fakeCrypto maps every container onto the raw device itself, so the
// overwrite lands in the test file standing in for the disk.
type fakeCrypto struct {
	mu          sync.Mutex
	formatErrs  []error // consumed one per Format call
	openErr     error
	closeErr    error
	formats     int
	opens       int
	closes      []string
	passphrases [][]byte
	specs       []luks.Spec
	onFormat    func()
	mapTo       string // mapped path override; the device itself when empty
}

func (f *fakeCrypto) Format(_ context.Context, device string, passphrase []byte, spec luks.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.formats++
	f.passphrases = append(f.passphrases, append([]byte(nil), passphrase...))
	f.specs = append(f.specs, spec)
	if f.onFormat != nil {
		f.onFormat()
	}
	if len(f.formatErrs) > 0 {
		err := f.formatErrs[0]
		f.formatErrs = f.formatErrs[1:]
		return err
	}
	return nil
}

func (f *fakeCrypto) Open(_ context.Context, device, name string, passphrase []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.passphrases = append(f.passphrases, append([]byte(nil), passphrase...))
	if f.openErr != nil {
		return "", f.openErr
	}
	if f.mapTo != "" {
		return f.mapTo, nil
	}
	return device, nil
}

func (f *fakeCrypto) Close(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, name)
	return f.closeErr
}

type fakeUnmounter struct {
	err   error
	calls int
	block chan struct{}
}

func (u *fakeUnmounter) EnsureUnmounted(ctx context.Context, _ system.DeviceDescriptor) error {
	u.calls++
	if u.block != nil {
		select {
		case <-u.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return u.err
}

type textCertifier struct{}

func (textCertifier) Certify(snap Snapshot) (string, error) {
	return "CERT " + snap.OperationID + " " + snap.Device.Path + " " + string(snap.Verification), nil
}

type recordingObserver struct {
	mu       sync.Mutex
	stages   []Stage
	bytes    uint64
	retries  int
	outcomes []string
}

func (o *recordingObserver) StageCompleted(stage Stage, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage)
}

func (o *recordingObserver) BytesOverwritten(n uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bytes += n
}

func (o *recordingObserver) FormatRetried() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func (o *recordingObserver) SessionFinished(outcome string, _ Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

// newDeviceFile creates a zero-filled file of size bytes.
func newDeviceFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.BlockSize = 64 * 1024
	opts.HeaderWipeSize = 128 * 1024
	opts.RetryDelay = time.Millisecond
	opts.EventBuffer = 4096
	return opts
}

// collect drains the event stream of h.
func collect(h *Handle) []Event {
	var events []Event
	for ev := range h.Events() {
		events = append(events, ev)
	}
	return events
}
