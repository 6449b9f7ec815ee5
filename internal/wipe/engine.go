package wipe

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"cryptowipe/internal/config"
	"cryptowipe/internal/logging"
	"cryptowipe/internal/luks"
	"cryptowipe/internal/system"
)

// CryptoPrimitives creates, opens and closes the throwaway container.
type CryptoPrimitives interface {
	Format(ctx context.Context, device string, passphrase []byte, spec luks.Spec) error
	Open(ctx context.Context, device, name string, passphrase []byte) (string, error)
	Close(ctx context.Context, name string) error
}

// Unmounter guarantees nothing on the device is mounted.
type Unmounter interface {
	EnsureUnmounted(ctx context.Context, desc system.DeviceDescriptor) error
}

// Certifier renders the completion certificate for a finished session.
type Certifier interface {
	Certify(snap Snapshot) (string, error)
}

// Observer receives session telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	StageCompleted(stage Stage, elapsed time.Duration)
	BytesOverwritten(n uint64)
	FormatRetried()
	SessionFinished(outcome string, failedStage Stage)
}

// BlockDevice is the part of *os.File the pipeline uses.
type BlockDevice interface {
	io.Reader
	io.Writer
	Sync() error
	Close() error
}

// DeviceOpener opens a device node with os.OpenFile flags.
type DeviceOpener func(path string, flag int) (BlockDevice, error)

func openFile(path string, flag int) (BlockDevice, error) {
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	return f, nil
}

type Dependencies struct {
	Crypto    CryptoPrimitives
	Unmounter Unmounter
	Certifier Certifier
	Observer  Observer
	Logger    *logging.EnterpriseLogger
	// Optional; default to os.OpenFile, a fresh registry and time.Now.
	OpenDevice DeviceOpener
	Registry   *Registry
	Now        func() time.Time
}

type Options struct {
	Spec             luks.Spec
	PassphraseLength int
	BlockSize        int
	HeaderWipeSize   uint64
	RemovableRetries int
	RetryDelay       time.Duration
	MaxSpeedMBps     float64
	EventBuffer      int
	MapperPrefix     string
	// Random feeds passphrases and overwrite data; crypto/rand when nil.
	Random io.Reader
}

func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

func OptionsFromConfig(cfg *config.Config) Options {
	w := cfg.Wipe
	return Options{
		Spec: luks.Spec{
			Type:     w.LUKSType,
			Cipher:   w.Cipher,
			KeySize:  w.KeySize,
			Hash:     w.Hash,
			IterTime: w.IterTimeMs,
		},
		PassphraseLength: w.PassphraseLength,
		BlockSize:        int(w.BlockSize),
		HeaderWipeSize:   uint64(w.HeaderWipeSize),
		RemovableRetries: w.RemovableFormatRetries,
		RetryDelay:       cfg.GetFormatRetryDelay(),
		MaxSpeedMBps:     w.MaxSpeedMBps,
		EventBuffer:      w.EventBuffer,
		MapperPrefix:     w.MapperPrefix,
	}
}

// WipeEngine starts crypto-erase sessions, one worker goroutine per device.
type WipeEngine struct {
	deps Dependencies
	opts Options
}

func NewWipeEngine(deps Dependencies, opts Options) *WipeEngine {
	if deps.OpenDevice == nil {
		deps.OpenDevice = openFile
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if opts.Random == nil {
		opts.Random = rand.Reader
	}
	if opts.MapperPrefix == "" {
		opts.MapperPrefix = "cryptowipe"
	}
	return &WipeEngine{deps: deps, opts: opts}
}

// Handle is the caller's view of a running session.
type Handle struct {
	OperationID string
	Device      system.DeviceDescriptor

	session *session
	events  <-chan Event
	done    chan struct{}
	result  Result
}

// Events streams progress and ends with exactly one certificate or error
// event, after which the channel is closed.
func (h *Handle) Events() <-chan Event { return h.events }

// Done is closed once the session reached a terminal stage.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the session finishes and returns its outcome.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Snapshot returns the current session state.
func (h *Handle) Snapshot() Snapshot {
	return h.session.snapshot()
}

// Start validates desc, reserves the device and launches the session worker.
// Cancelling ctx stops the session only until the container format begins;
// from then on the session runs to completion or failure.
func (e *WipeEngine) Start(ctx context.Context, desc system.DeviceDescriptor, verify bool) (*Handle, error) {
	if desc.Path == "" {
		return nil, errors.New("device path is empty")
	}
	if desc.Size == 0 {
		return nil, errors.Newf("device %s reports zero size", desc.Path)
	}
	if e.deps.Crypto == nil || e.deps.Unmounter == nil {
		return nil, errors.New("wipe engine is missing crypto or unmount primitives")
	}

	id := uuid.New()
	mapper := e.opts.MapperPrefix + "_" + hex.EncodeToString(id[:])

	if err := e.deps.Registry.Acquire(desc, id.String(), mapper); err != nil {
		return nil, err
	}

	progress := newProgressChannel(e.opts.EventBuffer)
	s := newSession(id.String(), mapper, desc, verify, e.opts, e.deps, progress)

	h := &Handle{
		OperationID: id.String(),
		Device:      desc,
		session:     s,
		events:      progress.events(),
		done:        make(chan struct{}),
	}

	go func() {
		result := s.run(ctx)
		e.deps.Registry.Release(desc.Path)
		s.emitTerminal(result)
		h.result = result
		close(h.done)
	}()

	return h, nil
}

// Active lists devices with a running session.
func (e *WipeEngine) Active() []string {
	return e.deps.Registry.Active()
}

type nopObserver struct{}

func (nopObserver) StageCompleted(Stage, time.Duration) {}
func (nopObserver) BytesOverwritten(uint64)             {}
func (nopObserver) FormatRetried()                      {}
func (nopObserver) SessionFinished(string, Stage)       {}
