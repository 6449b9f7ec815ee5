package wipe

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"

	"cryptowipe/internal/logging"
	"cryptowipe/internal/luks"
	"cryptowipe/internal/system"
)

// session owns the state of one crypto-erase run. Only the worker goroutine
// mutates it; snapshot may be called from anywhere.
type session struct {
	mu   sync.Mutex
	snap Snapshot

	opts     Options
	deps     Dependencies
	verify   bool
	progress *progressChannel
	logger   *logging.EnterpriseLogger

	passphrase *Passphrase
	mapperOpen bool
	mappedPath string
	stageStart time.Time
}

func newSession(id, mapper string, desc system.DeviceDescriptor, verify bool, opts Options, deps Dependencies, progress *progressChannel) *session {
	outcome := VerificationSkipped
	if verify {
		outcome = VerificationPending
	}
	return &session{
		snap: Snapshot{
			OperationID:  id,
			Device:       desc,
			MapperName:   mapper,
			Stage:        StageIdle,
			StartedAt:    deps.Now(),
			Steps:        []string{},
			Method:       MethodName,
			LUKSType:     opts.Spec.Type,
			Cipher:       opts.Spec.Cipher,
			KeySize:      opts.Spec.KeySize,
			Hash:         opts.Spec.Hash,
			Verification: outcome,
		},
		opts:     opts,
		deps:     deps,
		verify:   verify,
		progress: progress,
		logger:   deps.Logger.With("operation_id", id, "device", desc.Path),
	}
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.Steps = append([]string(nil), s.snap.Steps...)
	return snap
}

func (s *session) update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.mu.Unlock()
}

func (s *session) stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Stage
}

// begin enters stage and emits its start event.
func (s *session) begin(stage Stage, status string) {
	s.stageStart = s.deps.Now()
	s.update(func(snap *Snapshot) {
		snap.Stage = stage
		snap.Fraction = stage.Overall(0)
	})
	s.logger.Log("INFO", status, "stage", stage.String())
	s.emit(stage, 0, status)
}

// advance reports stage-local progress.
func (s *session) advance(stageFraction float64, status string) {
	stage := s.stage()
	s.update(func(snap *Snapshot) {
		snap.Fraction = stage.Overall(stageFraction)
	})
	s.emit(stage, stageFraction, status)
}

// complete records step as done and emits the stage's completion event.
func (s *session) complete(step string) {
	stage := s.stage()
	s.update(func(snap *Snapshot) {
		snap.Fraction = stage.Overall(1)
		snap.Steps = append(snap.Steps, step)
	})
	s.deps.Observer.StageCompleted(stage, s.deps.Now().Sub(s.stageStart))
	s.logger.Log("INFO", step, "stage", stage.String())
	s.emit(stage, 1, step)
}

func (s *session) emit(stage Stage, stageFraction float64, status string) {
	s.progress.publish(Event{
		OperationID:   s.snap.OperationID,
		Device:        s.snap.Device.Path,
		Stage:         stage,
		Fraction:      stage.Overall(stageFraction),
		StageFraction: clamp01(stageFraction),
		Status:        status,
	})
}

// run executes the pipeline and returns the final result. It never emits the
// terminal event; the engine does that after releasing the device.
func (s *session) run(ctx context.Context) Result {
	err := s.pipeline(ctx)

	// Key material never outlives the session.
	s.passphrase.Destroy()

	if err != nil {
		s.releaseMapper()
		s.update(func(snap *Snapshot) {
			snap.FailedStage = snap.Stage
			snap.Stage = StageFailed
			snap.CompletedAt = s.deps.Now()
			snap.Error = err.Error()
			if snap.Verification == VerificationPending {
				snap.Verification = VerificationSkipped
			}
		})
		snap := s.snapshot()
		s.logger.Log("ERROR", "Wipe failed", "stage", snap.FailedStage.String(), "error", err.Error())
		s.deps.Observer.SessionFinished("failed", snap.FailedStage)
		return Result{Snapshot: snap, Err: err}
	}

	snap := s.snapshot()
	s.deps.Observer.SessionFinished("complete", StageIdle)

	cert, cerr := s.certify(snap)
	if cerr != nil {
		s.logger.Log("ERROR", "Certificate generation failed", "error", cerr.Error())
	}
	return Result{Snapshot: snap, Certificate: cert}
}

func (s *session) certify(snap Snapshot) (string, error) {
	if s.deps.Certifier == nil {
		return fallbackCertificate(snap, nil), nil
	}
	cert, err := s.deps.Certifier.Certify(snap)
	if err != nil {
		return fallbackCertificate(snap, err), err
	}
	return cert, nil
}

func fallbackCertificate(snap Snapshot, cause error) string {
	text := fmt.Sprintf("Operation %s: %s of %s completed at %s (verification: %s)",
		snap.OperationID, snap.Method, snap.Device.Path,
		snap.CompletedAt.UTC().Format(time.RFC3339), snap.Verification)
	if cause != nil {
		text += fmt.Sprintf("; full certificate unavailable: %v", cause)
	}
	return text
}

func (s *session) emitTerminal(result Result) {
	ev := Event{
		OperationID: result.Snapshot.OperationID,
		Device:      result.Snapshot.Device.Path,
		Stage:       result.Snapshot.Stage,
		Fraction:    result.Snapshot.Fraction,
	}
	if result.Err != nil {
		ev.Kind = EventError
		ev.Status = "Wipe failed"
		ev.Error = result.Err.Error()
	} else {
		ev.Kind = EventCertificate
		ev.Status = "Wipe complete"
		ev.Certificate = result.Certificate
	}
	s.progress.finish(ev)
}

func (s *session) pipeline(ctx context.Context) error {
	dev := s.snap.Device

	if err := ctx.Err(); err != nil {
		return errors.WithHint(errors.Mark(errors.Wrap(err, "wipe cancelled"), ErrCancelled), hintUntouched)
	}

	// Preparing
	s.begin(StagePreparing, "Preparing device")
	if err := s.deps.Unmounter.EnsureUnmounted(ctx, dev); err != nil {
		if ctx.Err() != nil {
			err = errors.Mark(err, ErrCancelled)
		}
		if system.IsBusy(err) {
			err = errors.WithHintf(err, "a process still uses the filesystem; find it with: fuser -vm %s", dev.Path)
		}
		return errors.WithHint(err, hintUntouched)
	}
	s.complete("Device prepared: no filesystems mounted")

	// KeyGenerated
	s.begin(StageKeyGenerated, "Generating cryptographic key")
	pass, err := NewPassphrase(s.opts.PassphraseLength, s.opts.Random)
	if err != nil {
		return errors.WithHint(&KeyGenerationError{Cause: err}, hintUntouched)
	}
	s.passphrase = pass
	s.complete(fmt.Sprintf("Generated %d-character random passphrase", pass.Len()))

	if err := ctx.Err(); err != nil {
		return errors.WithHint(errors.Mark(errors.Wrap(err, "wipe cancelled"), ErrCancelled), hintUntouched)
	}
	// Point of no return: an interrupted overwrite would leave plaintext behind.
	ctx = context.WithoutCancel(ctx)
	s.logger.Log("DEBUG", "Session is no longer cancellable")

	// ContainerCreated
	s.begin(StageContainerCreated, "Creating LUKS container")
	if err := s.format(ctx); err != nil {
		return err
	}
	s.complete(fmt.Sprintf("Created %s container (%s, %d-bit key, %s)",
		s.opts.Spec.Type, s.opts.Spec.Cipher, s.opts.Spec.KeySize, s.opts.Spec.Hash))

	// ContainerOpened
	s.begin(StageContainerOpened, "Opening LUKS container")
	mapped, err := s.deps.Crypto.Open(ctx, dev.Path, s.snap.MapperName, s.passphrase.Bytes())
	if err != nil {
		return errors.WithHint(&ContainerOpenError{Diagnostic: luks.Diagnostic(err), Cause: err}, hintFormattedNotOverwritten)
	}
	s.mapperOpen = true
	s.mappedPath = mapped
	s.passphrase.Destroy()
	s.complete("Opened container at " + mapped + " and discarded passphrase")

	// Overwriting
	s.begin(StageOverwriting, "Overwriting device through encrypted mapping")
	if err := s.overwrite(ctx); err != nil {
		return err
	}

	// Closed
	s.begin(StageClosed, "Closing LUKS container")
	if err := s.deps.Crypto.Close(ctx, s.snap.MapperName); err != nil {
		return errors.WithHintf(&ContainerCloseError{Mapper: s.snap.MapperName, Diagnostic: luks.Diagnostic(err), Cause: err},
			"overwrite completed; mapper %s may still be active, close it with: cryptsetup close %s",
			s.snap.MapperName, s.snap.MapperName)
	}
	s.mapperOpen = false
	s.complete("Closed container")

	// KeysDestroyed
	s.begin(StageKeysDestroyed, "Destroying LUKS header and key slots")
	if err := s.destroyHeader(); err != nil {
		return err
	}

	// Verifying
	if s.verify {
		s.begin(StageVerifying, "Verifying device content")
		if err := s.verifyDevice(); err != nil {
			s.update(func(snap *Snapshot) { snap.Verification = VerificationFailed })
			return errors.WithHint(err, "overwrite and key destruction completed, but the read-back found unexpected structure; rerun the wipe")
		}
		s.update(func(snap *Snapshot) { snap.Verification = VerificationPerformed })
		s.complete("Verified device content is indistinguishable from random data")
	}

	s.update(func(snap *Snapshot) {
		snap.Stage = StageComplete
		snap.Fraction = 1
		snap.CompletedAt = s.deps.Now()
	})
	s.logger.Log("INFO", "Wipe complete")
	s.emit(StageComplete, 1, "Operation complete")
	return nil
}

func (s *session) format(ctx context.Context) error {
	dev := s.snap.Device
	policy := PolicyFor(dev, s.opts)

	op := func() error {
		s.update(func(snap *Snapshot) { snap.FormatAttempts++ })
		return s.deps.Crypto.Format(ctx, dev.Path, s.passphrase.Bytes(), s.opts.Spec)
	}
	notify := func(err error, wait time.Duration) {
		s.deps.Observer.FormatRetried()
		s.logger.Log("WARN", "Container format failed, retrying",
			"policy", policy.Name(), "retry_in", wait, "error", luks.Diagnostic(err))
		s.advance(0, fmt.Sprintf("Format rejected, retrying in %s", wait))
	}

	if err := backoff.RetryNotify(op, policy.BackOff(), notify); err != nil {
		attempts := s.snapshot().FormatAttempts
		return errors.WithHint(&ContainerFormatError{
			Device:     dev.Path,
			Diagnostic: luks.Diagnostic(err),
			Attempts:   attempts,
			Cause:      err,
		}, "the start of the device may have been overwritten by a partial LUKS header; the remaining data is untouched and recoverable")
	}
	return nil
}

func (s *session) overwrite(ctx context.Context) error {
	f, err := s.deps.OpenDevice(s.mappedPath, os.O_WRONLY)
	if err != nil {
		return errors.WithHint(&OverwriteIoError{Offset: 0, Cause: err}, hintFormattedNotOverwritten)
	}
	defer f.Close()

	// The mapping is smaller than the raw device by the LUKS payload offset.
	size := s.snap.Device.Size
	if mapped, err := deviceSize(f); err != nil {
		s.logger.Log("WARN", "Cannot size mapped device, using raw size", "mapped", s.mappedPath, "error", err.Error())
	} else if mapped < size {
		size = mapped
	}
	s.update(func(snap *Snapshot) { snap.MappedSize = size })

	w := NewThrottledWriter(ctx, f, s.opts.MaxSpeedMBps, s.opts.BlockSize)
	stats, err := overwrite(w, size, s.opts.BlockSize, s.opts.Random, func(written uint64) {
		s.update(func(snap *Snapshot) {
			snap.BytesWritten = written
			snap.Writes++
		})
		s.advance(fraction(written, size),
			fmt.Sprintf("Overwriting: %s of %s", system.FormatBytes(written), system.FormatBytes(size)))
	})
	s.deps.Observer.BytesOverwritten(stats.Bytes)
	if err != nil {
		var ioErr *OverwriteIoError
		offset := stats.Bytes
		if errors.As(err, &ioErr) {
			offset = ioErr.Offset
		}
		hint := fmt.Sprintf("device holds a LUKS container whose passphrase has been discarded; %d of %d bytes overwritten, data past offset %d may still be recoverable; rerun the wipe",
			stats.Bytes, size, offset)
		if system.IsNoSpace(err) {
			hint += "; the device is smaller than its reported size"
		}
		return errors.WithHint(err, hint)
	}

	s.complete(fmt.Sprintf("Overwrote %s with random data in %d blocks", system.FormatBytes(stats.Bytes), stats.Writes))
	return nil
}

func (s *session) destroyHeader() error {
	size := s.snap.Device.Size
	headerSize := s.opts.HeaderWipeSize
	if headerSize > size {
		headerSize = size
	}

	f, err := s.deps.OpenDevice(s.snap.Device.Path, os.O_WRONLY)
	if err != nil {
		return errors.WithHint(&KeyDestructionError{Cause: err}, hintHeaderIntact)
	}
	defer f.Close()

	stats, err := overwrite(f, headerSize, s.opts.BlockSize, s.opts.Random, func(written uint64) {
		s.advance(fraction(written, headerSize), "Destroying key slots")
	})
	if err != nil {
		return errors.WithHint(&KeyDestructionError{Cause: err}, hintHeaderIntact)
	}

	s.update(func(snap *Snapshot) { snap.HeaderBytes = stats.Bytes })
	s.complete(fmt.Sprintf("Destroyed LUKS header and key slots (%s overwritten)", system.FormatBytes(stats.Bytes)))
	return nil
}

func (s *session) verifyDevice() error {
	size := s.snap.Device.Size
	f, err := s.deps.OpenDevice(s.snap.Device.Path, os.O_RDONLY)
	if err != nil {
		return &VerificationError{Reason: "cannot open device", Cause: err}
	}
	defer f.Close()

	_, err = verifyContent(f, size, s.opts.BlockSize, func(read uint64) {
		s.advance(fraction(read, size),
			fmt.Sprintf("Verifying: %s of %s", system.FormatBytes(read), system.FormatBytes(size)))
	})
	return err
}

// releaseMapper closes an open mapping after a failure so the device is not
// left busy. It does not undo anything already written.
func (s *session) releaseMapper() {
	if !s.mapperOpen {
		return
	}
	if err := s.deps.Crypto.Close(context.Background(), s.snap.MapperName); err != nil {
		s.logger.Log("WARN", "Failed to close mapper after error", "mapper", s.snap.MapperName, "error", luks.Diagnostic(err))
		return
	}
	s.mapperOpen = false
}

func fraction(done, total uint64) float64 {
	if total == 0 {
		return 1
	}
	return float64(done) / float64(total)
}

const (
	hintUntouched               = "the device has not been modified"
	hintFormattedNotOverwritten = "device holds a LUKS container whose passphrase has been discarded, but the original data past the header has not been overwritten; rerun the wipe"
	hintHeaderIntact            = "overwrite completed and the passphrase is discarded, but the LUKS header is still on the device; rerun the wipe"
)
