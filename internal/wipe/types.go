package wipe

import (
	"time"

	"github.com/cockroachdb/errors"

	"cryptowipe/internal/system"
)

// Stage is a state of the crypto-erase pipeline. Stages only move forward;
// StageFailed is reachable from any non-terminal stage.
type Stage int

const (
	StageIdle Stage = iota
	StagePreparing
	StageKeyGenerated
	StageContainerCreated
	StageContainerOpened
	StageOverwriting
	StageClosed
	StageKeysDestroyed
	StageVerifying
	StageComplete
	StageFailed
)

var stageNames = map[Stage]string{
	StageIdle:             "Idle",
	StagePreparing:        "Preparing",
	StageKeyGenerated:     "KeyGenerated",
	StageContainerCreated: "ContainerCreated",
	StageContainerOpened:  "ContainerOpened",
	StageOverwriting:      "Overwriting",
	StageClosed:           "Closed",
	StageKeysDestroyed:    "KeysDestroyed",
	StageVerifying:        "Verifying",
	StageComplete:         "Complete",
	StageFailed:           "Failed",
}

// stageBounds is the slice of overall progress each stage covers.
var stageBounds = map[Stage][2]float64{
	StageIdle:             {0, 0},
	StagePreparing:        {0.00, 0.05},
	StageKeyGenerated:     {0.05, 0.10},
	StageContainerCreated: {0.10, 0.20},
	StageContainerOpened:  {0.20, 0.25},
	StageOverwriting:      {0.25, 0.75},
	StageClosed:           {0.75, 0.80},
	StageKeysDestroyed:    {0.80, 0.90},
	StageVerifying:        {0.90, 1.00},
	StageComplete:         {1.00, 1.00},
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "Unknown"
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	for stage, name := range stageNames {
		if name == string(b) {
			*s = stage
			return nil
		}
	}
	return errors.Newf("unknown stage %q", string(b))
}

func (s Stage) IsTerminal() bool {
	return s == StageComplete || s == StageFailed
}

// Bounds returns the overall progress range [lo, hi] of the stage.
func (s Stage) Bounds() (lo, hi float64) {
	b := stageBounds[s]
	return b[0], b[1]
}

// Overall maps a stage-local fraction into overall session progress.
func (s Stage) Overall(stageFraction float64) float64 {
	lo, hi := s.Bounds()
	return lo + (hi-lo)*clamp01(stageFraction)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// VerificationOutcome records whether the post-wipe read-back ran.
type VerificationOutcome string

const (
	VerificationPending   VerificationOutcome = "pending"
	VerificationPerformed VerificationOutcome = "performed"
	VerificationSkipped   VerificationOutcome = "skipped"
	VerificationFailed    VerificationOutcome = "failed"
)

// MethodName is the erase method recorded on certificates.
const MethodName = "LUKS crypto-erase"

type EventKind string

const (
	EventProgress    EventKind = "progress"
	EventCertificate EventKind = "certificate"
	EventError       EventKind = "error"
)

// Event is one message on a session's progress channel. Exactly one event
// of kind EventCertificate or EventError ends the stream.
type Event struct {
	OperationID   string    `json:"operation_id"`
	Device        string    `json:"device"`
	Kind          EventKind `json:"kind"`
	Stage         Stage     `json:"stage"`
	Fraction      float64   `json:"fraction"`
	StageFraction float64   `json:"stage_fraction"`
	Status        string    `json:"status"`
	Certificate   string    `json:"certificate,omitempty"`
	Error         string    `json:"error,omitempty"`
}

func (e Event) IsTerminal() bool {
	return e.Kind == EventCertificate || e.Kind == EventError
}

// Snapshot is a read-only copy of a session's state. It never contains
// key material.
type Snapshot struct {
	OperationID    string                  `json:"operation_id"`
	Device         system.DeviceDescriptor `json:"device"`
	MapperName     string                  `json:"mapper_name"`
	Stage          Stage                   `json:"stage"`
	FailedStage    Stage                   `json:"failed_stage,omitempty"`
	Fraction       float64                 `json:"fraction"`
	StartedAt      time.Time               `json:"started_at"`
	CompletedAt    time.Time               `json:"completed_at,omitempty"`
	Steps          []string                `json:"steps"`
	Method         string                  `json:"method"`
	LUKSType       string                  `json:"luks_type"`
	Cipher         string                  `json:"cipher"`
	KeySize        int                     `json:"key_size"`
	Hash           string                  `json:"hash"`
	Verification   VerificationOutcome     `json:"verification"`
	MappedSize     uint64                  `json:"mapped_size"`
	BytesWritten   uint64                  `json:"bytes_written"`
	Writes         uint64                  `json:"writes"`
	HeaderBytes    uint64                  `json:"header_bytes_destroyed"`
	FormatAttempts int                     `json:"format_attempts"`
	Error          string                  `json:"error,omitempty"`
}

// Result is the authoritative outcome of a session, returned by Handle.Wait.
type Result struct {
	Snapshot    Snapshot
	Certificate string
	Err         error
}

func (r Result) Succeeded() bool {
	return r.Err == nil && r.Snapshot.Stage == StageComplete
}
