package reporting

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"cryptowipe/internal/system"
	"cryptowipe/internal/wipe"
)

const (
	FormatJSON = "json"
	FormatText = "text"

	securityStatusErased  = "Data is cryptographically unrecoverable"
	securityStatusPartial = "Erase incomplete; data may be recoverable"
)

// Certificate is the audit record of one crypto-erase session.
type Certificate struct {
	OperationID      string                   `json:"operation_id"`
	Device           string                   `json:"device"`
	DeviceModel      string                   `json:"device_model,omitempty"`
	DeviceSize       uint64                   `json:"device_size"`
	Method           string                   `json:"method"`
	Cipher           string                   `json:"cipher"`
	KeySize          int                      `json:"key_size"`
	HashAlgorithm    string                   `json:"hash_algorithm"`
	ProcessSteps     []string                 `json:"process_steps"`
	SecurityStatus   string                   `json:"security_status"`
	StartedAt        time.Time                `json:"started_at"`
	CompletedAt      time.Time                `json:"completed_at"`
	Verification     wipe.VerificationOutcome `json:"verification_status"`
	BytesOverwritten uint64                   `json:"bytes_overwritten"`
}

// Render derives the certificate from a finished session snapshot.
func Render(snap wipe.Snapshot) Certificate {
	status := securityStatusErased
	if snap.Stage != wipe.StageComplete {
		status = securityStatusPartial
	}

	return Certificate{
		OperationID:      snap.OperationID,
		Device:           snap.Device.Path,
		DeviceModel:      snap.Device.Model,
		DeviceSize:       snap.Device.Size,
		Method:           fmt.Sprintf("%s (%s)", snap.Method, strings.ToUpper(snap.LUKSType)),
		Cipher:           snap.Cipher,
		KeySize:          snap.KeySize,
		HashAlgorithm:    snap.Hash,
		ProcessSteps:     append([]string{}, snap.Steps...),
		SecurityStatus:   status,
		StartedAt:        snap.StartedAt.UTC(),
		CompletedAt:      snap.CompletedAt.UTC(),
		Verification:     snap.Verification,
		BytesOverwritten: snap.BytesWritten,
	}
}

// JSON returns the indented JSON form.
func (c Certificate) JSON() (string, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize certificate")
	}
	return string(data), nil
}

// Text returns the human-readable form.
func (c Certificate) Text() string {
	var b strings.Builder

	b.WriteString("=== DATA DESTRUCTION CERTIFICATE ===\n")
	fmt.Fprintf(&b, "Operation ID:   %s\n", c.OperationID)
	fmt.Fprintf(&b, "Device:         %s\n", c.Device)
	if c.DeviceModel != "" {
		fmt.Fprintf(&b, "Model:          %s\n", c.DeviceModel)
	}
	fmt.Fprintf(&b, "Size:           %s\n", system.FormatBytes(c.DeviceSize))
	fmt.Fprintf(&b, "Method:         %s\n", c.Method)
	fmt.Fprintf(&b, "Cipher:         %s\n", c.Cipher)
	fmt.Fprintf(&b, "Key size:       %d bits\n", c.KeySize)
	fmt.Fprintf(&b, "Hash:           %s\n", c.HashAlgorithm)
	fmt.Fprintf(&b, "Overwritten:    %s\n", system.FormatBytes(c.BytesOverwritten))
	fmt.Fprintf(&b, "Started:        %s\n", c.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Completed:      %s\n", c.CompletedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Verification:   %s\n", c.Verification)
	fmt.Fprintf(&b, "Status:         %s\n", c.SecurityStatus)

	b.WriteString("\nProcess steps:\n")
	for i, step := range c.ProcessSteps {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, step)
	}
	return b.String()
}

// Serialize renders c in the given format.
func (c Certificate) Serialize(format string) (string, error) {
	switch format {
	case FormatJSON, "":
		return c.JSON()
	case FormatText:
		return c.Text(), nil
	default:
		return "", errors.Newf("unsupported certificate format: %s", format)
	}
}

// Generator is the engine's certifier.
type Generator struct {
	Format string
}

func (g Generator) Certify(snap wipe.Snapshot) (string, error) {
	return Render(snap).Serialize(g.Format)
}
