package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"cryptowipe/internal/config"
	"cryptowipe/internal/wipe"
)

// Version is stamped into run reports. The CLI sets it from its own build
// version during setup.
var Version = "dev"

// Report summarizes one CLI run over one or more devices.
type Report struct {
	RunID      string            `json:"run_id"`
	Version    string            `json:"version"`
	Timestamp  time.Time         `json:"timestamp"`
	Config     map[string]any    `json:"config"`
	Profile    string            `json:"profile,omitempty"`
	Operations []OperationReport `json:"operations"`
	Summary    SummaryReport     `json:"summary"`
	ExitCode   int               `json:"exit_code"`
	Duration   string            `json:"duration"`
}

type OperationReport struct {
	ID           string     `json:"id"`
	Device       string     `json:"device"`
	Method       string     `json:"method"`
	Status       string     `json:"status"`
	FailedStage  string     `json:"failed_stage,omitempty"`
	Verification string     `json:"verification"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	BytesWiped   uint64     `json:"bytes_wiped"`
	SpeedMBps    float64    `json:"speed_mbps"`
	Attempts     int        `json:"format_attempts"`
	Error        string     `json:"error,omitempty"`
	Hints        []string   `json:"hints,omitempty"`
}

type SummaryReport struct {
	TotalDevices int     `json:"total_devices"`
	Completed    int     `json:"completed"`
	Cancelled    int     `json:"cancelled"`
	Failed       int     `json:"failed"`
	TotalBytes   uint64  `json:"total_bytes"`
	AverageSpeed float64 `json:"average_speed_mbps"`
	SuccessRate  float64 `json:"success_rate"`
}

// GenerateReport builds the run report from the session results.
func GenerateReport(results []wipe.Result, cfg *config.Config, profile string, startTime, endTime time.Time, exitCode int) *Report {
	report := &Report{
		RunID:      fmt.Sprintf("run_%d", startTime.UnixNano()),
		Version:    Version,
		Timestamp:  startTime,
		Config:     configToMap(cfg),
		Profile:    profile,
		Operations: make([]OperationReport, len(results)),
		ExitCode:   exitCode,
		Duration:   endTime.Sub(startTime).String(),
	}

	var totalBytes uint64
	var totalSpeed float64
	completed, cancelled, failed := 0, 0, 0

	for i, res := range results {
		snap := res.Snapshot
		op := OperationReport{
			ID:           snap.OperationID,
			Device:       snap.Device.Path,
			Method:       snap.Method,
			Status:       "completed",
			Verification: string(snap.Verification),
			StartTime:    snap.StartedAt,
			BytesWiped:   snap.BytesWritten,
			Attempts:     snap.FormatAttempts,
		}
		if !snap.CompletedAt.IsZero() {
			end := snap.CompletedAt
			op.EndTime = &end
			if secs := end.Sub(snap.StartedAt).Seconds(); secs > 0 {
				op.SpeedMBps = float64(snap.BytesWritten) / config.MiB / secs
			}
		}

		switch {
		case res.Err != nil && errors.Is(res.Err, wipe.ErrCancelled):
			op.Status = "cancelled"
			op.Error = res.Err.Error()
			cancelled++
		case res.Err != nil:
			op.Status = "failed"
			op.FailedStage = snap.FailedStage.String()
			op.Error = res.Err.Error()
			op.Hints = errors.GetAllHints(res.Err)
			failed++
		default:
			completed++
		}

		totalBytes += snap.BytesWritten
		totalSpeed += op.SpeedMBps
		report.Operations[i] = op
	}

	report.Summary = SummaryReport{
		TotalDevices: len(results),
		Completed:    completed,
		Cancelled:    cancelled,
		Failed:       failed,
		TotalBytes:   totalBytes,
	}
	if len(results) > 0 {
		report.Summary.AverageSpeed = totalSpeed / float64(len(results))
		report.Summary.SuccessRate = float64(completed) / float64(len(results)) * 100
	}

	return report
}

// SaveReport writes the run report as JSON under the reporting directory and
// returns its path. Nothing is written when reporting is disabled.
func SaveReport(report *Report, cfg *config.Config) (string, error) {
	if !cfg.Reporting.Enabled {
		return "", nil
	}

	if err := os.MkdirAll(cfg.Reporting.LocalPath, 0o750); err != nil {
		return "", errors.Wrap(err, "failed to create report directory")
	}

	filename := fmt.Sprintf("cryptowipe_report_%s.json", report.Timestamp.Format("20060102_150405"))
	path := filepath.Join(cfg.Reporting.LocalPath, filename)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize report")
	}

	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", errors.Wrap(err, "failed to write report")
	}

	return path, nil
}

// SaveCertificate writes cert into dir as certificate_<operation id>.<ext>.
func SaveCertificate(cert Certificate, dir, format string) (string, error) {
	content, err := cert.Serialize(format)
	if err != nil {
		return "", err
	}

	ext := "json"
	if format == FormatText {
		ext = "txt"
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", errors.Wrap(err, "failed to create certificate directory")
	}

	path := filepath.Join(dir, fmt.Sprintf("certificate_%s.%s", cert.OperationID, ext))
	if err := os.WriteFile(path, []byte(content+"\n"), 0o640); err != nil {
		return "", errors.Wrap(err, "failed to write certificate")
	}
	return path, nil
}

// configToMap records the settings that shape the erase, never secrets.
func configToMap(cfg *config.Config) map[string]any {
	return map[string]any{
		"security": map[string]any{
			"require_root":         cfg.Security.RequireRoot,
			"require_confirmation": cfg.Security.RequireConfirmation,
			"excluded_devices":     cfg.Security.ExcludedDevices,
			"allow_system_disk":    cfg.Security.AllowSystemDisk,
		},
		"wipe": map[string]any{
			"luks_type":                cfg.Wipe.LUKSType,
			"cipher":                   cfg.Wipe.Cipher,
			"key_size":                 cfg.Wipe.KeySize,
			"hash":                     cfg.Wipe.Hash,
			"iter_time_ms":             cfg.Wipe.IterTimeMs,
			"block_size":               cfg.Wipe.BlockSize,
			"header_wipe_size":         cfg.Wipe.HeaderWipeSize,
			"removable_format_retries": cfg.Wipe.RemovableFormatRetries,
			"format_retry_delay":       cfg.Wipe.FormatRetryDelay,
			"max_speed_mbps":           cfg.Wipe.MaxSpeedMBps,
			"max_concurrent":           cfg.Wipe.MaxConcurrent,
			"verify":                   cfg.Wipe.Verify,
		},
		"reporting": map[string]any{
			"enabled":    cfg.Reporting.Enabled,
			"local_path": cfg.Reporting.LocalPath,
			"format":     cfg.Reporting.Format,
		},
	}
}
