// Package environment determines whether the process is running inside a
// hosting environment (an agent host that launches the pipeline as a child
// tool) and with what confidence. Detection runs an ordered waterfall of
// independent probes; the first positive signal wins and probe failures are
// abstentions, never errors.
package environment

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Confidence grades how certain a detection signal is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// Detection probe environment variables. A hosting environment sets the
// marker on child processes; integrations and the auth hint ride along.
const (
	EnvHostMarker       = "PRISM_HOSTED"
	EnvHostIntegrations = "PRISM_HOST_INTEGRATIONS"
	EnvHostToken        = "PRISM_HOST_TOKEN"
)

// hostConfigDirName is the host product's per-user configuration directory,
// checked as the lowest-confidence probe.
const hostConfigDirName = "prism-host"

// hostProcessNames are parent process names that identify a hosting
// environment when the explicit marker is absent.
var hostProcessNames = []string{"prism-host", "prism-agent"}

// Descriptor is the immutable result of environment detection, computed once
// per process.
type Descriptor struct {
	Hosted            bool       `json:"hosted"`
	Confidence        Confidence `json:"confidence"`
	Method            string     `json:"method,omitempty"`
	WorkspacePath     string     `json:"workspace_path"`
	AuthHintAvailable bool       `json:"auth_hint_available"`
	Integrations      []string   `json:"integrations,omitempty"`
	DetectedAt        time.Time  `json:"detected_at"`
}

// Detector runs the probe waterfall. Ambient process attributes (environment,
// parent pid, user config dir) are captured through injectable hooks so tests
// can exercise each probe deterministically.
type Detector struct {
	workspace string
	logger    *slog.Logger

	lookupEnv     func(string) (string, bool)
	parentComm    func() (string, error)
	userConfigDir func() (string, error)
	now           func() time.Time

	once sync.Once
	desc Descriptor
}

// NewDetector creates a detector bound to the given workspace root.
func NewDetector(workspace string, logger *slog.Logger) *Detector {
	return &Detector{
		workspace:     workspace,
		logger:        logger.With("system", "environment"),
		lookupEnv:     os.LookupEnv,
		parentComm:    readParentComm,
		userConfigDir: os.UserConfigDir,
		now:           time.Now,
	}
}

// Detect runs the waterfall once and caches the result. It never fails:
// when every probe abstains the descriptor degrades to no-confidence.
func (d *Detector) Detect() Descriptor {
	d.once.Do(func() {
		d.desc = d.probe()
		d.logger.Info(
			"environment detected",
			"hosted", d.desc.Hosted,
			"confidence", d.desc.Confidence,
			"method", d.desc.Method,
		)
	})
	return d.desc
}

func (d *Detector) probe() Descriptor {
	desc := Descriptor{
		Confidence:    ConfidenceNone,
		WorkspacePath: d.workspace,
		DetectedAt:    d.now().UTC(),
	}

	if _, ok := d.lookupEnv(EnvHostToken); ok {
		desc.AuthHintAvailable = true
	}

	// Probe 1: explicit host marker. Highest confidence; the host set it
	// deliberately.
	if v, ok := d.lookupEnv(EnvHostMarker); ok && v != "" && v != "0" {
		desc.Hosted = true
		desc.Confidence = ConfidenceHigh
		desc.Method = "marker"
		desc.Integrations = d.integrations()
		return desc
	}

	// Probe 2: parent process identity. Failure to read it is an abstention.
	if comm, err := d.parentComm(); err == nil {
		name := strings.TrimSpace(comm)
		for _, host := range hostProcessNames {
			if name == host {
				desc.Hosted = true
				desc.Confidence = ConfidenceMedium
				desc.Method = "parent-process"
				desc.Integrations = d.integrations()
				return desc
			}
		}
	}

	// Probe 3: host configuration directory. Informational: its presence
	// means the host product is installed, not that it launched us.
	if dir, err := d.userConfigDir(); err == nil {
		if _, err := os.Stat(filepath.Join(dir, hostConfigDirName)); err == nil {
			desc.Hosted = true
			desc.Confidence = ConfidenceLow
			desc.Method = "config-dir"
			return desc
		}
	}

	return desc
}

func (d *Detector) integrations() []string {
	v, ok := d.lookupEnv(EnvHostIntegrations)
	if !ok || v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// readParentComm returns the parent process's command name via the procfs
// entry for the parent pid. Platforms without procfs report an error, which
// the waterfall treats as an abstention.
func readParentComm() (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", os.Getppid()))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
