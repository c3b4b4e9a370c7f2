// Package config loads optional YAML overrides for the scheduler's
// numeric tunables (internal/sched's TimeSlice, PenaltyThresholdMS,
// and friends), in the yaml.v3-tagged-struct style
// MongooseMoo-barn/conformance/schema.go uses for its test-suite
// documents. Every field is optional; an absent or zero field leaves
// the matching internal/sched var at its built-in default.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NovaSquirrel/TilemapTownScriptingService/internal/sched"
)

// Tunables mirrors the subset of internal/sched's package vars an
// operator may want to override without recompiling, plus the
// optional metrics listener address (internal/metrics).
type Tunables struct {
	TimeSliceMS                 int64  `yaml:"time_slice_ms,omitempty"`
	PenaltyThresholdMS          int64  `yaml:"penalty_threshold_ms,omitempty"`
	PenaltySleepMS              int64  `yaml:"penalty_sleep_ms,omitempty"`
	TerminateThreadAfterStrikes int    `yaml:"terminate_thread_after_strikes,omitempty"`
	TerminateScriptAfterStrikes int    `yaml:"terminate_script_after_strikes,omitempty"`
	MaxScriptThreadCount        int    `yaml:"max_script_thread_count,omitempty"`
	APIResultTimeoutMS          int64  `yaml:"api_result_timeout_ms,omitempty"`
	DefaultMemoryLimitBytes     int64  `yaml:"default_memory_limit_bytes,omitempty"`
	MetricsAddr                 string `yaml:"metrics_addr,omitempty"`
}

// Load reads and parses the YAML document at path, returning the
// decoded Tunables without applying them. A caller that wants the
// process-wide defaults patched should follow up with Apply.
func Load(path string) (Tunables, error) {
	var t Tunables
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return t, nil
}

// Apply patches internal/sched's package-level tunables from every
// non-zero field of t. Must be called before the first VM is
// constructed (internal/sched's vars are read once per scheduling
// decision, not cached, but changing them mid-flight would apply
// inconsistently across already-running VMs).
func Apply(t Tunables) {
	if t.TimeSliceMS > 0 {
		sched.TimeSlice = time.Duration(t.TimeSliceMS) * time.Millisecond
	}
	if t.PenaltyThresholdMS > 0 {
		sched.PenaltyThresholdMS = time.Duration(t.PenaltyThresholdMS) * time.Millisecond
	}
	if t.PenaltySleepMS > 0 {
		sched.PenaltySleepMS = time.Duration(t.PenaltySleepMS) * time.Millisecond
	}
	if t.TerminateThreadAfterStrikes > 0 {
		sched.TerminateThreadAfterStrikes = t.TerminateThreadAfterStrikes
	}
	if t.TerminateScriptAfterStrikes > 0 {
		sched.TerminateScriptAfterStrikes = t.TerminateScriptAfterStrikes
	}
	if t.MaxScriptThreadCount > 0 {
		sched.MaxScriptThreadCount = t.MaxScriptThreadCount
	}
	if t.APIResultTimeoutMS > 0 {
		sched.APIResultTimeout = time.Duration(t.APIResultTimeoutMS) * time.Millisecond
	}
	if t.DefaultMemoryLimitBytes > 0 {
		sched.DefaultMemoryLimit = t.DefaultMemoryLimitBytes
	}
}
