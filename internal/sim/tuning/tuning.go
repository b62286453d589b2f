// Package tuning loads the store parameters from YAML or TOML, then applies
// LC_-prefixed environment overrides.
package tuning

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/hu6789/MacroImmunet-demo/internal/protocol"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/field"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/grid"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

const EnvPrefix = "LC_"

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version" toml:"protocol_version"`

	StoreID            string  `yaml:"store_id" toml:"store_id" env:"STORE_ID"`
	TickRateHz         int     `yaml:"tick_rate_hz" toml:"tick_rate_hz" env:"TICK_RATE_HZ"`
	SnapshotEveryTicks uint64  `yaml:"snapshot_every_ticks" toml:"snapshot_every_ticks" env:"SNAPSHOT_EVERY_TICKS"`
	Epsilon            float64 `yaml:"epsilon" toml:"epsilon" env:"EPSILON"`

	Grid   grid.Dims    `yaml:"grid" toml:"grid"`
	Fields []field.Spec `yaml:"fields" toml:"fields"`

	Labels     Labels     `yaml:"labels" toml:"labels" envPrefix:"LABELS_"`
	Ownership  Ownership  `yaml:"ownership" toml:"ownership" envPrefix:"OWNERSHIP_"`
	Hysteresis Hysteresis `yaml:"hysteresis" toml:"hysteresis" envPrefix:"HYSTERESIS_"`
	RateLimits RateLimits `yaml:"rate_limits" toml:"rate_limits" envPrefix:"RATE_"`
}

type Labels struct {
	MergeDistance   float64 `yaml:"merge_distance" toml:"merge_distance" env:"MERGE_DISTANCE"`
	PruneThreshold  float64 `yaml:"prune_threshold" toml:"prune_threshold" env:"PRUNE_THRESHOLD"`
	PruneAfterTicks int     `yaml:"prune_after_ticks" toml:"prune_after_ticks" env:"PRUNE_AFTER_TICKS"`
	DefaultHalfLife float64 `yaml:"default_half_life" toml:"default_half_life" env:"DEFAULT_HALF_LIFE"`
	// Creates, emits and splits past this many live labels are rejected. 0 = no cap.
	MaxLive int `yaml:"max_live" toml:"max_live" env:"MAX_LIVE"`
	// Labels under this magnitude are hidden from default listings.
	PerceptionThreshold float64 `yaml:"perception_threshold" toml:"perception_threshold" env:"PERCEPTION_THRESHOLD"`
}

type Ownership struct {
	CooldownTicks uint64 `yaml:"cooldown_ticks" toml:"cooldown_ticks" env:"COOLDOWN_TICKS"`
}

type Hysteresis struct {
	DwellTicks uint64 `yaml:"dwell_ticks" toml:"dwell_ticks" env:"DWELL_TICKS"`
}

// RateLimits bounds each collaborator session.
type RateLimits struct {
	SubmitPerSecond float64 `yaml:"submit_per_second" toml:"submit_per_second" env:"SUBMIT_PER_SECOND"`
	SubmitBurst     int     `yaml:"submit_burst" toml:"submit_burst" env:"SUBMIT_BURST"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:    protocol.Version,
		StoreID:            "label-center",
		TickRateHz:         5,
		SnapshotEveryTicks: 3000,
		Epsilon:            field.DefaultEpsilon,
		Grid:               grid.Dims{W: 64, H: 64},
		Fields: []field.Spec{
			{Name: "antigen", HalfLife: 0, Diffusion: 0.1},
			{Name: "il2", HalfLife: 20, Diffusion: 0.2},
			{Name: "danger", HalfLife: 10, Diffusion: 0.05},
		},
		Labels: Labels{
			MergeDistance:       1.5,
			PruneThreshold:      0.05,
			PruneAfterTicks:     10,
			DefaultHalfLife:     50,
			MaxLive:             4096,
			PerceptionThreshold: 0.01,
		},
		Ownership:  Ownership{CooldownTicks: 5},
		Hysteresis: Hysteresis{DwellTicks: 3},
		RateLimits: RateLimits{SubmitPerSecond: 50, SubmitBurst: 100},
	}
}

// Load reads path over Defaults (YAML, or TOML for *.toml), then applies the
// environment. An empty path uses the defaults plus environment only.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return t, err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if _, err := toml.Decode(string(raw), &t); err != nil {
				return t, errors.Wrapf(err, "%s", filepath.Base(path))
			}
		default:
			if err := yaml.Unmarshal(raw, &t); err != nil {
				return t, errors.Wrapf(err, "%s", filepath.Base(path))
			}
		}
	}
	if err := env.ParseWithOptions(&t, env.Options{Prefix: EnvPrefix}); err != nil {
		return t, errors.Wrap(err, "parse env")
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.ProtocolVersion != "" && t.ProtocolVersion != protocol.Version {
		return simerr.Validationf("protocol_version %q, server speaks %q", t.ProtocolVersion, protocol.Version)
	}
	if t.TickRateHz <= 0 {
		return simerr.Validationf("tick_rate_hz must be positive, got %d", t.TickRateHz)
	}
	if t.Grid.W <= 0 || t.Grid.H <= 0 {
		return simerr.Validationf("grid %dx%d", t.Grid.W, t.Grid.H)
	}
	if len(t.Fields) == 0 {
		return simerr.Validationf("no fields configured")
	}
	seen := map[string]bool{}
	for _, f := range t.Fields {
		if err := f.Validate(); err != nil {
			return err
		}
		if seen[f.Name] {
			return simerr.Validationf("duplicate field %s", f.Name)
		}
		seen[f.Name] = true
	}
	l := t.Labels
	if l.MergeDistance < 0 || l.PruneThreshold < 0 || l.DefaultHalfLife < 0 || l.PerceptionThreshold < 0 {
		return simerr.Validationf("labels: negative parameter")
	}
	if l.MaxLive < 0 {
		return simerr.Validationf("labels.max_live must not be negative, got %d", l.MaxLive)
	}
	if l.PruneAfterTicks <= 0 {
		return simerr.Validationf("labels.prune_after_ticks must be positive, got %d", l.PruneAfterTicks)
	}
	if t.RateLimits.SubmitPerSecond < 0 || t.RateLimits.SubmitBurst < 0 {
		return simerr.Validationf("rate_limits: negative parameter")
	}
	return nil
}

// Center converts the tuning into the store configuration.
func (t Tuning) Center() center.Config {
	return center.Config{
		StoreID:            t.StoreID,
		Dims:               t.Grid,
		Fields:             append([]field.Spec(nil), t.Fields...),
		Epsilon:            t.Epsilon,
		TickRateHz:         t.TickRateHz,
		MergeDistance:      t.Labels.MergeDistance,
		PruneThreshold:     t.Labels.PruneThreshold,
		PruneAfterTicks:    t.Labels.PruneAfterTicks,
		DefaultHalfLife:    t.Labels.DefaultHalfLife,
		MaxLiveLabels:      t.Labels.MaxLive,
		CooldownTicks:      t.Ownership.CooldownTicks,
		DwellTicks:         t.Hysteresis.DwellTicks,
		SnapshotEveryTicks: t.SnapshotEveryTicks,
	}
}
