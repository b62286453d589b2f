package tuning

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hu6789/MacroImmunet-demo/internal/sim/simerr"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Defaults().Validate())
	cfg := Defaults().Center()
	assert.Equal(t, 5, cfg.TickRateHz)
	assert.Equal(t, uint64(3), cfg.DwellTicks)
}

func TestLoadYAML(t *testing.T) {
	p := write(t, "tuning.yaml", `
tick_rate_hz: 10
grid: {w: 16, h: 8}
fields:
  - {name: antigen, diffusion: 0.25}
labels:
  prune_after_ticks: 4
ownership:
  cooldown_ticks: 7
`)
	tu, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 10, tu.TickRateHz)
	assert.Equal(t, 16, tu.Grid.W)
	require.Len(t, tu.Fields, 1)
	assert.Equal(t, 0.25, tu.Fields[0].Diffusion)
	assert.Equal(t, 4, tu.Labels.PruneAfterTicks)
	assert.Equal(t, 1.5, tu.Labels.MergeDistance, "unset keys keep defaults")
	assert.Equal(t, uint64(7), tu.Center().CooldownTicks)
}

func TestLoadTOML(t *testing.T) {
	p := write(t, "tuning.toml", `
tick_rate_hz = 2

[grid]
w = 4
h = 4

[[fields]]
name = "danger"
half_life = 3.0

[hysteresis]
dwell_ticks = 9
`)
	tu, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 2, tu.TickRateHz)
	assert.Equal(t, "danger", tu.Fields[0].Name)
	assert.Equal(t, uint64(9), tu.Hysteresis.DwellTicks)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LC_TICK_RATE_HZ", "20")
	t.Setenv("LC_OWNERSHIP_COOLDOWN_TICKS", "11")
	t.Setenv("LC_LABELS_PRUNE_THRESHOLD", "0.2")
	tu, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 20, tu.TickRateHz)
	assert.Equal(t, uint64(11), tu.Ownership.CooldownTicks)
	assert.Equal(t, 0.2, tu.Labels.PruneThreshold)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Tuning){
		"tick rate":   func(t *Tuning) { t.TickRateHz = 0 },
		"diffusion":   func(t *Tuning) { t.Fields[0].Diffusion = 0.5 },
		"dup field":   func(t *Tuning) { t.Fields = append(t.Fields, t.Fields[0]) },
		"prune after": func(t *Tuning) { t.Labels.PruneAfterTicks = 0 },
		"max live":    func(t *Tuning) { t.Labels.MaxLive = -1 },
		"protocol":    func(t *Tuning) { t.ProtocolVersion = "0.1" },
	}
	for name, mutate := range cases {
		tu := Defaults()
		mutate(&tu)
		err := tu.Validate()
		assert.True(t, errors.Is(err, simerr.ErrValidation), name)
	}
}

func TestShippedConfigMatchesDefaults(t *testing.T) {
	got, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), got)
}
