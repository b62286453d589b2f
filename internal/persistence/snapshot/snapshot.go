// Package snapshot persists committed Label Center state: a JSON header line followed
// by a gob body, zstd compressed.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	StoreID string `json:"store_id"`
	Tick    uint64 `json:"tick"`
	Digest  string `json:"digest,omitempty"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	GridW int `json:"grid_w"`
	GridH int `json:"grid_h"`

	Params ParamsV1  `json:"params"`
	Fields []FieldV1 `json:"fields"`

	Labels     []LabelV1     `json:"labels"`
	Successors []SuccessorV1 `json:"successors,omitempty"`
	Ownership  []OwnershipV1 `json:"ownership,omitempty"`

	Counters CountersV1 `json:"counters"`
}

// ParamsV1 captures the store parameters that affect commit results, for faithful resume.
type ParamsV1 struct {
	TickRateHz      int     `json:"tick_rate_hz"`
	Epsilon         float64 `json:"epsilon"`
	MergeDistance   float64 `json:"merge_distance"`
	PruneThreshold  float64 `json:"prune_threshold"`
	PruneAfterTicks int     `json:"prune_after_ticks"`
	DefaultHalfLife float64 `json:"default_half_life"`
	MaxLiveLabels   int     `json:"max_live_labels,omitempty"`
	CooldownTicks   uint64  `json:"cooldown_ticks"`
	DwellTicks      uint64  `json:"dwell_ticks"`
}

type FieldV1 struct {
	Name      string    `json:"name"`
	HalfLife  float64   `json:"half_life"`
	Diffusion float64   `json:"diffusion"`
	Initial   float64   `json:"initial"`
	Values    []float64 `json:"values"`
}

type LabelV1 struct {
	ID        uint64     `json:"id"`
	Type      string     `json:"type"`
	Region    [4]int     `json:"region"`
	Centroid  [2]float64 `json:"centroid"`
	Magnitude float64    `json:"magnitude"`
	HalfLife  float64    `json:"half_life"`

	CreatedTick uint64 `json:"created_tick"`
	UpdatedTick uint64 `json:"updated_tick"`

	State            string `json:"state"`
	StateLockedUntil uint64 `json:"state_locked_until"`

	Owner         string `json:"owner,omitempty"`
	CooldownUntil uint64 `json:"cooldown_until,omitempty"`

	SubThresholdTicks int  `json:"sub_threshold_ticks,omitempty"`
	PruneCandidate    bool `json:"prune_candidate,omitempty"`
}

type SuccessorV1 struct {
	ID        uint64 `json:"id"`
	Successor uint64 `json:"successor"`
}

type OwnershipV1 struct {
	Label         uint64 `json:"label"`
	Owner         string `json:"owner,omitempty"`
	ClaimTick     uint64 `json:"claim_tick,omitempty"`
	CooldownUntil uint64 `json:"cooldown_until,omitempty"`
}

type CountersV1 struct {
	NextLabelID uint64 `json:"next_label_id"`
	NextSeq     uint64 `json:"next_seq"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return errors.Wrap(err, "gob encode")
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, errors.Wrap(err, "read header")
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, errors.Wrap(err, "gob decode")
	}
	if snap.Header.Version != Version {
		return snap, errors.Newf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the header line, for listings that should not load the body.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, errors.Wrap(err, "read header")
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, errors.Wrap(err, "decode header")
	}
	return h, nil
}

// Latest returns the snapshot in dir with the highest tick, or "" when there is none.
func Latest(dir string) (string, error) {
	return LatestAtOrBefore(dir, math.MaxUint64)
}

// LatestAtOrBefore is Latest restricted to snapshots whose tick is <= maxTick.
// Files with an unreadable header are skipped.
func LatestAtOrBefore(dir string, maxTick uint64) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.snap.zst"))
	if err != nil {
		return "", err
	}
	var best string
	var bestTick uint64
	for _, m := range matches {
		h, err := ReadHeader(m)
		if err != nil || h.Tick > maxTick {
			continue
		}
		if best == "" || h.Tick > bestTick {
			best, bestTick = m, h.Tick
		}
	}
	return best, nil
}

// PathForTick is the conventional file name for a snapshot of tick.
func PathForTick(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.snap.zst", tick))
}

