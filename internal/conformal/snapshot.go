package conformal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// SnapshotVersion is the envelope version written by EncodeSnapshot.
const SnapshotVersion = 1

// Snapshot is the persisted state of a Calibrator. Float fields round-trip
// bit-for-bit through JSON.
type Snapshot struct {
	Algorithm  Algorithm `json:"algorithm"`
	Alpha      float64   `json:"alpha"`
	QHat       float64   `json:"qhat"`
	RegVec     []float64 `json:"reg_vec,omitempty"`
	Calibrated bool      `json:"is_calibrated"`
	Classes    int       `json:"classes,omitempty"`
	Scores     []float64 `json:"calibration_scores,omitempty"`
}

type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"` // hex SHA-256 of payload
	Payload  json.RawMessage `json:"payload"`
}

// Snapshot copies c into the form Store writes; slices are not shared with c.
func (c *Calibrator) Snapshot() Snapshot {
	s := Snapshot{
		Algorithm:  c.algorithm,
		Alpha:      c.alpha,
		Calibrated: c.calibrated,
		Classes:    c.classes,
		RegVec:     c.RegVec(),
	}
	if c.calibrated {
		s.QHat = c.qhat
		s.Scores = c.CalibrationScores()
	}
	return s
}

// Validate checks a snapshot for internal consistency.
func (s Snapshot) Validate() error {
	if _, err := ParseAlgorithm(string(s.Algorithm)); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if !(s.Alpha > 0 && s.Alpha < 1) {
		return fmt.Errorf("%w: alpha %v outside (0, 1)", ErrCorruptSnapshot, s.Alpha)
	}
	if !s.Calibrated {
		return nil
	}
	if math.IsNaN(s.QHat) || math.IsInf(s.QHat, 0) {
		return fmt.Errorf("%w: qhat is not finite", ErrCorruptSnapshot)
	}
	if s.Classes < 0 {
		return fmt.Errorf("%w: negative class count", ErrCorruptSnapshot)
	}
	if s.Algorithm == RAPS {
		if len(s.RegVec) == 0 {
			return fmt.Errorf("%w: RAPS snapshot without reg_vec", ErrCorruptSnapshot)
		}
		if s.Classes != 0 && len(s.RegVec) != s.Classes {
			return fmt.Errorf("%w: reg_vec has %d entries for %d classes", ErrCorruptSnapshot, len(s.RegVec), s.Classes)
		}
	}
	return nil
}

// Restore rebuilds a Calibrator from a snapshot without recalibrating.
func Restore(s Snapshot) (*Calibrator, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	algo, _ := ParseAlgorithm(string(s.Algorithm))

	c := &Calibrator{
		algorithm:  algo,
		rule:       algo.rule(),
		alpha:      s.Alpha,
		regK:       DefaultRegK,
		regLambda:  DefaultRegLambda,
		calibrated: s.Calibrated,
	}
	if !s.Calibrated {
		return c, nil
	}

	c.qhat = s.QHat
	c.classes = s.Classes
	if algo == RAPS {
		c.regVec = append([]float64(nil), s.RegVec...)
		if c.classes == 0 {
			c.classes = len(c.regVec)
		}
	}
	c.scores = append([]float64(nil), s.Scores...)
	return c, nil
}

// EncodeSnapshot serializes a snapshot into a versioned, checksummed envelope.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(payload)
	return json.Marshal(envelope{
		Version:  SnapshotVersion,
		Checksum: hex.EncodeToString(sum[:]),
		Payload:  payload,
	})
}

// DecodeSnapshot parses and verifies an envelope produced by EncodeSnapshot.
// Every failure is reported as ErrCorruptSnapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if env.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, env.Version)
	}
	sum := sha256.Sum256(env.Payload)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return Snapshot{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	var s Snapshot
	if err := json.Unmarshal(env.Payload, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Store writes the Calibrator snapshot to path, replacing any previous file.
func (c *Calibrator) Store(path string) error {
	data, err := EncodeSnapshot(c.Snapshot())
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores a Calibrator from a file written by Store.
func Load(path string) (*Calibrator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	s, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return Restore(s)
}
