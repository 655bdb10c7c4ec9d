package conformal

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_RoundTripBitForBit(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	probs, labels := syntheticData(rng, 120, 5, 1.2)

	for _, algo := range Algorithms() {
		t.Run(string(algo), func(t *testing.T) {
			c, err := New(string(algo), 0.15, WithRegularization(1, 0.0123456789))
			require.NoError(t, err)
			require.NoError(t, c.Calibrate(probs, labels))

			path := filepath.Join(t.TempDir(), "predictor.json")
			require.NoError(t, c.Store(path))

			loaded, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, c.Algorithm(), loaded.Algorithm())
			assert.Equal(t, math.Float64bits(c.Alpha()), math.Float64bits(loaded.Alpha()))
			assert.Equal(t, math.Float64bits(c.QHat()), math.Float64bits(loaded.QHat()))
			assert.True(t, loaded.Calibrated())
			require.Len(t, loaded.RegVec(), len(c.RegVec()))
			for i, v := range c.RegVec() {
				assert.Equal(t, math.Float64bits(v), math.Float64bits(loaded.RegVec()[i]))
			}

			want, err := c.PredictBatch(probs)
			require.NoError(t, err)
			got, err := loaded.PredictBatch(probs)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestSnapshot_Uncalibrated(t *testing.T) {
	c, err := New("APS", 0.2)
	require.NoError(t, err)

	data, err := EncodeSnapshot(c.Snapshot())
	require.NoError(t, err)
	s, err := DecodeSnapshot(data)
	require.NoError(t, err)

	restored, err := Restore(s)
	require.NoError(t, err)
	assert.False(t, restored.Calibrated())
	_, err = restored.Predict([]float64{0.5, 0.5})
	assert.True(t, errors.Is(err, ErrNotCalibrated))
}

func TestSnapshot_IsACopy(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	probs, labels := syntheticData(rng, 60, 4, 1)
	c, err := New("RAPS", 0.2, WithRegularization(1, 0.05))
	require.NoError(t, err)
	require.NoError(t, c.Calibrate(probs, labels))

	s := c.Snapshot()
	require.NotEmpty(t, s.Scores)
	require.NotEmpty(t, s.RegVec)
	firstScore, firstReg := s.Scores[0], s.RegVec[0]
	s.Scores[0] = -1
	s.RegVec[0] = -1

	again := c.Snapshot()
	assert.Equal(t, firstScore, again.Scores[0])
	assert.Equal(t, firstReg, again.RegVec[0])
}

func TestSnapshot_Corrupt(t *testing.T) {
	c, err := New("RAPS", 0.2)
	require.NoError(t, err)
	require.NoError(t, c.Calibrate([][]float64{{0.6, 0.3, 0.1}, {0.2, 0.7, 0.1}}, []int{0, 1}))
	good, err := EncodeSnapshot(c.Snapshot())
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(good, &env))

	wrongVersion := env
	wrongVersion.Version = 99
	wrongVersionBytes, err := json.Marshal(wrongVersion)
	require.NoError(t, err)

	tampered := env
	tampered.Payload = json.RawMessage(`{"algorithm":"RAPS","alpha":0.2,"qhat":0.1,"is_calibrated":true}`)
	tamperedBytes, err := json.Marshal(tampered)
	require.NoError(t, err)

	// Valid checksum over an inconsistent payload.
	missingReg, err := EncodeSnapshot(Snapshot{Algorithm: RAPS, Alpha: 0.2, QHat: 0.4, Calibrated: true})
	require.NoError(t, err)

	badAlgo, err := EncodeSnapshot(Snapshot{Algorithm: "TOPK", Alpha: 0.2, Calibrated: true})
	require.NoError(t, err)

	cases := map[string][]byte{
		"not_json":      []byte("\x80\x04\x95pickle"),
		"wrong_version": wrongVersionBytes,
		"checksum":      tamperedBytes,
		"raps_no_reg":   missingReg,
		"bad_algorithm": badAlgo,
		"truncated":     good[:len(good)/2],
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSnapshot(data)
			assert.True(t, errors.Is(err, ErrCorruptSnapshot), "got %v", err)
		})
	}
}

func TestLoad_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0600))

	_, err := Load(path)
	assert.True(t, errors.Is(err, ErrCorruptSnapshot))

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrCorruptSnapshot))
}
