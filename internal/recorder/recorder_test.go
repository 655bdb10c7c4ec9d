package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myogestic/myogestic/internal/conformal"
)

func TestAppendReplay(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, true)
	require.NoError(t, err)

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sets := []conformal.PredictionSet{
		conformal.NewPredictionSet(3, 0),
		conformal.NewPredictionSet(3, 1, 2),
		conformal.NewPredictionSet(3),
	}
	for i, s := range sets {
		require.NoError(t, r.Append(Record{
			Timestamp:     start.Add(time.Duration(i) * 100 * time.Millisecond),
			Session:       "a",
			Probabilities: []float64{0.5, 0.3, 0.2},
			Set:           s.Mask(),
			Label:         i - 1,
		}))
	}
	require.NoError(t, r.Append(Record{Session: "b", Set: []int{1, 0, 0}}))
	path := r.Path()
	require.NoError(t, r.Close())

	records, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.False(t, records[3].Timestamp.IsZero(), "zero timestamps are stamped on append")

	got, at := Sequence(BySession(records, "a"))
	assert.Equal(t, sets, got)
	assert.True(t, at[2].Equal(start.Add(200*time.Millisecond)))
	assert.Equal(t, -1, records[0].Label)
}

func TestReplay_SkipsTornLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	data := `{"ts":"2024-05-01T12:00:00Z","set":[1,0],"label":0}
not json
{"ts":"2024-05-01T12:00:01Z","set":[],"label":0}
{"ts":"2024-05-01T12:00:02Z","set":[0,1],"la`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	records, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []int{1, 0}, records[0].Set)

	records, err = Replay(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.NoError(t, err)
	assert.Empty(t, records)
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, false)
	require.NoError(t, err)
	day := time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return day }

	require.NoError(t, r.Append(Record{Set: []int{1}}))
	day = day.Add(2 * time.Hour)

	old, err := r.Rotate()
	require.NoError(t, err)
	require.NoError(t, r.Append(Record{Set: []int{1}}))
	assert.NotEqual(t, old, r.Path())
	assert.Equal(t, "predictions-20240502.jsonl", filepath.Base(r.Path()))
	require.NoError(t, r.Close())

	records, err := Replay(r.Path())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
