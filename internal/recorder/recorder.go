// Package recorder keeps an append-only log of solved predictions so a
// session can be replayed offline with its original timing.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/myogestic/myogestic/internal/conformal"
)

// Record is one line of the prediction log.
type Record struct {
	Timestamp     time.Time `json:"ts"`
	Session       string    `json:"session,omitempty"`
	Probabilities []float64 `json:"probs,omitempty"`
	Set           []int     `json:"set"` // 0/1 mask
	Label         int       `json:"label"`
}

// PredictionSet rebuilds the set from its mask.
func (r Record) PredictionSet() conformal.PredictionSet {
	s := make(conformal.PredictionSet, len(r.Set))
	for i, v := range r.Set {
		s[i] = v != 0
	}
	return s
}

// Recorder appends records to a daily JSON-lines file.
type Recorder struct {
	mu    sync.Mutex
	dir   string
	file  *os.File
	path  string
	fsync bool
	now   func() time.Time
}

// New opens today's log under dir. With fsync set every Append is synced
// before it returns.
func New(dir string, fsync bool) (*Recorder, error) {
	r := &Recorder{dir: dir, fsync: fsync, now: time.Now}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) open() error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("failed to create recorder directory: %w", err)
	}
	path := filepath.Join(r.dir, fmt.Sprintf("predictions-%s.jsonl", r.now().Format("20060102")))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open recorder file: %w", err)
	}
	r.file, r.path = file, path
	return nil
}

// Path returns the file currently written to.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Append writes rec as a single line. A zero timestamp is set to now.
func (r *Recorder) Append(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if _, err := r.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if r.fsync {
		if err := r.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync recorder: %w", err)
		}
	}
	return nil
}

// Rotate closes the current file, opens the one for today and returns the
// previous path.
func (r *Recorder) Rotate() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.path
	if err := r.closeFile(); err != nil {
		return "", fmt.Errorf("failed to close current log: %w", err)
	}
	if err := r.open(); err != nil {
		return "", err
	}
	return old, nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeFile()
}

func (r *Recorder) closeFile() error {
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Replay reads every record of a log file in order. Malformed lines, such as
// a torn final write, are skipped. A missing file yields no records.
func Replay(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || len(rec.Set) == 0 {
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// Sequence splits records of one session into the inputs of an offline solve.
func Sequence(records []Record) ([]conformal.PredictionSet, []time.Time) {
	sets := make([]conformal.PredictionSet, len(records))
	at := make([]time.Time, len(records))
	for i, rec := range records {
		sets[i] = rec.PredictionSet()
		at[i] = rec.Timestamp
	}
	return sets, at
}

// BySession keeps the records of one session, preserving order.
func BySession(records []Record, session string) []Record {
	var out []Record
	for _, rec := range records {
		if rec.Session == session {
			out = append(out, rec)
		}
	}
	return out
}
