// Package diagnostics periodically dumps a bundle's measurement state to
// a rotating, zstd-compressed JSONL file, for offline inspection and
// replay. One file per bundle, rotated on a fixed age limit; JSON lines
// keep the diagnostic format human-inspectable without a schema build
// step.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/m-lab/bundler/flowstate"
	"github.com/m-lab/bundler/metrics"
	"github.com/m-lab/bundler/zstd"
)

// Snapshot is one diagnostic record: a Primitives measurement plus the
// running flow-state fields that Primitives itself doesn't carry.
type Snapshot struct {
	Timestamp time.Time
	BundleID  uint32
	flowstate.Primitives
	BDPEstimatePkts uint32
	CurrQlen        uint32
	LastMarkID      uint64
}

// Saver writes Snapshots for a single bundle to a sequence of rotating
// zstd files: a fixed file-age limit, a monotonically increasing sequence
// number, a date-stamped filename.
type Saver struct {
	bundleID  uint32
	dir       string
	ageLimit  time.Duration
	startTime time.Time

	sequence   int
	expiration time.Time
	writer     io.WriteCloser

	newWriter func(filename string) (io.WriteCloser, error)
}

// Option configures a Saver at construction.
type Option func(*Saver)

// WithAgeLimit overrides the default 10-minute rotation period.
func WithAgeLimit(d time.Duration) Option {
	return func(s *Saver) { s.ageLimit = d }
}

// New returns a Saver that writes bundle bundleID's snapshots under dir.
func New(bundleID uint32, dir string, opts ...Option) *Saver {
	s := &Saver{
		bundleID:  bundleID,
		dir:       dir,
		ageLimit:  10 * time.Minute,
		startTime: time.Now(),
		newWriter: zstd.NewWriter,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// filename is "<date>_bundle<id>_<sequence>.jsonl.zst", dated by process
// start so one run's files sort together.
func (s *Saver) filename() string {
	date := s.startTime.Format("20060102T150405.000")
	return filepath.Join(s.dir, fmt.Sprintf("%s_bundle%08d_%05d.jsonl.zst", date, s.bundleID, s.sequence))
}

// rotate closes any open writer past its expiration and opens the next
// one.
func (s *Saver) rotate(now time.Time) error {
	if s.writer != nil && now.Before(s.expiration) {
		return nil
	}
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			log.Printf("diagnostics: error closing rotated file: %v", err)
		}
	}
	w, err := s.newWriter(s.filename())
	if err != nil {
		return err
	}
	s.writer = w
	s.expiration = now.Add(s.ageLimit)
	s.sequence++
	return nil
}

// Write appends one snapshot, rotating the underlying file first if its age
// limit has elapsed.
func (s *Saver) Write(snap Snapshot) error {
	now := time.Now()
	if err := s.rotate(now); err != nil {
		return err
	}
	line, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := s.writer.Write(append(line, '\n')); err != nil {
		return err
	}
	metrics.SnapshotCount.Inc()
	return nil
}

// Close flushes and closes the current file, if any.
func (s *Saver) Close() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}

// SetWriterFactoryForTest overrides how Saver opens new files, so tests can
// avoid shelling out to the real zstd binary. Not for production use.
func SetWriterFactoryForTest(s *Saver, factory func(filename string) (io.WriteCloser, error)) {
	s.newWriter = factory
}
