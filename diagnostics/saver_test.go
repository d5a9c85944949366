package diagnostics_test

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/m-lab/bundler/diagnostics"
	"github.com/m-lab/bundler/flowstate"
)

type fakeWriteCloser struct {
	bytes.Buffer
	closed bool
}

func (f *fakeWriteCloser) Close() error {
	f.closed = true
	return nil
}

func newTestSaver(t *testing.T, writers *[]*fakeWriteCloser, opts ...diagnostics.Option) *diagnostics.Saver {
	t.Helper()
	s := diagnostics.New(1, t.TempDir(), opts...)
	diagnostics.SetWriterFactoryForTest(s, func(filename string) (io.WriteCloser, error) {
		w := &fakeWriteCloser{}
		*writers = append(*writers, w)
		return w, nil
	})
	return s
}

func TestWriteAppendsJSONLine(t *testing.T) {
	var writers []*fakeWriteCloser
	s := newTestSaver(t, &writers)

	snap := diagnostics.Snapshot{
		Timestamp: time.Now(),
		BundleID:  1,
		Primitives: flowstate.Primitives{
			RateOutgoingBps: 1000,
			RTTSampleUs:     500,
		},
		CurrQlen: 4,
	}
	if err := s.Write(snap); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	if len(writers) != 1 {
		t.Fatalf("expected one writer opened, got %d", len(writers))
	}

	var got diagnostics.Snapshot
	line, err := writers[0].ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.CurrQlen != 4 || got.RateOutgoingBps != 1000 {
		t.Errorf("round-tripped snapshot mismatch: %+v", got)
	}
}

func TestRotationOpensNewFileAfterAgeLimit(t *testing.T) {
	var writers []*fakeWriteCloser
	s := newTestSaver(t, &writers, diagnostics.WithAgeLimit(0))

	if err := s.Write(diagnostics.Snapshot{BundleID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(diagnostics.Snapshot{BundleID: 1}); err != nil {
		t.Fatal(err)
	}
	if len(writers) != 2 {
		t.Fatalf("expected rotation to open a second file, got %d writers", len(writers))
	}
	if !writers[0].closed {
		t.Error("expected first file to be closed on rotation")
	}
}

func TestCloseClosesUnderlyingWriter(t *testing.T) {
	var writers []*fakeWriteCloser
	s := newTestSaver(t, &writers)

	if err := s.Write(diagnostics.Snapshot{BundleID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if !writers[0].closed {
		t.Error("expected Close to close the underlying writer")
	}
}
