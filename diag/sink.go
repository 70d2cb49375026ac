package diag

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Sink persists journal records. The journal calls Write from a single
// goroutine.
type Sink interface {
	Write(r *Record) error
	Close() error
}

// StreamSink writes records as a CBOR sequence: one data item per record,
// no framing.
type StreamSink struct {
	w      *bufio.Writer
	enc    *cbor.Encoder
	closer io.Closer
}

// NewStreamSink writes records to w. Close flushes and, if w is an
// io.Closer, closes it.
func NewStreamSink(w io.Writer) *StreamSink {
	bw := bufio.NewWriter(w)
	s := &StreamSink{w: bw, enc: cborEncMode.NewEncoder(bw)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// CreateStreamSink creates (or truncates) a CBOR journal file.
func CreateStreamSink(path string) (*StreamSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating journal: %w", err)
	}
	return NewStreamSink(f), nil
}

func (s *StreamSink) Write(r *Record) error {
	if err := s.enc.Encode(r); err != nil {
		return fmt.Errorf("encoding record %d: %w", r.Seq, err)
	}
	return nil
}

// Flush writes buffered records through to the underlying writer.
func (s *StreamSink) Flush() error {
	return s.w.Flush()
}

func (s *StreamSink) Close() error {
	err := s.w.Flush()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
	}
	return err
}

// ReadRecords decodes a CBOR sequence written by a StreamSink.
func ReadRecords(r io.Reader) ([]*Record, error) {
	dec := cbor.NewDecoder(bufio.NewReader(r))
	var out []*Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("diag: decode record %d: %w", len(out)+1, err)
		}
		out = append(out, &rec)
	}
}

// ReadRecordsFile reads a CBOR journal file.
func ReadRecordsFile(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()
	return ReadRecords(f)
}
