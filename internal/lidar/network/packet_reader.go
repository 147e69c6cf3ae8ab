package network

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket/layers"
)

// FramingBytes is the fixed amount of leading framing stripped from every
// captured frame: a 14-byte Ethernet II header, a 20-byte IPv4 header without
// options and an 8-byte UDP header. Captures must use Ethernet framing and
// IPv4 without options for the remaining bytes to be the UDP payload.
const FramingBytes = 14 + 20 + 8

// OpenStage identifies which step of PacketFileReader.Open failed.
type OpenStage string

const (
	StageOpen    OpenStage = "open"
	StageFormat  OpenStage = "format"
	StageCompile OpenStage = "compile"
	StageInstall OpenStage = "install"
)

var (
	// ErrOpenFailure matches every *OpenError.
	ErrOpenFailure = errors.New("capture file open failed")
	// ErrReadFailure wraps I/O or decode errors that end a stream early.
	ErrReadFailure = errors.New("capture file read failed")
	// ErrTruncatedRecord matches every *TruncatedRecordError.
	ErrTruncatedRecord = errors.New("captured frame shorter than framing")
)

// OpenError describes why a capture file could not be opened.
type OpenError struct {
	Stage OpenStage
	Path  string
	Err   error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("PCAP %s failed for %s: %v", e.Stage, e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

func (e *OpenError) Is(target error) bool { return target == ErrOpenFailure }

// TruncatedRecordError reports a matching record too short to hold the
// fixed framing. The record is consumed; the reader stays open.
type TruncatedRecordError struct {
	Index         uint64
	CaptureLength int
}

func (e *TruncatedRecordError) Error() string {
	return fmt.Sprintf("record %d: captured length %d is shorter than %d bytes of framing", e.Index, e.CaptureLength, FramingBytes)
}

func (e *TruncatedRecordError) Is(target error) bool { return target == ErrTruncatedRecord }

// Record is one UDP payload read from a capture file.
type Record struct {
	// Payload is a copy of the frame after FramingBytes; the caller owns it.
	Payload []byte
	// Length is the captured frame length minus FramingBytes.
	Length int
	// Elapsed is the capture time in seconds since the first record returned
	// in the current session, at microsecond resolution.
	Elapsed float64
	// Timestamp is the absolute capture time.
	Timestamp time.Time
	// Index is the 1-based position of the record in the file, counting
	// records skipped by the filter.
	Index uint64
}

// ReaderOptions configures a PacketFileReader.
type ReaderOptions struct {
	// Filter is the packet filter expression. Empty means DefaultFilter.
	Filter string
	// Backend selects the decoder. Empty means BackendNative.
	Backend Backend
}

// PacketFileReader reads UDP payloads sequentially from an offline capture
// file. It owns at most one open file at a time and is not safe for
// concurrent use. Callers should defer Close after a successful Open.
type PacketFileReader struct {
	opts      ReaderOptions
	fileName  string
	source    captureSource
	lastError string
	startTime time.Time
	started   bool
	skipped   uint64
}

// NewPacketFileReader returns a closed reader.
func NewPacketFileReader(opts ReaderOptions) *PacketFileReader {
	if opts.Filter == "" {
		opts.Filter = DefaultFilter
	}
	if opts.Backend == "" {
		opts.Backend = BackendNative
	}
	return &PacketFileReader{opts: opts}
}

// Open opens path for sequential reading and installs the packet filter.
// Any session already open is closed first. On failure the reader is left
// closed and LastError describes the problem.
func (r *PacketFileReader) Open(path string) error {
	r.Close()

	src, err := openSource(path, r.opts.Backend)
	if err != nil {
		return r.openFailed(path, err)
	}
	if lt := src.LinkType(); lt != layers.LinkTypeEthernet {
		src.Close()
		return r.openFailed(path, &stageError{stage: StageFormat, err: fmt.Errorf("unsupported link type %s: only Ethernet framing can be stripped", lt)})
	}
	if err := src.SetFilter(r.opts.Filter); err != nil {
		src.Close()
		return r.openFailed(path, err)
	}

	r.fileName = path
	r.source = src
	r.startTime = time.Time{}
	r.started = false
	r.skipped = 0
	r.lastError = ""
	return nil
}

func (r *PacketFileReader) openFailed(path string, err error) error {
	stage := StageOpen
	var se *stageError
	if errors.As(err, &se) {
		stage = se.stage
		err = se.err
	}
	oe := &OpenError{Stage: stage, Path: path, Err: err}
	r.lastError = oe.Error()
	return oe
}

// IsOpen reports whether a capture file is open.
func (r *PacketFileReader) IsOpen() bool {
	return r.source != nil
}

// Close releases the open file, if any. It is safe to call repeatedly.
func (r *PacketFileReader) Close() {
	if r.source == nil {
		return
	}
	r.source.Close()
	r.source = nil
	r.fileName = ""
}

// LastError returns the most recent error message, or "" if none has been
// recorded since the last successful Open.
func (r *PacketFileReader) LastError() string {
	return r.lastError
}

// FileName returns the path of the open file, or "" when closed.
func (r *PacketFileReader) FileName() string {
	return r.fileName
}

// Skipped returns how many records the filter has skipped in the current or
// most recent session.
func (r *PacketFileReader) Skipped() uint64 {
	return r.skipped
}

// NextPacket returns the next record accepted by the filter.
//
// It returns io.EOF when the reader is closed or the file is exhausted, and an
// error wrapping ErrReadFailure when the file cannot be read further; in both
// cases the reader is closed. A *TruncatedRecordError rejects one record and
// leaves the reader open. Frames too short for the filter's header loads are
// rejected by the filter and counted in Skipped, not reported as truncated.
func (r *PacketFileReader) NextPacket() (Record, error) {
	if r.source == nil {
		return Record{}, io.EOF
	}

	data, ci, err := r.source.ReadPacketData()
	index, skipped := r.source.Position()
	r.skipped = skipped
	if err != nil {
		r.Close()
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		err = fmt.Errorf("%w: %v", ErrReadFailure, err)
		r.lastError = err.Error()
		return Record{}, err
	}

	if len(data) < FramingBytes {
		terr := &TruncatedRecordError{Index: index, CaptureLength: len(data)}
		r.lastError = terr.Error()
		return Record{}, terr
	}

	if !r.started {
		r.startTime = ci.Timestamp
		r.started = true
	}

	payload := make([]byte, len(data)-FramingBytes)
	copy(payload, data[FramingBytes:])
	return Record{
		Payload:   payload,
		Length:    len(payload),
		Elapsed:   elapsedSeconds(ci.Timestamp, r.startTime),
		Timestamp: ci.Timestamp,
		Index:     index,
	}, nil
}

// ForEachPacket calls fn for every remaining record until the file is
// exhausted or fn returns an error. Truncated records are passed over.
// It returns nil at a clean end of file.
func (r *PacketFileReader) ForEachPacket(fn func(Record) error) error {
	for {
		rec, err := r.NextPacket()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, ErrTruncatedRecord) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// elapsedSeconds computes end-start in seconds from whole seconds and
// microseconds, matching the resolution of classic pcap timestamps.
func elapsedSeconds(end, start time.Time) float64 {
	sec := end.Unix() - start.Unix()
	usec := int64(end.Nanosecond()/1000) - int64(start.Nanosecond()/1000)
	return float64(sec) + float64(usec)/1000000.0
}
