package network

import (
	"errors"
	"io"
	"sync"
)

// PCAPReader defines an interface for reading UDP payloads from capture files.
// PacketFileReader is the production implementation; this abstraction enables
// unit testing of replay without real capture files.
type PCAPReader interface {
	// Open opens a capture file for reading, closing any file already open.
	Open(filename string) error

	// IsOpen reports whether a file is open.
	IsOpen() bool

	// NextPacket returns the next record from the file.
	// Returns io.EOF when no more packets are available.
	NextPacket() (Record, error)

	// Close closes the reader and releases resources.
	Close()

	// LastError returns the last recorded error message.
	LastError() string

	// FileName returns the currently open file, or "" when closed.
	FileName() string
}

var _ PCAPReader = (*PacketFileReader)(nil)

// MockPCAPReader implements PCAPReader for testing.
type MockPCAPReader struct {
	mu sync.Mutex

	// Records holds the records to return from NextPacket. An entry whose
	// Err is set is returned as an error instead of a record.
	Records []MockRecord

	// ReadIndex tracks the current position in Records.
	ReadIndex int

	// OpenError is returned by Open if set.
	OpenError error

	// OpenedFile records the filename passed to Open.
	OpenedFile string

	// OpenCalls and CloseCalls count lifecycle calls.
	OpenCalls  int
	CloseCalls int

	open    bool
	lastErr string
}

// MockRecord is a record or error returned by MockPCAPReader.
type MockRecord struct {
	Record Record
	Err    error
}

// NewMockPCAPReader creates a new MockPCAPReader with the given records.
func NewMockPCAPReader(records []Record) *MockPCAPReader {
	m := &MockPCAPReader{}
	for _, rec := range records {
		m.Records = append(m.Records, MockRecord{Record: rec})
	}
	return m
}

// Open records the filename and returns any configured error.
func (m *MockPCAPReader) Open(filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OpenCalls++
	m.OpenedFile = filename
	if m.OpenError != nil {
		m.lastErr = m.OpenError.Error()
		m.open = false
		return m.OpenError
	}
	m.open = true
	m.lastErr = ""
	return nil
}

// IsOpen reports whether Open succeeded and Close has not been called since.
func (m *MockPCAPReader) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// NextPacket returns the next record from the mock buffer. Like
// PacketFileReader it closes itself at the end of the buffer and on errors
// other than ErrTruncatedRecord.
func (m *MockPCAPReader) NextPacket() (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open || m.ReadIndex >= len(m.Records) {
		m.open = false
		return Record{}, io.EOF
	}
	next := m.Records[m.ReadIndex]
	m.ReadIndex++
	if next.Err != nil {
		m.lastErr = next.Err.Error()
		if !errors.Is(next.Err, ErrTruncatedRecord) {
			m.open = false
		}
		return Record{}, next.Err
	}
	return next.Record, nil
}

// Close marks the reader as closed.
func (m *MockPCAPReader) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	m.open = false
}

// LastError returns the last configured error message.
func (m *MockPCAPReader) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// FileName returns the opened filename while open.
func (m *MockPCAPReader) FileName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ""
	}
	return m.OpenedFile
}

// AddRecord appends a record to the mock reader.
func (m *MockPCAPReader) AddRecord(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, MockRecord{Record: rec})
}

// AddError appends an error to be returned in sequence.
func (m *MockPCAPReader) AddError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, MockRecord{Err: err})
}

// Reset rewinds the mock reader for reuse.
func (m *MockPCAPReader) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadIndex = 0
	m.open = false
	m.OpenedFile = ""
	m.OpenError = nil
	m.lastErr = ""
	m.OpenCalls = 0
	m.CloseCalls = 0
}
