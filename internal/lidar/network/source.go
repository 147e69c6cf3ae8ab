package network

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Backend selects the capture-file decoder used by PacketFileReader.
type Backend string

const (
	// BackendNative decodes pcap and pcapng files in pure Go and evaluates
	// filters with the x/net/bpf virtual machine.
	BackendNative Backend = "native"
	// BackendLibpcap delegates decoding and filtering to libpcap. It is only
	// available when built with the 'pcap' build tag.
	BackendLibpcap Backend = "libpcap"
)

// captureSource is a sequential reader over one capture file. Sources own
// their file handle and apply the installed filter themselves, so
// ReadPacketData only ever yields matching frames.
type captureSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	SetFilter(expr string) error
	// Position returns the number of records consumed from the file,
	// matching or not, and how many of them the filter skipped.
	Position() (read, skipped uint64)
	Close() error
}

// stageError tags a source failure with the Open stage it happened in.
type stageError struct {
	stage OpenStage
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// Capture file magic numbers as they appear in the first four bytes.
const (
	magicMicroseconds = 0xa1b2c3d4
	magicNanoseconds  = 0xa1b23c4d
	magicPcapNG       = 0x0a0d0d0a
)

type fileFormat int

const (
	formatUnknown fileFormat = iota
	formatPcap
	formatPcapNG
)

func detectFormat(magic []byte) fileFormat {
	be := binary.BigEndian.Uint32(magic)
	le := binary.LittleEndian.Uint32(magic)
	switch {
	case be == magicPcapNG:
		return formatPcapNG
	case be == magicMicroseconds || le == magicMicroseconds,
		be == magicNanoseconds || le == magicNanoseconds:
		return formatPcap
	}
	return formatUnknown
}

// packetDataReader is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetDataReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// nativeSource reads capture files with gopacket/pcapgo.
type nativeSource struct {
	file    *os.File
	reader  packetDataReader
	snapLen int
	filter  *PacketFilter
	read    uint64
	skipped uint64
}

func openNativeSource(path string) (*nativeSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &stageError{stage: StageOpen, err: err}
	}

	br := bufio.NewReaderSize(f, 1<<16)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, &stageError{stage: StageFormat, err: fmt.Errorf("file too short for a capture header: %w", err)}
	}

	src := &nativeSource{file: f, snapLen: 65535}
	switch detectFormat(magic) {
	case formatPcap:
		r, err := pcapgo.NewReader(br)
		if err != nil {
			f.Close()
			return nil, &stageError{stage: StageFormat, err: err}
		}
		if snap := int(r.Snaplen()); snap > 0 {
			src.snapLen = snap
		}
		src.reader = r
	case formatPcapNG:
		r, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			f.Close()
			return nil, &stageError{stage: StageFormat, err: err}
		}
		src.reader = r
	default:
		f.Close()
		return nil, &stageError{stage: StageFormat, err: fmt.Errorf("unknown capture file magic 0x%x", magic)}
	}
	return src, nil
}

func (s *nativeSource) LinkType() layers.LinkType {
	return s.reader.LinkType()
}

func (s *nativeSource) SetFilter(expr string) error {
	insns, err := CompileFilter(expr, s.LinkType(), s.snapLen)
	if err != nil {
		return &stageError{stage: StageCompile, err: err}
	}
	filter, err := InstallFilter(insns)
	if err != nil {
		return &stageError{stage: StageInstall, err: err}
	}
	s.filter = filter
	return nil
}

func (s *nativeSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	for {
		data, ci, err := s.reader.ReadPacketData()
		if err != nil {
			return nil, ci, err
		}
		s.read++
		if s.filter == nil || s.filter.Match(data) {
			return data, ci, nil
		}
		s.skipped++
	}
}

func (s *nativeSource) Position() (uint64, uint64) {
	return s.read, s.skipped
}

func (s *nativeSource) Close() error {
	return s.file.Close()
}

// openSource opens path with the requested backend.
func openSource(path string, backend Backend) (captureSource, error) {
	switch backend {
	case "", BackendNative:
		return openNativeSource(path)
	case BackendLibpcap:
		return openLibpcapSource(path)
	}
	return nil, &stageError{stage: StageOpen, err: fmt.Errorf("unknown capture backend %q", backend)}
}
