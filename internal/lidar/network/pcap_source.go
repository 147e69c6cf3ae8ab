//go:build pcap
// +build pcap

package network

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// libpcapSource reads capture files through libpcap. The filter runs inside
// libpcap, so skipped records are not visible to Position.
type libpcapSource struct {
	handle *pcap.Handle
	read   uint64
}

func openLibpcapSource(path string) (captureSource, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, &stageError{stage: StageOpen, err: fmt.Errorf("failed to open PCAP file %s: %w", path, err)}
	}
	return &libpcapSource{handle: handle}, nil
}

func (s *libpcapSource) LinkType() layers.LinkType {
	return s.handle.LinkType()
}

func (s *libpcapSource) SetFilter(expr string) error {
	insns, err := s.handle.CompileBPFFilter(expr)
	if err != nil {
		return &stageError{stage: StageCompile, err: fmt.Errorf("failed to compile BPF filter '%s': %w", expr, err)}
	}
	if err := s.handle.SetBPFInstructionFilter(insns); err != nil {
		return &stageError{stage: StageInstall, err: fmt.Errorf("failed to set BPF filter '%s': %w", expr, err)}
	}
	return nil
}

func (s *libpcapSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.handle.ReadPacketData()
	if err == nil {
		s.read++
	}
	return data, ci, err
}

func (s *libpcapSource) Position() (uint64, uint64) {
	return s.read, 0
}

func (s *libpcapSource) Close() error {
	s.handle.Close()
	return nil
}
