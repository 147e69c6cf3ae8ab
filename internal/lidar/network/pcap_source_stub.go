//go:build !pcap
// +build !pcap

package network

import "fmt"

// openLibpcapSource is a stub used when libpcap support is not compiled in.
// Build with -tags=pcap to enable the libpcap backend.
func openLibpcapSource(path string) (captureSource, error) {
	return nil, &stageError{stage: StageOpen, err: fmt.Errorf("libpcap backend not enabled: rebuild with -tags=pcap to read %s through libpcap", path)}
}
