package network

import (
	"errors"
	"fmt"
	"io"
	"log"
)

// PCAPCount reports how many records of a capture file match a filter.
type PCAPCount struct {
	Matched   uint64 // records returned as payloads
	Truncated uint64 // matching records shorter than FramingBytes
	Skipped   uint64 // records rejected by the filter
}

// CountPCAPPackets counts the UDP records matching opts.Filter in a capture
// file. This enables progress reporting and offset-based seeking.
func CountPCAPPackets(pcapFile string, opts ReaderOptions) (PCAPCount, error) {
	reader := NewPacketFileReader(opts)
	if err := reader.Open(pcapFile); err != nil {
		return PCAPCount{}, fmt.Errorf("failed to open PCAP file %s for counting: %w", pcapFile, err)
	}
	defer reader.Close()

	var count PCAPCount
	for {
		_, err := reader.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, ErrTruncatedRecord) {
			count.Truncated++
			continue
		}
		if err != nil {
			return count, fmt.Errorf("failed counting %s after %d packets: %w", pcapFile, count.Matched, err)
		}
		count.Matched++
	}
	count.Skipped = reader.Skipped()

	log.Printf("PCAP packet count: %d packets matching filter '%s' in %s (%d truncated, %d skipped)",
		count.Matched, reader.opts.Filter, pcapFile, count.Truncated, count.Skipped)
	return count, nil
}
