package network

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"
)

// DefaultFilter selects every UDP datagram carried over IPv4 or IPv6.
const DefaultFilter = "udp"

// Ethernet frame offsets used by the filter programs.
const (
	ethTypeOffset  = 12
	ethHeaderLen   = 14
	ipv4ProtoOff   = ethHeaderLen + 9
	ipv4FragOff    = ethHeaderLen + 6
	ipv6NextHdrOff = ethHeaderLen + 6
	ipv6HeaderLen  = 40

	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd
	ipProtoUDP    = 17
)

// ErrUnsupportedFilter is returned by CompileFilter for expressions outside
// the small grammar understood by the native backend.
var ErrUnsupportedFilter = errors.New("unsupported filter expression")

// portMatch describes which UDP header port fields a filter inspects.
type portMatch struct {
	port    uint16
	offsets []uint32 // offsets into the UDP header: 0 = source, 2 = destination
}

// parseFilter understands:
//
//	udp
//	udp port N
//	udp src port N
//	udp dst port N
func parseFilter(expr string) (*portMatch, error) {
	fields := strings.Fields(strings.ToLower(expr))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrUnsupportedFilter)
	}
	if fields[0] != "udp" {
		return nil, fmt.Errorf("%w: %q (only udp is supported)", ErrUnsupportedFilter, expr)
	}
	rest := fields[1:]
	if len(rest) == 0 {
		return nil, nil
	}

	offsets := []uint32{0, 2}
	switch rest[0] {
	case "src":
		offsets = []uint32{0}
		rest = rest[1:]
	case "dst":
		offsets = []uint32{2}
		rest = rest[1:]
	}
	if len(rest) != 2 || rest[0] != "port" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFilter, expr)
	}
	port, err := strconv.ParseUint(rest[1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid port %q", ErrUnsupportedFilter, rest[1])
	}
	return &portMatch{port: uint16(port), offsets: offsets}, nil
}

// CompileFilter translates a filter expression into a classic BPF program for
// the given link type. Only Ethernet framing is supported. Accepted packets
// return snapLen bytes; rejected packets return zero.
func CompileFilter(expr string, link layers.LinkType, snapLen int) ([]bpf.Instruction, error) {
	if link != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("%w: link type %s is not Ethernet", ErrUnsupportedFilter, link)
	}
	if snapLen <= 0 {
		snapLen = 65535
	}
	pm, err := parseFilter(expr)
	if err != nil {
		return nil, err
	}

	b := newProgBuilder()
	b.emit(bpf.LoadAbsolute{Off: ethTypeOffset, Size: 2})
	b.jumpIf(bpf.JumpEqual, etherTypeIPv6, "ip6", "")
	b.jumpIf(bpf.JumpEqual, etherTypeIPv4, "", "reject")

	// IPv4
	b.emit(bpf.LoadAbsolute{Off: ipv4ProtoOff, Size: 1})
	b.jumpIf(bpf.JumpEqual, ipProtoUDP, "", "reject")
	if pm != nil {
		// Later fragments carry no UDP header.
		b.emit(bpf.LoadAbsolute{Off: ipv4FragOff, Size: 2})
		b.jumpIf(bpf.JumpBitsSet, 0x1fff, "reject", "")
		b.emit(bpf.LoadMemShift{Off: ethHeaderLen})
		for _, off := range pm.offsets {
			b.emit(bpf.LoadIndirect{Off: ethHeaderLen + off, Size: 2})
			b.jumpIf(bpf.JumpEqual, uint32(pm.port), "accept", "")
		}
		b.jump("reject")
	} else {
		b.jump("accept")
	}

	// IPv6, without extension header traversal.
	b.label("ip6")
	b.emit(bpf.LoadAbsolute{Off: ipv6NextHdrOff, Size: 1})
	b.jumpIf(bpf.JumpEqual, ipProtoUDP, "", "reject")
	if pm != nil {
		for _, off := range pm.offsets {
			b.emit(bpf.LoadAbsolute{Off: ethHeaderLen + ipv6HeaderLen + off, Size: 2})
			b.jumpIf(bpf.JumpEqual, uint32(pm.port), "accept", "")
		}
		b.jump("reject")
	}

	b.label("accept")
	b.emit(bpf.RetConstant{Val: uint32(snapLen)})
	b.label("reject")
	b.emit(bpf.RetConstant{Val: 0})

	return b.build()
}

// PacketFilter runs a compiled BPF program against raw frames.
type PacketFilter struct {
	vm    *bpf.VM
	insns []bpf.Instruction
}

// InstallFilter validates the program and loads it into a BPF virtual machine.
func InstallFilter(insns []bpf.Instruction) (*PacketFilter, error) {
	if _, err := bpf.Assemble(insns); err != nil {
		return nil, fmt.Errorf("failed to assemble BPF program: %w", err)
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF program: %w", err)
	}
	return &PacketFilter{vm: vm, insns: insns}, nil
}

// Match reports whether the frame is accepted by the filter. Frames that are
// too short for a load performed by the program are rejected.
func (f *PacketFilter) Match(frame []byte) bool {
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}

// Instructions returns the installed program.
func (f *PacketFilter) Instructions() []bpf.Instruction {
	return f.insns
}

// progBuilder assembles a BPF program whose jumps refer to named labels.
// An empty label means "fall through to the next instruction".
type progBuilder struct {
	insns  []bpf.Instruction
	labels map[string]int
	fixups []jumpFixup
}

type jumpFixup struct {
	at     int
	jt, jf string
}

func newProgBuilder() *progBuilder {
	return &progBuilder{labels: make(map[string]int)}
}

func (b *progBuilder) emit(ins bpf.Instruction) {
	b.insns = append(b.insns, ins)
}

func (b *progBuilder) label(name string) {
	b.labels[name] = len(b.insns)
}

func (b *progBuilder) jumpIf(cond bpf.JumpTest, val uint32, jt, jf string) {
	b.fixups = append(b.fixups, jumpFixup{at: len(b.insns), jt: jt, jf: jf})
	b.emit(bpf.JumpIf{Cond: cond, Val: val})
}

func (b *progBuilder) jump(to string) {
	b.fixups = append(b.fixups, jumpFixup{at: len(b.insns), jt: to})
	b.emit(bpf.Jump{})
}

func (b *progBuilder) skipTo(at int, name string) (int, error) {
	if name == "" {
		return 0, nil
	}
	target, ok := b.labels[name]
	if !ok {
		return 0, fmt.Errorf("undefined BPF label %q", name)
	}
	skip := target - at - 1
	if skip < 0 {
		return 0, fmt.Errorf("backward BPF jump to %q", name)
	}
	return skip, nil
}

func (b *progBuilder) build() ([]bpf.Instruction, error) {
	for _, f := range b.fixups {
		jt, err := b.skipTo(f.at, f.jt)
		if err != nil {
			return nil, err
		}
		switch ins := b.insns[f.at].(type) {
		case bpf.JumpIf:
			jf, err := b.skipTo(f.at, f.jf)
			if err != nil {
				return nil, err
			}
			if jt > 255 || jf > 255 {
				return nil, fmt.Errorf("BPF conditional jump out of range at %d", f.at)
			}
			ins.SkipTrue = uint8(jt)
			ins.SkipFalse = uint8(jf)
			b.insns[f.at] = ins
		case bpf.Jump:
			ins.Skip = uint32(jt)
			b.insns[f.at] = ins
		}
	}
	return b.insns, nil
}
