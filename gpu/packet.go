// Package gpu turns guest command buffers into host device commands.
package gpu

import "fmt"

// Opcode identifies a type-3 packet.
type Opcode uint8

const (
	OpNop             Opcode = 0x10
	OpDispatchDirect  Opcode = 0x15
	OpDrawIndexAuto   Opcode = 0x2d
	OpReleaseMem      Opcode = 0x49
	OpSetResource     Opcode = 0xf0
	OpSetShader       Opcode = 0xf1
	OpReleaseResource Opcode = 0xf2
	OpPresent         Opcode = 0xf3
)

var opNames = map[Opcode]string{
	OpNop:             "NOP",
	OpDispatchDirect:  "DISPATCH_DIRECT",
	OpDrawIndexAuto:   "DRAW_INDEX_AUTO",
	OpReleaseMem:      "RELEASE_MEM",
	OpSetResource:     "SET_RESOURCE",
	OpSetShader:       "SET_SHADER",
	OpReleaseResource: "RELEASE_RESOURCE",
	OpPresent:         "PRESENT",
}

func (o Opcode) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}

	return fmt.Sprintf("OP_%#02x", uint8(o))
}

const (
	packetType2 = 2
	packetType3 = 3

	// type-2 packets are single dword fillers
	Filler uint32 = packetType2 << 30
)

// Header builds a type-3 header for a packet with count body dwords.
func Header(op Opcode, count int) uint32 {
	return packetType3<<30 | uint32(count-1)&0x3fff<<16 | uint32(op)<<8
}

// Build encodes one packet.
func Build(op Opcode, body ...uint32) []uint32 {
	if len(body) == 0 {
		body = []uint32{0}
	}

	return append([]uint32{Header(op, len(body))}, body...)
}

// Packet is one decoded command. Offset is the dword index of its header in
// the submission.
type Packet struct {
	Op     Opcode
	Offset int
	Body   []uint32
}

// Parse splits a submission into packets. Dwords that cannot start a valid
// packet are reported and skipped one at a time, so a single bad header
// never hides the packets after it.
func Parse(dwords []uint32, report func(offset int, msg string)) []Packet {
	var pkts []Packet

	for i := 0; i < len(dwords); {
		h := dwords[i]

		switch h >> 30 {
		case packetType2:
			i++
			continue
		case packetType3:
		default:
			report(i, fmt.Sprintf("unsupported packet type %d", h>>30))
			i++
			continue
		}

		count := int(h>>16&0x3fff) + 1
		op := Opcode(h >> 8)

		if i+1+count > len(dwords) {
			report(i, fmt.Sprintf("%s packet with %d dwords overruns the submission", op, count))
			i++
			continue
		}

		pkts = append(pkts, Packet{
			Op:     op,
			Offset: i,
			Body:   dwords[i+1 : i+1+count],
		})

		i += 1 + count
	}

	return pkts
}
