package command

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PacketSize is the length of a control transfer payload.
const PacketSize = 5

var ErrPacketSize = errors.New("command: control packet must be 5 bytes")

// Packet is the payload of a vendor control request: the board input the
// command is addressed to, followed by the little-endian command word.
type Packet struct {
	Input uint8
	Word  uint32
}

func (p Packet) MarshalBinary() ([]byte, error) {
	b := make([]byte, PacketSize)
	b[0] = p.Input
	binary.LittleEndian.PutUint32(b[1:], p.Word)
	return b, nil
}

func (p *Packet) UnmarshalBinary(b []byte) error {
	if len(b) != PacketSize {
		return ErrPacketSize
	}
	p.Input = b[0]
	p.Word = binary.LittleEndian.Uint32(b[1:])
	return nil
}
