package image

import (
	"bytes"
	"crypto/sha256"
)

// Builder собирает корректный образ приложения. Дескриптор всегда
// записывается в начало первого сегмента, за ним следует Payload.
type Builder struct {
	Descriptor   AppDescriptor
	Payload      []byte
	Extra        [][]byte
	EntryAddr    uint32
	LoadAddr     uint32
	HashAppended bool
}

// Bytes возвращает образ целиком
func (b Builder) Bytes() []byte {
	desc := b.Descriptor
	if desc.Magic == 0 {
		desc.Magic = DescriptorMagic
	}
	descBytes, _ := desc.MarshalBinary()

	segments := make([][]byte, 0, 1+len(b.Extra))
	segments = append(segments, append(descBytes, b.Payload...))
	segments = append(segments, b.Extra...)

	h := Header{
		Magic:        Magic,
		SegmentCount: byte(len(segments)),
		EntryAddr:    b.EntryAddr,
		HashAppended: b.HashAppended,
	}
	hb, _ := h.MarshalBinary()

	var out bytes.Buffer
	out.Write(hb)

	checksum := byte(ChecksumSeed)
	for i, seg := range segments {
		sh := SegmentHeader{LoadAddr: b.LoadAddr + uint32(i)*0x10000, DataLen: uint32(len(seg))}
		out.Write(sh.marshal())
		out.Write(seg)
		for _, c := range seg {
			checksum ^= c
		}
	}

	out.Write(make([]byte, checksumPadding(int64(out.Len()))))
	out.WriteByte(checksum)

	if b.HashAppended {
		sum := sha256.Sum256(out.Bytes())
		out.Write(sum[:])
	}
	return out.Bytes()
}

// PayloadFor возвращает размер Payload, при котором образ с одним
// сегментом и приложенным хешем займет ровно total байт. Второй результат
// ложен, если такой размер невозможен.
func PayloadFor(total int) (int, bool) {
	body := total - DigestSize
	if body%checksumAlign != 0 {
		return 0, false
	}
	n := body - SniffSize - 1
	return n, n >= 0
}
