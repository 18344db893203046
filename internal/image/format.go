// Package image разбирает и проверяет образы приложений ESP32.
//
// Формат образа (little-endian):
//
//	заголовок образа      24 байта
//	заголовок сегмента     8 байт  } повторяется SegmentCount раз
//	данные сегмента        N байт  }
//	выравнивание нулями до конца 16-байтного блока, последний байт которого:
//	контрольная сумма (0xEF XOR все байты данных сегментов)
//	SHA-256 всех предыдущих байт, если HashAppended
//
// Дескриптор приложения (256 байт) лежит в начале данных первого сегмента.
package image

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	HeaderSize        = 24
	SegmentHeaderSize = 8
	DescriptorSize    = 256
	DigestSize        = 32

	// DescriptorOffset смещение дескриптора от начала образа
	DescriptorOffset = HeaderSize + SegmentHeaderSize

	// SniffSize минимальный размер первого фрагмента потока, из которого
	// можно извлечь дескриптор
	SniffSize = DescriptorOffset + DescriptorSize

	Magic           = 0xE9
	DescriptorMagic = 0xABCD5432
	ChecksumSeed    = 0xEF
	MaxSegments     = 16

	checksumAlign = 16
)

var (
	ErrHeaderTooSmall = errors.New("chunk is smaller than image header and app descriptor")
	ErrBadMagic       = errors.New("bad image magic")
	ErrSegmentCount   = errors.New("invalid segment count")
	ErrChecksum       = errors.New("image checksum mismatch")
	ErrDigest         = errors.New("image SHA-256 mismatch")
	ErrTruncated      = errors.New("image is truncated")
)

// Header заголовок образа
type Header struct {
	Magic          byte
	SegmentCount   byte
	SPIMode        byte
	SPISpeedSize   byte
	EntryAddr      uint32
	WPPin          byte
	SPIPinDrv      [3]byte
	ChipID         uint16
	MinChipRev     byte
	MinChipRevFull uint16
	MaxChipRevFull uint16
	HashAppended   bool
}

// ParseHeader разбирает первые HeaderSize байт образа
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrapf(ErrTruncated, "header needs %d bytes, got %d", HeaderSize, len(b))
	}
	h := Header{
		Magic:          b[0],
		SegmentCount:   b[1],
		SPIMode:        b[2],
		SPISpeedSize:   b[3],
		EntryAddr:      binary.LittleEndian.Uint32(b[4:8]),
		WPPin:          b[8],
		ChipID:         binary.LittleEndian.Uint16(b[12:14]),
		MinChipRev:     b[14],
		MinChipRevFull: binary.LittleEndian.Uint16(b[15:17]),
		MaxChipRevFull: binary.LittleEndian.Uint16(b[17:19]),
		HashAppended:   b[23] == 1,
	}
	copy(h.SPIPinDrv[:], b[9:12])
	return h, nil
}

// Validate проверяет магическое число и число сегментов
func (h Header) Validate() error {
	if h.Magic != Magic {
		return errors.Wrapf(ErrBadMagic, "got 0x%02x", h.Magic)
	}
	if h.SegmentCount == 0 || h.SegmentCount > MaxSegments {
		return errors.Wrapf(ErrSegmentCount, "got %d", h.SegmentCount)
	}
	return nil
}

// MarshalBinary кодирует заголовок
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	b[0] = h.Magic
	b[1] = h.SegmentCount
	b[2] = h.SPIMode
	b[3] = h.SPISpeedSize
	binary.LittleEndian.PutUint32(b[4:8], h.EntryAddr)
	b[8] = h.WPPin
	copy(b[9:12], h.SPIPinDrv[:])
	binary.LittleEndian.PutUint16(b[12:14], h.ChipID)
	b[14] = h.MinChipRev
	binary.LittleEndian.PutUint16(b[15:17], h.MinChipRevFull)
	binary.LittleEndian.PutUint16(b[17:19], h.MaxChipRevFull)
	if h.HashAppended {
		b[23] = 1
	}
	return b, nil
}

// SegmentHeader заголовок сегмента
type SegmentHeader struct {
	LoadAddr uint32
	DataLen  uint32
}

func parseSegmentHeader(b []byte) SegmentHeader {
	return SegmentHeader{
		LoadAddr: binary.LittleEndian.Uint32(b[0:4]),
		DataLen:  binary.LittleEndian.Uint32(b[4:8]),
	}
}

func (s SegmentHeader) marshal() []byte {
	b := make([]byte, SegmentHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], s.LoadAddr)
	binary.LittleEndian.PutUint32(b[4:8], s.DataLen)
	return b
}

// checksumPadding число нулевых байт между концом сегментов (unpadded байт
// от начала образа) и байтом контрольной суммы
func checksumPadding(unpadded int64) int64 {
	return (checksumAlign - (unpadded+1)%checksumAlign) % checksumAlign
}
