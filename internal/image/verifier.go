package image

import (
	"bytes"
	"crypto/sha256"
	"hash"

	"github.com/pkg/errors"
)

type verifyState int

const (
	stateHeader verifyState = iota
	stateSegmentHeader
	stateSegmentData
	statePadding
	stateChecksum
	stateDigest
	stateDone
)

// Verifier потоково проверяет образ по мере записи. В памяти хранится
// не больше одного заголовка, сам образ не буферизуется.
//
// Ошибки формата не прерывают Write: они запоминаются и возвращаются из
// Verify, чтобы запись во флеш шла своим чередом.
type Verifier struct {
	state   verifyState
	pos     int64
	pending []byte

	header     Header
	segment    int
	remaining  uint32
	padding    int64
	checksum   byte
	hasher     hash.Hash
	digest     []byte
	imageBytes int64

	err error
}

// NewVerifier создает проверяющий объект для одного образа
func NewVerifier() *Verifier {
	return &Verifier{
		pending:  make([]byte, 0, DigestSize),
		checksum: ChecksumSeed,
		hasher:   sha256.New(),
	}
}

// Write принимает следующий фрагмент образа. Всегда принимает весь фрагмент.
func (v *Verifier) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 && v.err == nil && v.state != stateDone {
		p = v.step(p)
	}
	return n, nil
}

// step обрабатывает начало p и возвращает необработанный остаток
func (v *Verifier) step(p []byte) []byte {
	switch v.state {
	case stateHeader:
		rest, full := v.collect(p, HeaderSize, true)
		if !full {
			return rest
		}
		h, _ := ParseHeader(v.pending)
		v.pending = v.pending[:0]
		if err := h.Validate(); err != nil {
			v.err = err
			return nil
		}
		v.header = h
		v.state = stateSegmentHeader
		return rest

	case stateSegmentHeader:
		rest, full := v.collect(p, SegmentHeaderSize, true)
		if !full {
			return rest
		}
		sh := parseSegmentHeader(v.pending)
		v.pending = v.pending[:0]
		v.remaining = sh.DataLen
		v.state = stateSegmentData
		if v.remaining == 0 {
			v.endSegment()
		}
		return rest

	case stateSegmentData:
		take := len(p)
		if uint32(take) > v.remaining {
			take = int(v.remaining)
		}
		for _, b := range p[:take] {
			v.checksum ^= b
		}
		v.consume(p[:take], true)
		v.remaining -= uint32(take)
		if v.remaining == 0 {
			v.endSegment()
		}
		return p[take:]

	case statePadding:
		take := int64(len(p))
		if take > v.padding {
			take = v.padding
		}
		v.consume(p[:take], true)
		v.padding -= take
		if v.padding == 0 {
			v.state = stateChecksum
		}
		return p[take:]

	case stateChecksum:
		v.consume(p[:1], true)
		if p[0] != v.checksum {
			v.err = errors.Wrapf(ErrChecksum, "stored 0x%02x, calculated 0x%02x", p[0], v.checksum)
			return nil
		}
		v.imageBytes = v.pos
		if v.header.HashAppended {
			v.state = stateDigest
		} else {
			v.state = stateDone
		}
		return p[1:]

	case stateDigest:
		rest, full := v.collect(p, DigestSize, false)
		if !full {
			return rest
		}
		sum := v.hasher.Sum(nil)
		if !bytes.Equal(sum, v.pending) {
			v.err = errors.Wrap(ErrDigest, "appended digest does not match image")
			return nil
		}
		v.digest = sum
		v.imageBytes = v.pos
		v.state = stateDone
		return rest
	}
	return nil
}

func (v *Verifier) endSegment() {
	v.segment++
	if v.segment < int(v.header.SegmentCount) {
		v.state = stateSegmentHeader
		return
	}
	v.padding = checksumPadding(v.pos)
	if v.padding == 0 {
		v.state = stateChecksum
	} else {
		v.state = statePadding
	}
}

// collect добирает pending до size байт
func (v *Verifier) collect(p []byte, size int, hashed bool) ([]byte, bool) {
	need := size - len(v.pending)
	if need > len(p) {
		need = len(p)
	}
	v.pending = append(v.pending, p[:need]...)
	v.consume(p[:need], hashed)
	return p[need:], len(v.pending) == size
}

func (v *Verifier) consume(p []byte, hashed bool) {
	if hashed {
		v.hasher.Write(p)
	}
	v.pos += int64(len(p))
}

// Verify возвращает результат проверки всего записанного образа
func (v *Verifier) Verify() error {
	if v.err != nil {
		return v.err
	}
	if v.state != stateDone {
		return errors.Wrapf(ErrTruncated, "image ends after %d bytes", v.pos)
	}
	return nil
}

// Header заголовок образа, если он уже прочитан
func (v *Verifier) Header() (Header, bool) {
	return v.header, v.state > stateHeader
}

// Size размер образа без хвостовых байт; ноль до завершения проверки
func (v *Verifier) Size() int64 {
	if v.state != stateDone {
		return 0
	}
	return v.imageBytes
}

// Digest приложенный SHA-256, если образ его содержит
func (v *Verifier) Digest() []byte {
	return v.digest
}
