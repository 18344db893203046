// Package readback отдает содержимое раздела данных (обычно coredump)
// последовательностью фрагментов фиксированного размера.
package readback

import (
	"io"

	"github.com/pkg/errors"

	"github.com/Gammanik/firmware-ota/internal/flash"
	"github.com/Gammanik/firmware-ota/internal/logging"
	"github.com/Gammanik/firmware-ota/internal/ota"
	"github.com/Gammanik/firmware-ota/internal/partition"
)

// DefaultChunkSize размер фрагмента по умолчанию
const DefaultChunkSize = 1024

// Mapper отображает раздел в память только для чтения
type Mapper interface {
	Map(partition.Region) (*flash.Mapping, error)
}

// Option опция потока чтения
type Option func(*Stream)

// WithChunkSize задает размер фрагмента; неположительные значения игнорируются
func WithChunkSize(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithLogger задает логгер
func WithLogger(l logging.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.log = l
		}
	}
}

// OnChunk задает функцию, вызываемую после отправки каждого фрагмента в WriteTo
func OnChunk(fn func()) Option {
	return func(s *Stream) {
		s.onChunk = fn
	}
}

// Stream конечная, неперезапускаемая последовательность фрагментов раздела.
// Отображение удерживается, пока поток не закончится или не будет закрыт.
type Stream struct {
	region    partition.Region
	mapping   *flash.Mapping
	chunkSize int
	offset    int
	log       logging.Logger
	onChunk   func()
}

// Open находит раздел данных с меткой label и отображает его в память
func Open(catalog *partition.Catalog, m Mapper, label string, opts ...Option) (*Stream, error) {
	region, ok := catalog.Find(partition.ByLabel(partition.ClassData, label))
	if !ok {
		return nil, errors.Wrapf(ota.ErrNotFound, "data region %q", label)
	}

	s := &Stream{
		region:    region,
		chunkSize: DefaultChunkSize,
		log:       logging.New("readback"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("region", region.Label)

	mapping, err := m.Map(region)
	if err != nil {
		return nil, ota.MapError(err)
	}
	s.mapping = mapping
	return s, nil
}

// Region раздел, который читает поток
func (s *Stream) Region() partition.Region {
	return s.region
}

// Size полный размер потока в байтах
func (s *Stream) Size() int64 {
	return int64(s.region.Size)
}

// Next возвращает следующий фрагмент. После последнего фрагмента
// возвращает io.EOF и освобождает отображение. Фрагмент действителен
// до следующего вызова Next или Close.
func (s *Stream) Next() ([]byte, error) {
	if s.mapping == nil {
		return nil, io.EOF
	}

	data := s.mapping.Bytes()
	if s.offset >= len(data) {
		s.Close()
		return nil, io.EOF
	}

	end := s.offset + s.chunkSize
	if end > len(data) {
		end = len(data)
	}
	chunk := data[s.offset:end]
	s.offset = end
	return chunk, nil
}

// WriteTo отдает поток целиком в w. Отображение освобождается при любом
// исходе; ошибка записи в w становится ota.ErrTransportFault.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	defer s.Close()

	var total int64
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			s.log.WithField("bytes", total).Info("region sent")
			return total, nil
		}
		if err != nil {
			return total, err
		}

		n, err := w.Write(chunk)
		total += int64(n)
		if err == nil && n < len(chunk) {
			err = io.ErrShortWrite
		}
		if err != nil {
			s.log.WithError(err).WithField("bytes", total).Warn("send failed")
			return total, errors.Wrap(ota.ErrTransportFault, err.Error())
		}
		if s.onChunk != nil {
			s.onChunk()
		}
	}
}

// Close освобождает отображение. Повторный вызов безопасен.
func (s *Stream) Close() error {
	if s.mapping == nil {
		return nil
	}
	err := s.mapping.Close()
	s.mapping = nil
	return errors.Wrap(err, "unmap region")
}
