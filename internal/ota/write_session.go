package ota

import (
	"github.com/pkg/errors"

	"github.com/Gammanik/firmware-ota/internal/flash"
	"github.com/Gammanik/firmware-ota/internal/image"
	"github.com/Gammanik/firmware-ota/internal/logging"
	"github.com/Gammanik/firmware-ota/internal/partition"
)

// Medium носитель, на котором лежат разделы
type Medium interface {
	Lock(partition.Region) error
	Unlock(partition.Region)
	Erase(r partition.Region, off, length uint32) error
	Write(r partition.Region, off uint32, p []byte) error
	Sync() error
	Map(partition.Region) (*flash.Mapping, error)
}

// WriteSession последовательная запись одного образа в раздел.
// Завершается ровно одним вызовом Finalize или Abort.
type WriteSession struct {
	medium   Medium
	region   partition.Region
	verifier *image.Verifier
	log      logging.Logger

	written uint32
	erased  uint32
	closed  bool
}

// Begin захватывает раздел и готовит его к последовательной записи.
// Если log равен nil, используется логгер компонента write-session.
func Begin(m Medium, r partition.Region, log logging.Logger) (*WriteSession, error) {
	if err := m.Lock(r); err != nil {
		if errors.Is(err, flash.ErrBusy) {
			return nil, errors.Wrap(ErrStorageBusy, err.Error())
		}
		return nil, errors.Wrap(ErrStorageFault, err.Error())
	}

	s := &WriteSession{
		medium:   m,
		region:   r,
		verifier: image.NewVerifier(),
	}
	if log == nil {
		log = logging.New("write-session")
	}
	s.log = log.WithField("region", r.Label)
	if err := s.eraseTo(1); err != nil {
		m.Unlock(r)
		return nil, err
	}
	return s, nil
}

func (s *WriteSession) eraseSize() uint32 {
	if s.region.EraseSize == 0 {
		return partition.DefaultEraseSize
	}
	return s.region.EraseSize
}

// eraseTo стирает секторы, пока не будет стерто хотя бы end байт
func (s *WriteSession) eraseTo(end uint32) error {
	es := s.eraseSize()
	for s.erased < end {
		if err := s.medium.Erase(s.region, s.erased, es); err != nil {
			return errors.Wrapf(ErrStorageFault, "erase 0x%x: %v", s.erased, err)
		}
		s.erased += es
	}
	return nil
}

// Write дописывает p в конец записанных данных. Выравнивание не требуется.
func (s *WriteSession) Write(p []byte) error {
	if s.closed {
		return ErrSessionClosed
	}
	if len(p) == 0 {
		return nil
	}

	end := uint64(s.written) + uint64(len(p))
	if end > uint64(s.region.Size) {
		return errors.Wrapf(ErrStorageFault, "image exceeds region %q of %d bytes", s.region.Label, s.region.Size)
	}
	if err := s.eraseTo(uint32(end)); err != nil {
		return err
	}
	if err := s.medium.Write(s.region, s.written, p); err != nil {
		return errors.Wrapf(ErrStorageFault, "write at 0x%x: %v", s.written, err)
	}

	s.verifier.Write(p)
	s.written = uint32(end)
	return nil
}

// Finalize проверяет записанный образ. Сессия закрывается при любом исходе;
// при ошибке раздел остается незагружаемым.
func (s *WriteSession) Finalize() (image.Header, error) {
	if s.closed {
		return image.Header{}, ErrSessionClosed
	}
	s.closed = true
	defer s.medium.Unlock(s.region)

	if err := s.medium.Sync(); err != nil {
		s.invalidate()
		return image.Header{}, errors.Wrap(ErrStorageFault, err.Error())
	}
	if err := s.verifier.Verify(); err != nil {
		s.invalidate()
		return image.Header{}, errors.Wrap(ErrImageCorrupt, err.Error())
	}

	h, _ := s.verifier.Header()
	s.log.WithField("bytes", s.written).WithField("segments", h.SegmentCount).Info("image verified")
	return h, nil
}

// Abort освобождает раздел, оставляя его незагружаемым. Всегда успешен.
func (s *WriteSession) Abort() {
	if s.closed {
		return
	}
	s.closed = true
	s.invalidate()
	s.medium.Unlock(s.region)
	s.log.WithField("bytes", s.written).Warn("write session aborted")
}

// invalidate стирает первый сектор, чтобы заголовок образа стал недействительным
func (s *WriteSession) invalidate() {
	if s.written == 0 {
		return
	}
	if err := s.medium.Erase(s.region, 0, s.eraseSize()); err != nil {
		s.log.WithError(err).Error("unable to invalidate region")
	}
}

// Region раздел, в который идет запись
func (s *WriteSession) Region() partition.Region {
	return s.region
}

// Written число записанных байт
func (s *WriteSession) Written() int64 {
	return int64(s.written)
}
