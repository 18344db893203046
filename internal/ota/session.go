package ota

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/Gammanik/firmware-ota/internal/image"
	"github.com/Gammanik/firmware-ota/internal/logging"
	"github.com/Gammanik/firmware-ota/internal/partition"
)

// UpdateSession одна попытка обновления прошивки из потока известной длины.
// Сессия одноразовая: после Run ее можно только опрашивать.
type UpdateSession struct {
	ID string

	engine *Engine
	log    logging.Logger

	mu         sync.RWMutex
	state      State
	declared   int64
	consumed   int64
	target     partition.Region
	descriptor image.AppDescriptor
	write      *WriteSession
	err        error
	started    bool
}

// Run читает образ из r, пишет его в OTA-слот, проверяет и делает
// слот загрузочным. Любой выход с ошибкой освобождает раздел.
func (s *UpdateSession) Run(ctx context.Context, r io.Reader) (err error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.started = true
	s.mu.Unlock()

	e := s.engine
	defer func() {
		if err != nil {
			s.fail(err)
		}
	}()

	e.notify(EventBegin)

	if s.declared <= 0 {
		return errors.Wrap(ErrHeaderTooSmall, "empty stream")
	}

	target, ok := e.UpdateSlot()
	if !ok {
		return errors.Wrap(ErrNotFound, "no OTA update slot")
	}
	if s.declared > int64(target.Size) {
		return errors.Wrapf(ErrStorageFault, "image of %d bytes does not fit region %q", s.declared, target.Label)
	}

	s.mu.Lock()
	s.target = target
	s.state = StateHeaderPending
	s.mu.Unlock()

	s.log.WithField("region", target.Label).
		WithField("offset", target.Offset).
		WithField("bytes", s.declared).
		Info("writing to partition")

	buf := make([]byte, e.config.BufferSize)
	for s.consumed < s.declared {
		want := len(buf)
		if rest := s.declared - s.consumed; rest < int64(want) {
			want = int(rest)
		}

		n, err := s.read(ctx, r, buf[:want])
		if err != nil {
			return err
		}

		if s.write == nil {
			for n < image.SniffSize && n < want {
				m, err := s.read(ctx, r, buf[n:want])
				if err != nil {
					return err
				}
				n += m
			}
			if err := s.begin(buf[:n]); err != nil {
				return err
			}
		}

		if err := s.write.Write(buf[:n]); err != nil {
			return err
		}
		s.mu.Lock()
		s.consumed += int64(n)
		s.mu.Unlock()
	}

	e.notify(EventIdle)
	s.setState(StateFinalizing)

	// Finalize закрывает сессию записи при любом исходе
	ws := s.write
	s.write = nil
	if _, err := ws.Finalize(); err != nil {
		return err
	}

	e.notify(EventIdle)
	if err := e.boot.SetBootTarget(target); err != nil {
		return errors.Wrapf(ErrStorageFault, "set boot target %q: %v", target.Label, err)
	}

	s.setState(StateCommitted)
	e.notify(EventSuccess)
	s.log.WithField("region", target.Label).Info("prepare to system restart")
	e.restarter.ScheduleRestart(e.config.RestartDelay)
	return nil
}

// read читает в p хотя бы один байт. Таймауты повторяются на месте.
func (s *UpdateSession) read(ctx context.Context, r io.Reader, p []byte) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, errors.Wrap(ErrCancelled, err.Error())
		}

		s.engine.notify(EventIdle)
		n, err := r.Read(p)
		if n > 0 {
			// данные, пришедшие вместе с ошибкой, не теряем: ошибка
			// повторится на следующем чтении
			return n, nil
		}

		switch {
		case err == nil:
			return 0, errors.Wrap(ErrTransportFault, "empty read")
		case isTimeout(err):
			s.log.Debug("socket timeout, retrying")
			continue
		case err == io.EOF:
			return 0, errors.Wrapf(ErrTransportFault, "stream ended after %d of %d bytes", s.Consumed(), s.declared)
		default:
			return 0, errors.Wrap(ErrTransportFault, err.Error())
		}
	}
}

// begin разбирает дескриптор первого фрагмента и открывает запись
func (s *UpdateSession) begin(chunk []byte) error {
	desc, err := image.Sniff(chunk)
	if err != nil {
		return errors.Wrap(ErrHeaderTooSmall, err.Error())
	}
	s.log.WithField("project", desc.ProjectName).
		WithField("version", desc.Version).
		WithField("idf", desc.IDFVersion).
		WithField("built", desc.Date+" "+desc.Time).
		Info("new firmware")

	if running, err := s.engine.RunningDescriptor(); err == nil && running.Valid() {
		s.log.WithField("version", running.Version).Info("running firmware")
	}

	ws, err := Begin(s.engine.medium, s.target, s.log)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.descriptor = desc
	s.write = ws
	s.state = StateWriting
	s.mu.Unlock()
	return nil
}

// fail переводит сессию в конечное состояние и освобождает раздел
func (s *UpdateSession) fail(err error) {
	if s.write != nil {
		s.write.Abort()
		s.write = nil
	}

	state := StateFailed
	if errors.Is(err, ErrCancelled) {
		state = StateAborted
	}

	s.mu.Lock()
	s.state = state
	s.err = err
	s.mu.Unlock()

	s.log.WithError(err).WithField("bytes", s.Consumed()).Error("update failed")
	s.engine.notify(EventFailed)
}

func (s *UpdateSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State текущее состояние
func (s *UpdateSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Declared объявленная длина потока
func (s *UpdateSession) Declared() int64 {
	return s.declared
}

// Consumed число байт, прочитанных и записанных
func (s *UpdateSession) Consumed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consumed
}

// Target раздел, выбранный для записи
func (s *UpdateSession) Target() partition.Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

// Descriptor дескриптор записываемого образа
func (s *UpdateSession) Descriptor() image.AppDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.descriptor
}

// Err ошибка, которой завершилась сессия
func (s *UpdateSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}
