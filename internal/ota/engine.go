package ota

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Gammanik/firmware-ota/internal/flash"
	"github.com/Gammanik/firmware-ota/internal/image"
	"github.com/Gammanik/firmware-ota/internal/partition"
)

// BootSelector запоминает раздел для следующей загрузки. Вызов атомарен:
// после него загрузка идет либо из нового раздела, либо из прежнего.
type BootSelector interface {
	SetBootTarget(partition.Region) error
}

// Restarter планирует перезапуск процесса через заданное время.
// Вызов не блокируется.
type Restarter interface {
	ScheduleRestart(time.Duration)
}

// RestartFunc позволяет использовать функцию как Restarter
type RestartFunc func(time.Duration)

// ScheduleRestart вызывает f(d)
func (f RestartFunc) ScheduleRestart(d time.Duration) {
	f(d)
}

// Engine создает сессии обновления и выполняет перезагрузку в OTA-слот.
// Сам движок не хранит текущую сессию: ей владеет вызывающий.
type Engine struct {
	catalog   *partition.Catalog
	medium    Medium
	running   partition.Region
	boot      BootSelector
	restarter Restarter
	config    Config
}

// New создает движок.
//
// Example:
//
//	engine := ota.New(catalog, dev, running, store, restarter,
//	    ota.WithObserver(observer),
//	    ota.WithBufferSize(4096),
//	)
func New(catalog *partition.Catalog, medium Medium, running partition.Region, boot BootSelector, restarter Restarter, opts ...Option) *Engine {
	if catalog == nil || medium == nil || boot == nil || restarter == nil {
		panic("ota: catalog, medium, boot selector and restarter are required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Engine{
		catalog:   catalog,
		medium:    medium,
		running:   running,
		boot:      boot,
		restarter: restarter,
		config:    cfg,
	}
}

// NewSession создает сессию для потока объявленной длины n
func (e *Engine) NewSession(n int64) *UpdateSession {
	id := uuid.NewString()
	return &UpdateSession{
		ID:       id,
		engine:   e,
		declared: n,
		log:      e.config.Logger.WithField("session", id),
	}
}

// Catalog каталог разделов
func (e *Engine) Catalog() *partition.Catalog {
	return e.catalog
}

// Running раздел, из которого выполняется текущая прошивка
func (e *Engine) Running() partition.Region {
	return e.running
}

// UpdateSlot раздел, в который пишется новый образ
func (e *Engine) UpdateSlot() (partition.Region, bool) {
	return e.catalog.UpdateSlot(e.running)
}

// Reboot назначает OTA-слот целью загрузки и планирует перезапуск
// без загрузки нового образа.
func (e *Engine) Reboot(ctx context.Context) error {
	log := e.config.Logger.WithField("op", "reboot")

	if err := ctx.Err(); err != nil {
		e.notify(EventFailed)
		return errors.Wrap(ErrCancelled, err.Error())
	}

	target, ok := e.UpdateSlot()
	if !ok {
		e.notify(EventFailed)
		return errors.Wrap(ErrNotFound, "no OTA update slot")
	}

	if desc, err := e.Descriptor(target); err != nil || !desc.Valid() {
		log.WithField("region", target.Label).Warn("update slot does not hold a recognizable image")
	}

	if err := e.boot.SetBootTarget(target); err != nil {
		log.WithError(err).Error("set boot target failed")
		e.notify(EventFailed)
		return errors.Wrapf(ErrStorageFault, "set boot target %q: %v", target.Label, err)
	}

	e.notify(EventReboot)
	log.WithField("region", target.Label).Info("prepare to system restart")
	e.restarter.ScheduleRestart(e.config.RestartDelay)
	return nil
}

// Descriptor читает дескриптор приложения из раздела через отображение
func (e *Engine) Descriptor(r partition.Region) (image.AppDescriptor, error) {
	m, err := e.medium.Map(r)
	if err != nil {
		return image.AppDescriptor{}, MapError(err)
	}
	defer m.Close()

	d, err := image.Sniff(m.Bytes())
	if err != nil {
		return image.AppDescriptor{}, errors.Wrap(ErrImageCorrupt, err.Error())
	}
	return d, nil
}

// RunningDescriptor дескриптор работающей прошивки
func (e *Engine) RunningDescriptor() (image.AppDescriptor, error) {
	return e.Descriptor(e.running)
}

// Touch сообщает наблюдателю об активности вне сессии обновления
func (e *Engine) Touch() {
	e.notify(EventIdle)
}

func (e *Engine) notify(ev Event) {
	if e.config.Observer != nil {
		e.config.Observer.Notify(ev)
	}
}

// MapError приводит ошибку отображения раздела к ошибкам сессий
func MapError(err error) error {
	if errors.Is(err, flash.ErrBusy) {
		return errors.Wrap(ErrStorageBusy, err.Error())
	}
	return errors.Wrap(ErrMapFailed, err.Error())
}
