package main

import (
	"golang.org/x/time/rate"

	"github.com/Gammanik/firmware-ota/internal/config"
	"github.com/Gammanik/firmware-ota/internal/logging"
	"github.com/Gammanik/firmware-ota/internal/ota"
)

// updateMarker отмечает успешное обновление в настройках устройства
type updateMarker interface {
	MarkUpdated() error
}

// appObserver реагирует на события сервера обновлений: помечает успешное
// обновление и показывает активность не чаще заданной частоты
type appObserver struct {
	marker   updateMarker
	activity *rate.Limiter
	log      logging.Logger
}

func newAppObserver(marker updateMarker, rl config.RateLimiterConfig, log logging.Logger) *appObserver {
	limit := rate.Limit(rl.Limit)
	if rl.Limit <= 0 {
		limit = rate.Inf
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = 1
	}
	return &appObserver{
		marker:   marker,
		activity: rate.NewLimiter(limit, burst),
		log:      log,
	}
}

// Notify реализует ota.Observer
func (o *appObserver) Notify(e ota.Event) {
	switch e {
	case ota.EventIdle:
		if o.activity.Allow() {
			o.log.Debug("activity")
		}
	case ota.EventBegin:
		o.log.Info("update started")
	case ota.EventSuccess:
		if err := o.marker.MarkUpdated(); err != nil {
			o.log.WithError(err).Error("unable to mark firmware as updated")
			return
		}
		o.log.Info("update succeeded")
	case ota.EventFailed:
		o.log.Warn("update failed")
	case ota.EventReboot:
		o.log.Info("reboot requested")
	}
}
