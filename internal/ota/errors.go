package ota

import (
	"net"
	"os"

	"github.com/pkg/errors"
)

// Ошибки сессий обновления и чтения. Все, кроме ErrTransientTimeout,
// завершают текущую сессию.
var (
	ErrNotFound         = errors.New("region not found")
	ErrHeaderTooSmall   = errors.New("first chunk is smaller than image header")
	ErrImageCorrupt     = errors.New("image is corrupt")
	ErrStorageBusy      = errors.New("storage region is busy")
	ErrStorageFault     = errors.New("storage fault")
	ErrMapFailed        = errors.New("unable to map region")
	ErrTransientTimeout = errors.New("transient read timeout")
	ErrTransportFault   = errors.New("transport fault")
	ErrCancelled        = errors.New("session cancelled")
	ErrSessionClosed    = errors.New("session is closed")
)

// isTimeout сообщает, является ли ошибка чтения временным таймаутом
func isTimeout(err error) bool {
	if errors.Is(err, ErrTransientTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
