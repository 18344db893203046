package ota

import (
	"time"

	"github.com/Gammanik/firmware-ota/internal/image"
	"github.com/Gammanik/firmware-ota/internal/logging"
)

const (
	// DefaultBufferSize размер буфера чтения входящего потока
	DefaultBufferSize = 1024

	// DefaultRestartDelay задержка перезапуска, чтобы ответ успел уйти клиенту
	DefaultRestartDelay = 3 * time.Second
)

// Config настройки движка
type Config struct {
	// Observer получает события сессий (необязательно)
	Observer Observer

	// Logger логгер движка
	Logger logging.Logger

	// BufferSize максимальный размер фрагмента, читаемого из потока;
	// не меньше image.SniffSize
	BufferSize int

	// RestartDelay задержка перед перезапуском после успешного обновления
	RestartDelay time.Duration
}

func defaultConfig() Config {
	return Config{
		Logger:       logging.New("ota"),
		BufferSize:   DefaultBufferSize,
		RestartDelay: DefaultRestartDelay,
	}
}

// Option функциональная опция движка
type Option func(*Config)

// WithObserver задает наблюдателя за событиями
func WithObserver(o Observer) Option {
	return func(c *Config) {
		c.Observer = o
	}
}

// WithLogger задает логгер
func WithLogger(l logging.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithBufferSize задает размер буфера чтения. Значения меньше
// image.SniffSize игнорируются: первый фрагмент должен вмещать заголовок.
func WithBufferSize(size int) Option {
	return func(c *Config) {
		if size >= image.SniffSize {
			c.BufferSize = size
		}
	}
}

// WithRestartDelay задает задержку перезапуска
func WithRestartDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.RestartDelay = d
		}
	}
}
