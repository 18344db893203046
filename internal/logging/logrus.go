// internal/logging/logrus.go
package logging

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Setter изменяет настройки корневого логгера
type Setter func(*logrus.Logger) error

var root = struct {
	logger *logrus.Logger
	mutex  *sync.Mutex
}{
	logger: logrus.New(),
	mutex:  &sync.Mutex{},
}

// Logger логгер компонента
type Logger interface {
	logrus.FieldLogger
}

// New возвращает логгер для компонента, применяя переданные настройки
func New(component string, setters ...Setter) Logger {
	for _, setter := range setters {
		// ошибки настроек игнорируются
		_ = Set(setter)
	}
	return root.logger.WithField("component", component)
}

// Set применяет настройку к корневому логгеру
func Set(setter Setter) error {
	root.mutex.Lock()
	err := setter(root.logger)
	root.mutex.Unlock()
	return err
}

// Level задает уровень логирования по имени
func Level(lvl string) Setter {
	l, err := logrus.ParseLevel(lvl)
	if err != nil {
		root.logger.WithError(err).Errorf("unable to parse provided level %q", lvl)
		l = logrus.InfoLevel
	}
	return func(r *logrus.Logger) error {
		r.SetLevel(l)
		return nil
	}
}

// Format выбирает формат вывода: "json" или текстовый
func Format(name string) Setter {
	return func(r *logrus.Logger) error {
		switch name {
		case "json":
			r.SetFormatter(&logrus.JSONFormatter{})
		default:
			r.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}
		return nil
	}
}

// Output перенаправляет вывод корневого логгера
func Output(w io.Writer) Setter {
	return func(r *logrus.Logger) error {
		r.SetOutput(w)
		return nil
	}
}

// Discard возвращает логгер, который ничего не пишет (для тестов)
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
