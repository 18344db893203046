package ota

// Event событие жизненного цикла сессии для наблюдателя
type Event uint8

const (
	EventIdle Event = iota
	EventBegin
	EventSuccess
	EventFailed
	EventReboot
)

func (e Event) String() string {
	switch e {
	case EventIdle:
		return "idle"
	case EventBegin:
		return "begin"
	case EventSuccess:
		return "success"
	case EventFailed:
		return "failed"
	case EventReboot:
		return "reboot"
	default:
		return "unknown"
	}
}

// Observer получает события сессии. Вызывается из контекста сессии,
// поэтому не должен надолго блокироваться.
type Observer interface {
	Notify(Event)
}

// ObserverFunc позволяет использовать функцию как Observer
type ObserverFunc func(Event)

// Notify вызывает f(e)
func (f ObserverFunc) Notify(e Event) {
	f(e)
}

// State состояние сессии обновления
type State int

const (
	StateIdle State = iota
	StateHeaderPending
	StateWriting
	StateFinalizing
	StateCommitted
	StateFailed
	StateAborted
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateHeaderPending: "header-pending",
	StateWriting:       "writing",
	StateFinalizing:    "finalizing",
	StateCommitted:     "committed",
	StateFailed:        "failed",
	StateAborted:       "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal сообщает, является ли состояние конечным
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailed || s == StateAborted
}
