package metastore

import (
	"time"

	"github.com/Gammanik/firmware-ota/internal/partition"
)

// BootRecord запись о разделе, из которого пойдет следующая загрузка
type BootRecord struct {
	Label    string    `json:"label"`    // Метка раздела
	Offset   uint32    `json:"offset"`   // Смещение раздела во флеше
	Seq      uint32    `json:"seq"`      // Номер записи, растет при каждом выборе
	Selected time.Time `json:"selected"` // Время выбора
}

// WifiSettings настройки из пространства имен "ota-wifi"
type WifiSettings struct {
	SSID    string
	PSK     string
	Updated bool // Последнее обновление прошивки прошло успешно
}

// MetaStore интерфейс постоянного хранилища устройства
type MetaStore interface {
	// SetBootTarget атомарно назначает раздел загрузочным
	SetBootTarget(r partition.Region) error

	// BootTarget возвращает текущую запись о загрузке
	BootTarget() (BootRecord, bool, error)

	// Get читает значение ключа из пространства имен
	Get(namespace, key string) (string, bool, error)

	// Set записывает значение ключа в пространство имен
	Set(namespace, key, value string) error

	// Keys возвращает все ключи пространства имен
	Keys(namespace string) (map[string]string, error)

	// Close закрывает хранилище
	Close() error
}
