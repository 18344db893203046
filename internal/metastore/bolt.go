// internal/metastore/bolt.go
package metastore

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/Gammanik/firmware-ota/internal/partition"
)

const (
	// WifiNamespace пространство имен сетевых настроек
	WifiNamespace = "ota-wifi"

	KeySSID    = "ssid"
	KeyPSK     = "psk"
	KeyUpdated = "updated"
)

var (
	otadataBucket = []byte("otadata")
	nvsBucket     = []byte("nvs")

	bootKey = []byte("boot")
)

// ErrKeyNotFound обязательный ключ отсутствует
var ErrKeyNotFound = errors.New("key not found")

var _ MetaStore = (*BoltStore)(nil)

// BoltStore реализация MetaStore на основе BoltDB
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore создает новое хранилище на основе BoltDB
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open metastore %s", path)
	}

	// Создаем необходимые бакеты
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(otadataBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(nvsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// SetBootTarget записывает новую запись о загрузке в одной транзакции:
// после сбоя остается либо старая запись, либо новая.
func (bs *BoltStore) SetBootTarget(r partition.Region) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(otadataBucket)

		rec := BootRecord{Label: r.Label, Offset: r.Offset, Selected: bs.now().UTC()}
		if data := b.Get(bootKey); data != nil {
			var prev BootRecord
			if err := json.Unmarshal(data, &prev); err != nil {
				return errors.Wrap(err, "decode boot record")
			}
			rec.Seq = prev.Seq
		}
		rec.Seq++

		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(bootKey, encoded)
	})
}

// BootTarget возвращает текущую запись о загрузке
func (bs *BoltStore) BootTarget() (BootRecord, bool, error) {
	var rec BootRecord
	found := false

	err := bs.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(otadataBucket).Get(bootKey)
		if data == nil {
			return nil // Запись еще не создана
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return BootRecord{}, false, errors.Wrap(err, "read boot record")
	}
	return rec, found, nil
}

// BootLabel метка загрузочного раздела или fallback, если запись не создана
func (bs *BoltStore) BootLabel(fallback string) (string, error) {
	rec, ok, err := bs.BootTarget()
	if err != nil {
		return "", err
	}
	if !ok {
		return fallback, nil
	}
	return rec.Label, nil
}

// Get читает значение ключа из пространства имен
func (bs *BoltStore) Get(namespace, key string) (string, bool, error) {
	var value string
	found := false

	err := bs.db.View(func(tx *bolt.Tx) error {
		ns := tx.Bucket(nvsBucket).Bucket([]byte(namespace))
		if ns == nil {
			return nil
		}
		if data := ns.Get([]byte(key)); data != nil {
			value, found = string(data), true
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

// Set записывает значение ключа в пространство имен
func (bs *BoltStore) Set(namespace, key, value string) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		ns, err := tx.Bucket(nvsBucket).CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return errors.Wrapf(err, "namespace %q", namespace)
		}
		return ns.Put([]byte(key), []byte(value))
	})
}

// Keys возвращает все ключи пространства имен
func (bs *BoltStore) Keys(namespace string) (map[string]string, error) {
	out := make(map[string]string)
	err := bs.db.View(func(tx *bolt.Tx) error {
		ns := tx.Bucket(nvsBucket).Bucket([]byte(namespace))
		if ns == nil {
			return nil
		}
		return ns.ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

// ReadWifiSettings читает сетевые настройки и сбрасывает флаг updated
func (bs *BoltStore) ReadWifiSettings() (WifiSettings, error) {
	var ws WifiSettings

	err := bs.db.Update(func(tx *bolt.Tx) error {
		ns, err := tx.Bucket(nvsBucket).CreateBucketIfNotExists([]byte(WifiNamespace))
		if err != nil {
			return err
		}

		ssid := ns.Get([]byte(KeySSID))
		if ssid == nil {
			return errors.Wrapf(ErrKeyNotFound, "%s/%s", WifiNamespace, KeySSID)
		}
		psk := ns.Get([]byte(KeyPSK))
		if psk == nil {
			return errors.Wrapf(ErrKeyNotFound, "%s/%s", WifiNamespace, KeyPSK)
		}
		ws.SSID, ws.PSK = string(ssid), string(psk)
		ws.Updated = string(ns.Get([]byte(KeyUpdated))) == "1"

		return ns.Put([]byte(KeyUpdated), []byte("0"))
	})
	return ws, err
}

// MarkUpdated отмечает успешное обновление прошивки
func (bs *BoltStore) MarkUpdated() error {
	return bs.Set(WifiNamespace, KeyUpdated, "1")
}

// Close закрывает хранилище
func (bs *BoltStore) Close() error {
	return bs.db.Close()
}
