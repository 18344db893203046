package flash

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/Gammanik/firmware-ota/internal/partition"
)

var ErrMapFailed = errors.New("unable to map region")

// Mapping отображение раздела в память только для чтения.
// Должно быть освобождено через Close.
type Mapping struct {
	region partition.Region
	data   []byte
	view   []byte

	once    sync.Once
	release func([]byte) error
	err     error
}

// Region раздел, которому соответствует отображение
func (m *Mapping) Region() partition.Region {
	return m.region
}

// Bytes содержимое раздела; недействительно после Close
func (m *Mapping) Bytes() []byte {
	return m.view
}

// Len размер отображенного раздела
func (m *Mapping) Len() int {
	return len(m.view)
}

// Close освобождает отображение. Повторный вызов безопасен.
func (m *Mapping) Close() error {
	m.once.Do(func() {
		if m.release != nil {
			m.err = m.release(m.data)
		}
		m.data, m.view = nil, nil
	})
	return m.err
}

// Map отображает раздел в память. Раздел, в который идет запись,
// отобразить нельзя.
func (d *Device) Map(r partition.Region) (*Mapping, error) {
	if d.locked(r) {
		return nil, errors.Wrapf(ErrBusy, "region %q", r.Label)
	}
	if err := d.check(r, 0, int(r.Size)); err != nil {
		return nil, errors.Wrap(ErrMapFailed, err.Error())
	}
	return d.mmap(r)
}
