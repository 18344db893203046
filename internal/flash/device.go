// internal/flash/device.go
package flash

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/Gammanik/firmware-ota/internal/partition"
)

// ErasedByte значение стертой ячейки NOR-флеша
const ErasedByte = 0xFF

var (
	ErrBusy       = errors.New("region already has a writer")
	ErrOutOfRange = errors.New("access outside of region")
	ErrUnaligned  = errors.New("erase range is not aligned to erase size")
	ErrClosed     = errors.New("flash device is closed")
)

// Device эмуляция SPI-флеша поверх файла. Разделы адресуются по смещению
// внутри файла. Устройство допускает не более одного писателя на раздел.
type Device struct {
	f    *os.File
	size int64

	mu      sync.Mutex
	writers map[string]bool
	closed  bool
}

// Create создает файл флеша заданного размера, заполненный 0xFF
func Create(path string, size int64) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "create flash file")
	}

	blank := bytes.Repeat([]byte{ErasedByte}, 64<<10)
	for off := int64(0); off < size; off += int64(len(blank)) {
		n := int64(len(blank))
		if off+n > size {
			n = size - off
		}
		if _, err := f.WriteAt(blank[:n], off); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "fill flash file")
		}
	}

	return &Device{f: f, size: size, writers: make(map[string]bool)}, nil
}

// Open открывает существующий файл флеша
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open flash file")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat flash file")
	}
	return &Device{f: f, size: st.Size(), writers: make(map[string]bool)}, nil
}

// Size размер флеша в байтах
func (d *Device) Size() int64 {
	return d.size
}

// Fits сообщает, помещается ли раздел во флеш
func (d *Device) Fits(r partition.Region) bool {
	return r.End() <= uint64(d.size)
}

// Lock закрепляет раздел за единственным писателем
func (d *Device) Lock(r partition.Region) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.writers[r.Label] {
		return errors.Wrapf(ErrBusy, "region %q", r.Label)
	}
	d.writers[r.Label] = true
	return nil
}

// Unlock освобождает раздел
func (d *Device) Unlock(r partition.Region) {
	d.mu.Lock()
	delete(d.writers, r.Label)
	d.mu.Unlock()
}

func (d *Device) locked(r partition.Region) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writers[r.Label]
}

func (d *Device) check(r partition.Region, off uint32, n int) error {
	if !d.Fits(r) {
		return errors.Wrapf(ErrOutOfRange, "region %q ends past flash size %d", r.Label, d.size)
	}
	if uint64(off)+uint64(n) > uint64(r.Size) {
		return errors.Wrapf(ErrOutOfRange, "region %q: %d bytes at 0x%x, size %d", r.Label, n, off, r.Size)
	}
	return nil
}

// Erase стирает [off, off+length) внутри раздела; границы кратны сектору
func (d *Device) Erase(r partition.Region, off, length uint32) error {
	if err := d.check(r, off, int(length)); err != nil {
		return err
	}
	if r.EraseSize != 0 && (off%r.EraseSize != 0 || length%r.EraseSize != 0) {
		return errors.Wrapf(ErrUnaligned, "region %q: 0x%x+0x%x", r.Label, off, length)
	}

	blank := bytes.Repeat([]byte{ErasedByte}, int(length))
	if _, err := d.f.WriteAt(blank, int64(r.Offset)+int64(off)); err != nil {
		return errors.Wrapf(err, "erase region %q", r.Label)
	}
	return nil
}

// Write записывает p по смещению off внутри раздела
func (d *Device) Write(r partition.Region, off uint32, p []byte) error {
	if err := d.check(r, off, len(p)); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(p, int64(r.Offset)+int64(off)); err != nil {
		return errors.Wrapf(err, "write region %q", r.Label)
	}
	return nil
}

// ReadAt читает из раздела по смещению off
func (d *Device) ReadAt(r partition.Region, p []byte, off uint32) (int, error) {
	if err := d.check(r, off, len(p)); err != nil {
		return 0, err
	}
	n, err := d.f.ReadAt(p, int64(r.Offset)+int64(off))
	if err == io.EOF && n == len(p) {
		err = nil
	}
	return n, err
}

// Sync сбрасывает записанные данные на носитель
func (d *Device) Sync() error {
	return errors.Wrap(d.f.Sync(), "sync flash file")
}

// Close закрывает устройство
func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.f.Close()
}
