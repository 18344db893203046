//go:build unix

package flash

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Gammanik/firmware-ota/internal/partition"
)

func (d *Device) mmap(r partition.Region) (*Mapping, error) {
	// смещение mmap должно быть кратно размеру страницы
	page := int64(os.Getpagesize())
	off := int64(r.Offset)
	aligned := off &^ (page - 1)
	delta := off - aligned

	data, err := unix.Mmap(int(d.f.Fd()), aligned, int(delta)+int(r.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(ErrMapFailed, "region %q: %v", r.Label, err)
	}

	return &Mapping{
		region:  r,
		data:    data,
		view:    data[delta : delta+int64(r.Size)],
		release: unix.Munmap,
	}, nil
}
