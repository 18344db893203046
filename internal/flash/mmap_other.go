//go:build !unix

package flash

import (
	"github.com/pkg/errors"

	"github.com/Gammanik/firmware-ota/internal/partition"
)

func (d *Device) mmap(r partition.Region) (*Mapping, error) {
	return nil, errors.Wrapf(ErrMapFailed, "region %q: mmap is not supported on this platform", r.Label)
}
