package flash

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gammanik/firmware-ota/internal/partition"
)

var testRegion = partition.Region{
	Label:     "app0",
	Class:     partition.ClassApp,
	Subclass:  partition.SubclassOTA0,
	Offset:    0x3000,
	Size:      0x4000,
	EraseSize: 0x1000,
}

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	d, err := Create(filepath.Join(t.TempDir(), "flash.bin"), 0x8000)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestCreateIsErased(t *testing.T) {
	d := newTestDevice(t)
	assert.Equal(t, int64(0x8000), d.Size())

	buf := make([]byte, testRegion.Size)
	_, err := d.ReadAt(testRegion, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{ErasedByte}, len(buf)), buf)
}

func TestWriteReadErase(t *testing.T) {
	d := newTestDevice(t)

	require.NoError(t, d.Write(testRegion, 10, []byte("hello")))
	buf := make([]byte, 5)
	_, err := d.ReadAt(testRegion, buf, 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	require.NoError(t, d.Erase(testRegion, 0, 0x1000))
	_, err = d.ReadAt(testRegion, buf, 10)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{ErasedByte}, 5), buf)
}

func TestOutOfRange(t *testing.T) {
	d := newTestDevice(t)

	err := d.Write(testRegion, testRegion.Size-2, []byte("abc"))
	assert.True(t, errors.Is(err, ErrOutOfRange))

	err = d.Erase(testRegion, 0x800, 0x1000)
	assert.True(t, errors.Is(err, ErrUnaligned))

	tooBig := testRegion
	tooBig.Offset = 0x7000
	err = d.Write(tooBig, 0, []byte("x"))
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestSingleWriter(t *testing.T) {
	d := newTestDevice(t)

	require.NoError(t, d.Lock(testRegion))
	err := d.Lock(testRegion)
	assert.True(t, errors.Is(err, ErrBusy))

	_, err = d.Map(testRegion)
	assert.True(t, errors.Is(err, ErrBusy))

	other := testRegion
	other.Label = "app1"
	other.Offset = 0
	require.NoError(t, d.Lock(other))

	d.Unlock(testRegion)
	require.NoError(t, d.Lock(testRegion))
}

func TestMap(t *testing.T) {
	d := newTestDevice(t)

	// смещение раздела намеренно не кратно странице
	r := testRegion
	r.Offset = 0x1000
	r.Size = 0x2000
	payload := bytes.Repeat([]byte{0xAB, 0xCD}, 0x1000)
	require.NoError(t, d.Write(r, 0, payload))

	m, err := d.Map(r)
	require.NoError(t, err)
	assert.Equal(t, r, m.Region())
	assert.Equal(t, int(r.Size), m.Len())
	assert.Equal(t, payload, m.Bytes())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Nil(t, m.Bytes())
}

func TestMapOutsideFlash(t *testing.T) {
	d := newTestDevice(t)
	r := testRegion
	r.Offset = 0x10000
	_, err := d.Map(r)
	assert.True(t, errors.Is(err, ErrMapFailed))
}

func TestOpenExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	d, err := Create(path, 0x8000)
	require.NoError(t, err)
	require.NoError(t, d.Write(testRegion, 0, []byte{1, 2, 3}))
	require.NoError(t, d.Close())

	d, err = Open(path)
	require.NoError(t, err)
	defer d.Close()
	buf := make([]byte, 3)
	_, err = d.ReadAt(testRegion, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf)
}

func TestLockAfterClose(t *testing.T) {
	d, err := Create(filepath.Join(t.TempDir(), "flash.bin"), 0x8000)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.True(t, errors.Is(d.Lock(testRegion), ErrClosed))
}
