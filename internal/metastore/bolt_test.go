package metastore

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gammanik/firmware-ota/internal/partition"
)

func newTestStore(t *testing.T) (*BoltStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	bs, err := NewBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })
	return bs, path
}

func TestBootTarget(t *testing.T) {
	bs, _ := newTestStore(t)
	bs.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }

	_, ok, err := bs.BootTarget()
	require.NoError(t, err)
	assert.False(t, ok)

	label, err := bs.BootLabel("factory")
	require.NoError(t, err)
	assert.Equal(t, "factory", label)

	app0 := partition.Region{Label: "app0", Offset: 0x110000}
	app1 := partition.Region{Label: "app1", Offset: 0x210000}

	require.NoError(t, bs.SetBootTarget(app0))
	require.NoError(t, bs.SetBootTarget(app1))

	rec, ok, err := bs.BootTarget()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "app1", rec.Label)
	assert.Equal(t, uint32(0x210000), rec.Offset)
	assert.Equal(t, uint32(2), rec.Seq)
	assert.Equal(t, 2026, rec.Selected.Year())

	label, err = bs.BootLabel("factory")
	require.NoError(t, err)
	assert.Equal(t, "app1", label)
}

func TestBootTargetSurvivesReopen(t *testing.T) {
	bs, path := newTestStore(t)
	require.NoError(t, bs.SetBootTarget(partition.Region{Label: "app0"}))
	require.NoError(t, bs.Close())

	bs, err := NewBoltStore(path)
	require.NoError(t, err)
	defer bs.Close()

	rec, ok, err := bs.BootTarget()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "app0", rec.Label)
}

func TestConcurrentBootTarget(t *testing.T) {
	bs, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, bs.SetBootTarget(partition.Region{Label: "app0"}))
		}()
	}
	wg.Wait()

	rec, _, err := bs.BootTarget()
	require.NoError(t, err)
	assert.Equal(t, uint32(8), rec.Seq)
}

func TestNamespaces(t *testing.T) {
	bs, _ := newTestStore(t)

	_, ok, err := bs.Get("other", "key")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, bs.Set("other", "key", "value"))
	require.NoError(t, bs.Set(WifiNamespace, KeySSID, "lab"))

	v, ok, err := bs.Get("other", "key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", v)

	_, ok, err = bs.Get(WifiNamespace, "key")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := bs.Keys(WifiNamespace)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{KeySSID: "lab"}, keys)

	keys, err = bs.Keys("missing")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestWifiSettings(t *testing.T) {
	bs, _ := newTestStore(t)

	_, err := bs.ReadWifiSettings()
	assert.True(t, errors.Is(err, ErrKeyNotFound), "got %v", err)

	require.NoError(t, bs.Set(WifiNamespace, KeySSID, "lab"))
	require.NoError(t, bs.Set(WifiNamespace, KeyPSK, "secret"))
	require.NoError(t, bs.MarkUpdated())

	ws, err := bs.ReadWifiSettings()
	require.NoError(t, err)
	assert.Equal(t, WifiSettings{SSID: "lab", PSK: "secret", Updated: true}, ws)

	// чтение сбрасывает флаг
	ws, err = bs.ReadWifiSettings()
	require.NoError(t, err)
	assert.False(t, ws.Updated)

	v, _, err := bs.Get(WifiNamespace, KeyUpdated)
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}
