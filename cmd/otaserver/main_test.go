package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gammanik/firmware-ota/internal/api"
	"github.com/Gammanik/firmware-ota/internal/config"
	"github.com/Gammanik/firmware-ota/internal/image"
	"github.com/Gammanik/firmware-ota/internal/logging"
	"github.com/Gammanik/firmware-ota/internal/metastore"
	"github.com/Gammanik/firmware-ota/internal/ota"
	"github.com/Gammanik/firmware-ota/internal/partition"
	"github.com/Gammanik/firmware-ota/internal/storage"
	"github.com/Gammanik/firmware-ota/internal/utils"
)

type fakeMarker struct {
	marks int
	err   error
}

func (m *fakeMarker) MarkUpdated() error {
	m.marks++
	return m.err
}

func TestAppObserverMarksSuccess(t *testing.T) {
	marker := &fakeMarker{}
	o := newAppObserver(marker, config.RateLimiterConfig{Limit: 1, Burst: 1}, logging.Discard())

	for _, e := range []ota.Event{ota.EventBegin, ota.EventIdle, ota.EventIdle, ota.EventFailed, ota.EventReboot} {
		o.Notify(e)
	}
	assert.Equal(t, 0, marker.marks)

	o.Notify(ota.EventSuccess)
	assert.Equal(t, 1, marker.marks)

	marker.err = errors.New("disk full")
	o.Notify(ota.EventSuccess)
	assert.Equal(t, 2, marker.marks)
}

func TestAppObserverActivityRate(t *testing.T) {
	o := newAppObserver(&fakeMarker{}, config.RateLimiterConfig{Limit: 0.001, Burst: 2}, logging.Discard())
	assert.True(t, o.activity.Allow())
	assert.True(t, o.activity.Allow())
	assert.False(t, o.activity.Allow())

	unlimited := newAppObserver(&fakeMarker{}, config.RateLimiterConfig{}, logging.Discard())
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.activity.Allow())
	}
}

func TestRestarterStopsOnce(t *testing.T) {
	var stops int32
	done := make(chan struct{})
	r := newRestarter(func() {
		if atomic.AddInt32(&stops, 1) == 1 {
			close(done)
		}
	})

	assert.False(t, r.Requested())
	r.ScheduleRestart(10 * time.Millisecond)
	r.ScheduleRestart(0)
	assert.True(t, r.Requested())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("restart was not delivered")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&stops))
}

func testImage(t *testing.T) []byte {
	t.Helper()
	n, ok := image.PayloadFor(4096)
	require.True(t, ok)
	return image.Builder{
		Descriptor: image.AppDescriptor{
			Version:     "3.1.0",
			ProjectName: "sensor",
			Time:        "12:30:00",
			Date:        "Oct 19 2026",
			IDFVersion:  "v5.1.2",
		},
		Payload:      bytes.Repeat([]byte{0x5A}, n),
		EntryAddr:    0x40080000,
		HashAppended: true,
	}.Bytes()
}

func TestInspectImage(t *testing.T) {
	img := testImage(t)

	var out bytes.Buffer
	require.NoError(t, inspectImage(&out, bytes.NewReader(img)))

	text := out.String()
	assert.Contains(t, text, "project:  sensor")
	assert.Contains(t, text, "version:  3.1.0")
	assert.Contains(t, text, "segments: 1")
	assert.Contains(t, text, "entry:    0x40080000")
	assert.Contains(t, text, "size:     4096")
	assert.Contains(t, text, "sha256:   "+utils.CalculateSHA256(img))
	assert.Contains(t, text, "status:   valid")
}

func TestInspectImageInvalid(t *testing.T) {
	img := testImage(t)

	var out bytes.Buffer
	err := inspectImage(&out, bytes.NewReader(img[:len(img)-100]))
	assert.True(t, errors.Is(err, image.ErrTruncated), "got %v", err)
	assert.Contains(t, out.String(), "status:   invalid")

	out.Reset()
	err = inspectImage(&out, bytes.NewReader(img[:100]))
	assert.True(t, errors.Is(err, image.ErrHeaderTooSmall), "got %v", err)
	assert.Empty(t, out.String())
}

func TestPartitionLines(t *testing.T) {
	catalog := partition.NewCatalog([]partition.Region{
		{Label: "factory", Class: partition.ClassApp, Subclass: partition.SubclassFactory, Offset: 0x10000, Size: 0x100000, EraseSize: 4096},
		{Label: "app0", Class: partition.ClassApp, Subclass: partition.SubclassOTA0, Offset: 0x110000, Size: 0x100000, EraseSize: 4096},
	})

	lines := partitionLines(catalog)
	require.Len(t, lines, 2)
	assert.Equal(t, "         factory     app   factory 0x00010000    1048576  4096", lines[0])
	assert.Equal(t, "            app0     app     ota_0 0x00110000    1048576  4096", lines[1])
}

func TestNvsGet(t *testing.T) {
	store, err := metastore.NewBoltStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(metastore.WifiNamespace, metastore.KeySSID, "workshop"))
	require.NoError(t, store.Set(metastore.WifiNamespace, metastore.KeyPSK, "secret"))

	var out bytes.Buffer
	require.NoError(t, nvsGet(&out, store, metastore.WifiNamespace, metastore.KeySSID))
	assert.Equal(t, "workshop\n", out.String())

	out.Reset()
	require.NoError(t, nvsGet(&out, store, metastore.WifiNamespace, ""))
	assert.Equal(t, "psk=secret\nssid=workshop\n", out.String())

	err = nvsGet(&out, store, metastore.WifiNamespace, "missing")
	assert.True(t, errors.Is(err, metastore.ErrKeyNotFound), "got %v", err)
}

type fakeClient struct {
	storage.Client
	received []byte
	sha      string
}

func (c *fakeClient) UploadImage(_ context.Context, r io.Reader, size int64) (storage.UploadResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return storage.UploadResult{}, err
	}
	if int64(len(data)) != size {
		return storage.UploadResult{}, errors.Errorf("size %d, body %d", size, len(data))
	}
	c.received = data
	sha := c.sha
	if sha == "" {
		sha = utils.CalculateSHA256(data)
	}
	return storage.UploadResult{Session: "s-1", SHA256: sha}, nil
}

func TestPush(t *testing.T) {
	img := testImage(t)
	path := filepath.Join(t.TempDir(), "firmware.bin")
	require.NoError(t, os.WriteFile(path, img, 0o644))

	open := func() *os.File {
		f, err := os.Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { f.Close() })
		return f
	}

	client := &fakeClient{}
	var out bytes.Buffer
	require.NoError(t, push(context.Background(), &out, client, open()))
	assert.Equal(t, img, client.received)
	assert.True(t, strings.HasPrefix(out.String(), "session s-1: 4096 bytes accepted"))

	mismatch := &fakeClient{sha: strings.Repeat("0", 64)}
	err := push(context.Background(), &out, mismatch, open())
	assert.True(t, errors.Is(err, ErrChecksumMismatch), "got %v", err)
}

func TestPrintDeviceInfo(t *testing.T) {
	var out bytes.Buffer
	printDeviceInfo(&out, &api.Info{
		Running: api.FirmwareInfo{Region: "factory", Valid: true, Project: "sensor", Version: "3.1.0", IDF: "v5.1.2", Date: "Oct 19 2026", Time: "12:30:00"},
		BootTarget: &metastore.BootRecord{
			Label:    "app0",
			Seq:      2,
			Selected: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
		},
		Partitions: []api.RegionInfo{{Label: "app0", Type: "app", Subtype: "ota_0", Offset: 0x110000, Size: 0x100000}},
	})

	text := out.String()
	assert.Contains(t, text, "running:     sensor 3.1.0 (factory, idf v5.1.2, Oct 19 2026 12:30:00)")
	assert.Contains(t, text, "update slot: none")
	assert.Contains(t, text, "boot target: app0 (seq 2, 2026-10-19T12:00:00Z)")
	assert.Contains(t, text, "            app0     app     ota_0 0x00110000    1048576")

	out.Reset()
	printDeviceInfo(&out, &api.Info{Running: api.FirmwareInfo{Region: "factory"}, UpdateSlot: "app0"})
	assert.Contains(t, out.String(), "running:     factory (no image)")
	assert.Contains(t, out.String(), "update slot: app0")
}

func TestPrintBootTarget(t *testing.T) {
	store, err := metastore.NewBoltStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer store.Close()

	factory := partition.Region{Label: "factory", Class: partition.ClassApp, Subclass: partition.SubclassFactory, Offset: 0x10000, Size: 0x100000}
	app0 := partition.Region{Label: "app0", Class: partition.ClassApp, Subclass: partition.SubclassOTA0, Offset: 0x110000, Size: 0x100000}
	logger, hook := test.NewNullLogger()

	printBootTarget(logger, store, factory)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "boot partition", hook.LastEntry().Message)
	assert.Equal(t, "factory", hook.LastEntry().Data["region"])

	require.NoError(t, store.SetBootTarget(app0))
	printBootTarget(logger, store, factory)
	assert.Equal(t, "app0", hook.LastEntry().Data["region"])
}
