package ota

import (
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/Gammanik/firmware-ota/internal/flash"
	"github.com/Gammanik/firmware-ota/internal/image"
	"github.com/Gammanik/firmware-ota/internal/logging"
	"github.com/Gammanik/firmware-ota/internal/partition"
)

var (
	factoryRegion = partition.Region{
		Label: "factory", Class: partition.ClassApp, Subclass: partition.SubclassFactory,
		Offset: 0x10000, Size: 0x70000, EraseSize: partition.DefaultEraseSize,
	}
	app0Region = partition.Region{
		Label: "app0", Class: partition.ClassApp, Subclass: partition.SubclassOTA0,
		Offset: 0x80000, Size: 0x500000, EraseSize: partition.DefaultEraseSize,
	}
	coredumpRegion = partition.Region{
		Label: "coredump", Class: partition.ClassData, Subclass: partition.SubclassCoredump,
		Offset: 0x580000, Size: 0x10000, EraseSize: partition.DefaultEraseSize,
	}
	testFlashSize = int64(0x590000)
)

// countingMedium считает обращения к носителю и может отказывать
type countingMedium struct {
	*flash.Device

	mu        sync.Mutex
	locks     int
	unlocks   int
	erases    int
	writes    int
	syncs     int
	failWrite bool
	failSync  bool

	// failAt номер записи (с единицы), начиная с которой Write отказывает
	failAt int
}

func (m *countingMedium) Lock(r partition.Region) error {
	m.mu.Lock()
	m.locks++
	m.mu.Unlock()
	return m.Device.Lock(r)
}

func (m *countingMedium) Unlock(r partition.Region) {
	m.mu.Lock()
	m.unlocks++
	m.mu.Unlock()
	m.Device.Unlock(r)
}

func (m *countingMedium) Erase(r partition.Region, off, length uint32) error {
	m.mu.Lock()
	m.erases++
	m.mu.Unlock()
	return m.Device.Erase(r, off, length)
}

func (m *countingMedium) Write(r partition.Region, off uint32, p []byte) error {
	m.mu.Lock()
	m.writes++
	n := m.writes
	m.mu.Unlock()
	if m.failWrite || (m.failAt > 0 && n >= m.failAt) {
		return errors.New("write failed")
	}
	return m.Device.Write(r, off, p)
}

func (m *countingMedium) Sync() error {
	m.mu.Lock()
	m.syncs++
	m.mu.Unlock()
	if m.failSync {
		return errors.New("sync failed")
	}
	return m.Device.Sync()
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) Notify(e Event) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

// count число событий e
func (o *recordingObserver) count(e Event) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, got := range o.events {
		if got == e {
			n++
		}
	}
	return n
}

// transitions события без Idle
func (o *recordingObserver) transitions() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Event
	for _, e := range o.events {
		if e != EventIdle {
			out = append(out, e)
		}
	}
	return out
}

type fakeBoot struct {
	mu      sync.Mutex
	targets []partition.Region
	err     error
}

func (b *fakeBoot) SetBootTarget(r partition.Region) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.targets = append(b.targets, r)
	return nil
}

type fakeRestarter struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeRestarter) ScheduleRestart(d time.Duration) {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
}

type testEnv struct {
	medium    *countingMedium
	observer  *recordingObserver
	boot      *fakeBoot
	restarter *fakeRestarter
	engine    *Engine
}

func newTestEnv(t *testing.T, regions ...partition.Region) *testEnv {
	t.Helper()
	if len(regions) == 0 {
		regions = []partition.Region{factoryRegion, app0Region, coredumpRegion}
	}

	dev, err := flash.Create(filepath.Join(t.TempDir(), "flash.bin"), testFlashSize)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	env := &testEnv{
		medium:    &countingMedium{Device: dev},
		observer:  &recordingObserver{},
		boot:      &fakeBoot{},
		restarter: &fakeRestarter{},
	}
	env.engine = New(partition.NewCatalog(regions), env.medium, factoryRegion, env.boot, env.restarter,
		WithObserver(env.observer),
		WithLogger(logging.Discard()),
		WithRestartDelay(3*time.Second),
	)
	return env
}

func testDescriptor(version string) image.AppDescriptor {
	return image.AppDescriptor{
		Version:     version,
		ProjectName: "firmware",
		Time:        "10:00:00",
		Date:        "Oct 19 2026",
		IDFVersion:  "v5.1.2",
	}
}

// buildImage собирает корректный образ ровно из total байт
func buildImage(t *testing.T, total int) []byte {
	t.Helper()
	n, ok := image.PayloadFor(total)
	require.True(t, ok, "no image of %d bytes", total)
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i*31 + 7)
	}
	img := image.Builder{Descriptor: testDescriptor("2.0.0"), Payload: payload, HashAppended: true}.Bytes()
	require.Len(t, img, total)
	return img
}

// chunkReader отдает данные фрагментами не длиннее size
type chunkReader struct {
	data []byte
	size int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.size
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

// timeoutReader чередует таймауты с данными
type timeoutReader struct {
	inner   *chunkReader
	timeout error
	flip    bool
	count   int
}

func (r *timeoutReader) Read(p []byte) (int, error) {
	r.flip = !r.flip
	if r.flip {
		r.count++
		return 0, r.timeout
	}
	return r.inner.Read(p)
}

// brokenReader отдает failAt байт образа, затем ошибку
type brokenReader struct {
	data   []byte
	pos    int
	failAt int
	err    error
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.pos >= r.failAt {
		return 0, r.err
	}
	n := len(p)
	if r.pos+n > r.failAt {
		n = r.failAt - r.pos
	}
	for i := 0; i < n; i++ {
		if r.pos+i < len(r.data) {
			p[i] = r.data[r.pos+i]
		} else {
			p[i] = 0xAB
		}
	}
	r.pos += n
	return n, nil
}

// emptyReader нарушает контракт io.Reader, возвращая (0, nil)
type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) {
	return 0, nil
}

// netTimeout таймаут сокета в терминах net.Error
type netTimeout struct{}

func (netTimeout) Error() string   { return "i/o timeout" }
func (netTimeout) Timeout() bool   { return true }
func (netTimeout) Temporary() bool { return true }
