package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gammanik/firmware-ota/internal/api"
	"github.com/Gammanik/firmware-ota/internal/utils"
)

// fakeDevice имитирует сервер обновлений устройства
type fakeDevice struct {
	uploaded []byte
	length   int64
	reboots  int
	coredump []byte
	status   int
}

func (d *fakeDevice) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ota", func(w http.ResponseWriter, r *http.Request) {
		if d.status != 0 {
			http.Error(w, "rejected", d.status)
			return
		}
		d.length = r.ContentLength
		d.uploaded, _ = io.ReadAll(r.Body)
		w.Header().Set(api.HeaderSession, "session-1")
		w.Header().Set(api.HeaderImageSHA256, utils.CalculateSHA256(d.uploaded))
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)
	r.HandleFunc("/reboot", func(w http.ResponseWriter, r *http.Request) {
		d.reboots++
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)
	r.HandleFunc("/coredump", func(w http.ResponseWriter, r *http.Request) {
		if d.coredump == nil {
			http.Error(w, "coredump partition not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(d.coredump)
	}).Methods(http.MethodGet)
	r.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.Info{
			Running:    api.FirmwareInfo{Region: "factory", Valid: true, Version: "1.0.0"},
			UpdateSlot: "app0",
			Partitions: []api.RegionInfo{{Label: "app0", Type: "app", Subtype: "ota_0", Offset: 0x110000, Size: 0x100000}},
		})
	}).Methods(http.MethodGet)
	return r
}

func newClient(t *testing.T, d *fakeDevice) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(d.router())
	t.Cleanup(srv.Close)
	return New(srv.URL + "/")
}

func TestUploadImage(t *testing.T) {
	d := &fakeDevice{}
	c := newClient(t, d)
	img := bytes.Repeat([]byte{0xE9, 0x01}, 5000)

	res, err := c.UploadImage(context.Background(), bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	assert.Equal(t, "session-1", res.Session)
	assert.Equal(t, utils.CalculateSHA256(img), res.SHA256)
	assert.Equal(t, img, d.uploaded)
	assert.Equal(t, int64(len(img)), d.length)
}

func TestUploadImageRejected(t *testing.T) {
	d := &fakeDevice{status: http.StatusConflict}
	c := newClient(t, d)

	_, err := c.UploadImage(context.Background(), bytes.NewReader([]byte{1, 2, 3}), 3)
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.Equal(t, "rejected", se.Body)
}

func TestReboot(t *testing.T) {
	d := &fakeDevice{}
	c := newClient(t, d)
	require.NoError(t, c.Reboot(context.Background()))
	assert.Equal(t, 1, d.reboots)
}

func TestDownloadCoredump(t *testing.T) {
	d := &fakeDevice{}
	c := newClient(t, d)

	var buf bytes.Buffer
	_, err := c.DownloadCoredump(context.Background(), &buf)
	var se *StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusNotFound, se.Code)

	d.coredump = bytes.Repeat([]byte("dump"), 1024)
	n, err := c.DownloadCoredump(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), n)
	assert.Equal(t, d.coredump, buf.Bytes())
}

func TestInfo(t *testing.T) {
	c := newClient(t, &fakeDevice{})
	info, err := c.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "factory", info.Running.Region)
	assert.Equal(t, "app0", info.UpdateSlot)
	require.Len(t, info.Partitions, 1)
	assert.Equal(t, "ota_0", info.Partitions[0].Subtype)
}

func TestUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1")
	assert.Error(t, c.Reboot(context.Background()))
}
