package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/Gammanik/firmware-ota/internal/logging"
	"github.com/Gammanik/firmware-ota/internal/metastore"
	"github.com/Gammanik/firmware-ota/internal/ota"
	"github.com/Gammanik/firmware-ota/internal/partition"
	"github.com/Gammanik/firmware-ota/internal/readback"
	"github.com/Gammanik/firmware-ota/internal/utils"
)

const (
	// HeaderSession идентификатор сессии обновления в ответе
	HeaderSession = "X-Update-Session"
	// HeaderImageSHA256 хеш принятого образа в ответе
	HeaderImageSHA256 = "X-Image-SHA256"

	// DefaultCoredumpLabel метка раздела с дампом ядра
	DefaultCoredumpLabel = "coredump"
)

// BootReader читает текущую запись о загрузке
type BootReader interface {
	BootTarget() (metastore.BootRecord, bool, error)
}

// OTAHandler обрабатывает запросы обновления прошивки
type OTAHandler struct {
	Engine        *ota.Engine
	Flash         readback.Mapper
	Boot          BootReader
	CoredumpLabel string
	ReadTimeout   time.Duration // Пауза в теле запроса, после которой чтение повторяется
	Log           logging.Logger
}

// NewRouter регистрирует обработчики
func NewRouter(h *OTAHandler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/", h.Index).Methods(http.MethodGet)
	router.HandleFunc("/index.html", h.Index).Methods(http.MethodGet)
	router.HandleFunc("/index.htm", h.Index).Methods(http.MethodGet)
	router.HandleFunc("/ota", h.Upload).Methods(http.MethodPost)
	router.HandleFunc("/reboot", h.Reboot).Methods(http.MethodPost)
	router.HandleFunc("/coredump", h.Coredump).Methods(http.MethodGet)
	router.HandleFunc("/info", h.Info).Methods(http.MethodGet)
	return router
}

func (h *OTAHandler) logger() logging.Logger {
	if h.Log == nil {
		return logging.New("api")
	}
	return h.Log
}

// Index отдает страницу загрузки
func (h *OTAHandler) Index(w http.ResponseWriter, r *http.Request) {
	h.Engine.Touch()
	w.Header().Set("Content-Type", "text/html")
	io.WriteString(w, indexHTML)
}

// Upload принимает образ прошивки телом запроса
func (h *OTAHandler) Upload(w http.ResponseWriter, r *http.Request) {
	log := h.logger()

	// Длина образа должна быть известна заранее
	if r.ContentLength < 0 {
		http.Error(w, "Content-Length required", http.StatusLengthRequired)
		return
	}

	session := h.Engine.NewSession(r.ContentLength)
	w.Header().Set(HeaderSession, session.ID)

	idle := newIdleReader(r.Body, h.ReadTimeout)
	defer idle.Close()
	body := utils.NewHashingReader(idle)

	log.WithField("session", session.ID).WithField("bytes", r.ContentLength).Info("starting OTA handler")
	if err := session.Run(r.Context(), body); err != nil {
		status := uploadStatus(err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	log.WithField("session", session.ID).WithField("sha256", body.Sum()).Info("image accepted")
	w.Header().Set(HeaderImageSHA256, body.Sum())
	w.WriteHeader(http.StatusAccepted)
}

// uploadStatus код ответа для ошибки сессии обновления
func uploadStatus(err error) int {
	switch {
	case errors.Is(err, ota.ErrHeaderTooSmall),
		errors.Is(err, ota.ErrImageCorrupt),
		errors.Is(err, ota.ErrTransportFault),
		errors.Is(err, ota.ErrCancelled):
		return http.StatusBadRequest
	case errors.Is(err, ota.ErrStorageBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Reboot делает OTA-слот загрузочным и перезапускает устройство
func (h *OTAHandler) Reboot(w http.ResponseWriter, r *http.Request) {
	h.logger().Info("starting reboot handler")
	if err := h.Engine.Reboot(r.Context()); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Coredump отдает содержимое раздела с дампом ядра
func (h *OTAHandler) Coredump(w http.ResponseWriter, r *http.Request) {
	log := h.logger()
	log.Info("starting coredump handler")

	label := h.CoredumpLabel
	if label == "" {
		label = DefaultCoredumpLabel
	}

	stream, err := readback.Open(h.Engine.Catalog(), h.Flash, label,
		readback.WithLogger(log),
		readback.OnChunk(h.Engine.Touch),
	)
	if err != nil {
		log.WithError(err).Error("unable to open coredump partition")
		switch {
		case errors.Is(err, ota.ErrNotFound):
			http.Error(w, "coredump partition not found", http.StatusNotFound)
		case errors.Is(err, ota.ErrStorageBusy):
			http.Error(w, "coredump partition is busy", http.StatusConflict)
		default:
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=\"coredump.bin\"")
	w.Header().Set("Content-Length", strconv.FormatInt(stream.Size(), 10))
	w.WriteHeader(http.StatusOK)

	// Заголовки уже отправлены, о сбое можно только сообщить в лог
	if _, err := stream.WriteTo(w); err != nil {
		log.WithError(err).Error("coredump transfer aborted")
	}
}

// RegionInfo описание раздела в ответе /info
type RegionInfo struct {
	Label   string `json:"label"`
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Offset  uint32 `json:"offset"`
	Size    uint32 `json:"size"`
}

// FirmwareInfo описание прошивки в ответе /info
type FirmwareInfo struct {
	Region    string `json:"region"`
	Valid     bool   `json:"valid"`
	Project   string `json:"project,omitempty"`
	Version   string `json:"version,omitempty"`
	IDF       string `json:"idf,omitempty"`
	Date      string `json:"date,omitempty"`
	Time      string `json:"time,omitempty"`
	ELFSHA256 string `json:"elfSha256,omitempty"`
}

// Info ответ /info
type Info struct {
	Running    FirmwareInfo          `json:"running"`
	UpdateSlot string                `json:"updateSlot,omitempty"`
	BootTarget *metastore.BootRecord `json:"bootTarget,omitempty"`
	Partitions []RegionInfo          `json:"partitions"`
}

// Info возвращает сведения о прошивке и разделах
func (h *OTAHandler) Info(w http.ResponseWriter, r *http.Request) {
	info := Info{
		Running: FirmwareInfo{Region: h.Engine.Running().Label},
	}

	if d, err := h.Engine.RunningDescriptor(); err == nil && d.Valid() {
		info.Running.Valid = true
		info.Running.Project = d.ProjectName
		info.Running.Version = d.Version
		info.Running.IDF = d.IDFVersion
		info.Running.Date = d.Date
		info.Running.Time = d.Time
		info.Running.ELFSHA256 = d.ELFHash()
	}

	if slot, ok := h.Engine.UpdateSlot(); ok {
		info.UpdateSlot = slot.Label
	}

	if h.Boot != nil {
		rec, ok, err := h.Boot.BootTarget()
		if err != nil {
			h.logger().WithError(err).Error("unable to read boot record")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if ok {
			info.BootTarget = &rec
		}
	}

	for _, reg := range h.Engine.Catalog().Regions() {
		info.Partitions = append(info.Partitions, regionInfo(reg))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func regionInfo(r partition.Region) RegionInfo {
	return RegionInfo{
		Label:   r.Label,
		Type:    r.Class.String(),
		Subtype: r.SubclassName(),
		Offset:  r.Offset,
		Size:    r.Size,
	}
}

// bodyChunkSize размер фрагмента, которым читается тело запроса
const bodyChunkSize = 4096

type readResult struct {
	data []byte
	err  error
}

// idleReader читает тело запроса в отдельной горутине. Если данных нет
// дольше timeout, Read возвращает ota.ErrTransientTimeout, а соединение
// и контекст запроса остаются нетронутыми, так что чтение можно повторить.
type idleReader struct {
	results chan readResult
	done    chan struct{}
	once    sync.Once
	timeout time.Duration

	pending []byte
	err     error
}

func newIdleReader(r io.Reader, timeout time.Duration) *idleReader {
	ir := &idleReader{
		results: make(chan readResult),
		done:    make(chan struct{}),
		timeout: timeout,
	}
	go ir.pump(r)
	return ir
}

func (ir *idleReader) pump(r io.Reader) {
	for {
		buf := make([]byte, bodyChunkSize)
		n, err := r.Read(buf)
		select {
		case ir.results <- readResult{data: buf[:n], err: err}:
		case <-ir.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (ir *idleReader) Read(p []byte) (int, error) {
	if len(ir.pending) == 0 {
		if ir.err != nil {
			return 0, ir.err
		}

		var expired <-chan time.Time
		if ir.timeout > 0 {
			timer := time.NewTimer(ir.timeout)
			defer timer.Stop()
			expired = timer.C
		}

		select {
		case res := <-ir.results:
			ir.pending, ir.err = res.data, res.err
		case <-expired:
			return 0, errors.Wrapf(ota.ErrTransientTimeout, "no data for %s", ir.timeout)
		}
		if len(ir.pending) == 0 {
			return 0, ir.err
		}
	}

	n := copy(p, ir.pending)
	ir.pending = ir.pending[n:]
	return n, nil
}

// Close останавливает фоновое чтение
func (ir *idleReader) Close() error {
	ir.once.Do(func() { close(ir.done) })
	return nil
}
