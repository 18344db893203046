package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/Gammanik/firmware-ota/internal/api"
)

// Client интерфейс для взаимодействия с сервером обновлений устройства
type Client interface {
	// UploadImage загружает образ прошивки известного размера
	UploadImage(ctx context.Context, image io.Reader, size int64) (UploadResult, error)

	// Reboot перезагружает устройство в OTA-слот
	Reboot(ctx context.Context) error

	// DownloadCoredump скачивает дамп ядра в w
	DownloadCoredump(ctx context.Context, w io.Writer) (int64, error)

	// Info возвращает сведения о прошивке и разделах
	Info(ctx context.Context) (*api.Info, error)
}

// UploadResult ответ сервера на загрузку образа
type UploadResult struct {
	Session string // Идентификатор сессии обновления
	SHA256  string // Хеш образа, принятого сервером
}

// StatusError неожиданный код ответа сервера
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %d - %s", e.Op, e.Code, e.Body)
}

// HTTPClient реализация Client поверх HTTP
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// New создает новый HTTP клиент сервера обновлений
func New(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

// WithHTTPClient заменяет используемый http.Client
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.client = hc
	return c
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, size int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = size
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	return resp, nil
}

func expect(op string, resp *http.Response, codes ...int) error {
	for _, code := range codes {
		if resp.StatusCode == code {
			return nil
		}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// UploadImage загружает образ прошивки известного размера
func (c *HTTPClient) UploadImage(ctx context.Context, image io.Reader, size int64) (UploadResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/ota", image, size)
	if err != nil {
		return UploadResult{}, err
	}
	defer resp.Body.Close()

	if err := expect("upload image", resp, http.StatusAccepted); err != nil {
		return UploadResult{}, err
	}
	return UploadResult{
		Session: resp.Header.Get(api.HeaderSession),
		SHA256:  resp.Header.Get(api.HeaderImageSHA256),
	}, nil
}

// Reboot перезагружает устройство в OTA-слот
func (c *HTTPClient) Reboot(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/reboot", nil, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return expect("reboot", resp, http.StatusAccepted)
}

// DownloadCoredump скачивает дамп ядра в w
func (c *HTTPClient) DownloadCoredump(ctx context.Context, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/coredump", nil, 0)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := expect("download coredump", resp, http.StatusOK); err != nil {
		return 0, err
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, errors.Wrap(err, "download coredump")
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, errors.Errorf("download coredump: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, nil
}

// Info возвращает сведения о прошивке и разделах
func (c *HTTPClient) Info(ctx context.Context) (*api.Info, error) {
	resp, err := c.do(ctx, http.MethodGet, "/info", nil, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := expect("info", resp, http.StatusOK); err != nil {
		return nil, err
	}

	var info api.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errors.Wrap(err, "decode info")
	}
	return &info, nil
}
