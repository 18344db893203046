package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// CalculateSHA256 вычисляет SHA-256 хеш данных
func CalculateSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// CalculateFileSHA256 вычисляет SHA-256 хеш содержимого файла
func CalculateFileSHA256(reader io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, reader); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashingReader считает SHA-256 всех байт, прочитанных через него
type HashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewHashingReader оборачивает r
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: sha256.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum шестнадцатеричный хеш прочитанных данных
func (hr *HashingReader) Sum() string {
	return hex.EncodeToString(hr.h.Sum(nil))
}

// Count число прочитанных байт
func (hr *HashingReader) Count() int64 {
	return hr.n
}
