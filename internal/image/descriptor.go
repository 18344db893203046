package image

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

// AppDescriptor описание приложения, встроенное в образ
type AppDescriptor struct {
	Magic         uint32
	SecureVersion uint32
	Version       string
	ProjectName   string
	Time          string
	Date          string
	IDFVersion    string
	ELFSHA256     [32]byte
}

// смещения полей внутри дескриптора
const (
	offMagic   = 0
	offSecure  = 4
	offVersion = 16
	offProject = 48
	offTime    = 80
	offDate    = 96
	offIDF     = 112
	offELF     = 144
)

// ParseDescriptor разбирает DescriptorSize байт дескриптора
func ParseDescriptor(b []byte) (AppDescriptor, error) {
	if len(b) < DescriptorSize {
		return AppDescriptor{}, errors.Wrapf(ErrTruncated, "descriptor needs %d bytes, got %d", DescriptorSize, len(b))
	}
	d := AppDescriptor{
		Magic:         binary.LittleEndian.Uint32(b[offMagic:]),
		SecureVersion: binary.LittleEndian.Uint32(b[offSecure:]),
		Version:       cstring(b[offVersion:offProject]),
		ProjectName:   cstring(b[offProject:offTime]),
		Time:          cstring(b[offTime:offDate]),
		Date:          cstring(b[offDate:offIDF]),
		IDFVersion:    cstring(b[offIDF:offELF]),
	}
	copy(d.ELFSHA256[:], b[offELF:offELF+32])
	return d, nil
}

// Sniff извлекает дескриптор из первого фрагмента потока.
// Фрагмент должен содержать как минимум SniffSize байт.
func Sniff(chunk []byte) (AppDescriptor, error) {
	if len(chunk) < SniffSize {
		return AppDescriptor{}, errors.Wrapf(ErrHeaderTooSmall, "got %d bytes, need %d", len(chunk), SniffSize)
	}
	return ParseDescriptor(chunk[DescriptorOffset:SniffSize])
}

// Valid сообщает, совпадает ли магическое число дескриптора
func (d AppDescriptor) Valid() bool {
	return d.Magic == DescriptorMagic
}

// ELFHash шестнадцатеричный SHA-256 ELF-файла сборки
func (d AppDescriptor) ELFHash() string {
	return hex.EncodeToString(d.ELFSHA256[:])
}

func (d AppDescriptor) String() string {
	return fmt.Sprintf("%s %s %s %s %s", d.ProjectName, d.Version, d.IDFVersion, d.Date, d.Time)
}

// MarshalBinary кодирует дескриптор; строки обрезаются до размера поля
func (d AppDescriptor) MarshalBinary() ([]byte, error) {
	b := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint32(b[offMagic:], d.Magic)
	binary.LittleEndian.PutUint32(b[offSecure:], d.SecureVersion)
	putCString(b[offVersion:offProject], d.Version)
	putCString(b[offProject:offTime], d.ProjectName)
	putCString(b[offTime:offDate], d.Time)
	putCString(b[offDate:offIDF], d.Date)
	putCString(b[offIDF:offELF], d.IDFVersion)
	copy(b[offELF:offELF+32], d.ELFSHA256[:])
	return b, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// putCString копирует строку, оставляя место под завершающий ноль
func putCString(dst []byte, s string) {
	n := copy(dst[:len(dst)-1], s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}
