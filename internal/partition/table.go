// internal/partition/table.go
package partition

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrTableUnreadable = errors.New("partition table is unreadable")
	ErrTableInvalid    = errors.New("partition table is invalid")
)

// Size размер или адрес в таблице: десятичный, 0x-шестнадцатеричный,
// либо с суффиксом K/M
type Size uint32

// UnmarshalYAML разбирает значение размера
func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseSize(n.Value)
	if err != nil {
		return err
	}
	*s = Size(v)
	return nil
}

// ParseSize разбирает строку вида "0x10000", "1M", "64K", "4096"
func ParseSize(raw string) (uint32, error) {
	str := strings.TrimSpace(raw)
	mult := uint64(1)
	switch {
	case strings.HasSuffix(str, "K"), strings.HasSuffix(str, "k"):
		mult = 1 << 10
		str = str[:len(str)-1]
	case strings.HasSuffix(str, "M"), strings.HasSuffix(str, "m"):
		mult = 1 << 20
		str = str[:len(str)-1]
	}
	v, err := strconv.ParseUint(str, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrTableInvalid, "bad size %q", raw)
	}
	v *= mult
	if v > 0xFFFFFFFF {
		return 0, errors.Wrapf(ErrTableInvalid, "size %q overflows", raw)
	}
	return uint32(v), nil
}

// Entry строка таблицы разделов
type Entry struct {
	Label     string `yaml:"label"`
	Type      string `yaml:"type"`
	Subtype   string `yaml:"subtype"`
	Offset    Size   `yaml:"offset"`
	Size      Size   `yaml:"size"`
	EraseSize Size   `yaml:"erase_size,omitempty"`
}

type table struct {
	Partitions []Entry `yaml:"partitions"`
}

// LoadTable читает таблицу разделов из YAML-файла
func LoadTable(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(ErrTableUnreadable, err.Error())
	}
	return ParseTable(data)
}

// ParseTable разбирает и проверяет таблицу разделов
func ParseTable(data []byte) (*Catalog, error) {
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(ErrTableInvalid, err.Error())
	}
	if len(t.Partitions) == 0 {
		return nil, errors.Wrap(ErrTableInvalid, "no partitions defined")
	}

	regions := make([]Region, 0, len(t.Partitions))
	labels := make(map[string]bool)
	for _, e := range t.Partitions {
		r, err := e.region()
		if err != nil {
			return nil, err
		}
		if labels[r.Label] {
			return nil, errors.Wrapf(ErrTableInvalid, "duplicate label %q", r.Label)
		}
		labels[r.Label] = true
		regions = append(regions, r)
	}

	c := NewCatalog(regions)
	for i := 1; i < len(c.regions); i++ {
		prev, cur := c.regions[i-1], c.regions[i]
		if prev.End() > uint64(cur.Offset) {
			return nil, errors.Wrapf(ErrTableInvalid, "%q overlaps %q", prev.Label, cur.Label)
		}
	}
	return c, nil
}

func (e Entry) region() (Region, error) {
	if e.Label == "" {
		return Region{}, errors.Wrap(ErrTableInvalid, "partition without label")
	}
	class, err := parseClass(e.Type)
	if err != nil {
		return Region{}, errors.Wrapf(err, "partition %q", e.Label)
	}
	sub, err := parseSubclass(class, e.Subtype)
	if err != nil {
		return Region{}, errors.Wrapf(err, "partition %q", e.Label)
	}
	r := Region{
		Label:     e.Label,
		Class:     class,
		Subclass:  sub,
		Offset:    uint32(e.Offset),
		Size:      uint32(e.Size),
		EraseSize: uint32(e.EraseSize),
	}
	if r.EraseSize == 0 {
		r.EraseSize = DefaultEraseSize
	}
	if r.Size == 0 {
		return Region{}, errors.Wrapf(ErrTableInvalid, "partition %q has zero size", e.Label)
	}
	if r.Size%r.EraseSize != 0 {
		return Region{}, errors.Wrapf(ErrTableInvalid, "partition %q size 0x%x is not a multiple of 0x%x", e.Label, r.Size, r.EraseSize)
	}
	if r.Offset%r.EraseSize != 0 {
		return Region{}, errors.Wrapf(ErrTableInvalid, "partition %q offset 0x%x is not aligned to 0x%x", e.Label, r.Offset, r.EraseSize)
	}
	return r, nil
}

func parseClass(s string) (Class, error) {
	switch strings.ToLower(s) {
	case "app":
		return ClassApp, nil
	case "data":
		return ClassData, nil
	}
	return 0, errors.Wrapf(ErrTableInvalid, "unknown type %q", s)
}

func parseSubclass(c Class, s string) (Subclass, error) {
	name := strings.ToLower(s)
	if c == ClassApp {
		switch {
		case name == "factory":
			return SubclassFactory, nil
		case name == "test":
			return SubclassTest, nil
		case strings.HasPrefix(name, "ota_"):
			n, err := strconv.Atoi(strings.TrimPrefix(name, "ota_"))
			if err == nil && n >= 0 && n <= int(SubclassOTA15-SubclassOTA0) {
				return SubclassOTA0 + Subclass(n), nil
			}
		}
		return 0, errors.Wrapf(ErrTableInvalid, "unknown app subtype %q", s)
	}
	for sub, n := range dataSubclassNames {
		if n == name {
			return sub, nil
		}
	}
	return 0, errors.Wrapf(ErrTableInvalid, "unknown data subtype %q", s)
}
