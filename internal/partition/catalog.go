package partition

import (
	"sort"

	"github.com/pkg/errors"
)

var (
	ErrNoUpdateSlot   = errors.New("partition table has no OTA update slot")
	ErrMissingRegion  = errors.New("partition table is missing a required region")
	ErrUnknownRunning = errors.New("running region is not an app region of the table")
)

// Criteria условия поиска раздела. ClassAny и SubclassAny совпадают с любым
// значением, пустая метка совпадает с любой меткой.
type Criteria struct {
	Class    Class
	Subclass Subclass
	Label    string
}

// ByType ищет раздел по классу и подтипу
func ByType(c Class, s Subclass) Criteria {
	return Criteria{Class: c, Subclass: s}
}

// ByLabel ищет раздел заданного класса по точной метке
func ByLabel(c Class, label string) Criteria {
	return Criteria{Class: c, Subclass: SubclassAny, Label: label}
}

func (c Criteria) match(r Region) bool {
	if c.Class != ClassAny && c.Class != r.Class {
		return false
	}
	if c.Subclass != SubclassAny && c.Subclass != r.Subclass {
		return false
	}
	return c.Label == "" || c.Label == r.Label
}

// Catalog неизменяемый список разделов, упорядоченный по адресу.
// Безопасен для конкурентного использования.
type Catalog struct {
	regions []Region
}

// NewCatalog создает каталог из списка разделов
func NewCatalog(regions []Region) *Catalog {
	rs := make([]Region, len(regions))
	copy(rs, regions)
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Offset < rs[j].Offset })
	return &Catalog{regions: rs}
}

// Find возвращает первый раздел, удовлетворяющий условиям.
// Отсутствие раздела не считается ошибкой.
func (c *Catalog) Find(criteria Criteria) (Region, bool) {
	for _, r := range c.regions {
		if criteria.match(r) {
			return r, true
		}
	}
	return Region{}, false
}

// FindAll возвращает все подходящие разделы
func (c *Catalog) FindAll(criteria Criteria) []Region {
	var out []Region
	for _, r := range c.regions {
		if criteria.match(r) {
			out = append(out, r)
		}
	}
	return out
}

// UpdateSlot возвращает первый OTA-слот, отличный от running
func (c *Catalog) UpdateSlot(running Region) (Region, bool) {
	for _, r := range c.regions {
		if r.IsOTASlot() && r.Label != running.Label {
			return r, true
		}
	}
	return Region{}, false
}

// Regions возвращает копию списка разделов
func (c *Catalog) Regions() []Region {
	out := make([]Region, len(c.regions))
	copy(out, c.regions)
	return out
}

// Validate проверяет, что в таблице есть раздел running, слот для
// обновления и все перечисленные разделы данных.
func (c *Catalog) Validate(running string, dataLabels ...string) error {
	r, ok := c.Find(ByLabel(ClassApp, running))
	if !ok {
		return errors.Wrapf(ErrUnknownRunning, "label %q", running)
	}
	if _, ok := c.UpdateSlot(r); !ok {
		return ErrNoUpdateSlot
	}
	for _, label := range dataLabels {
		if _, ok := c.Find(ByLabel(ClassData, label)); !ok {
			return errors.Wrapf(ErrMissingRegion, "data region %q", label)
		}
	}
	return nil
}
