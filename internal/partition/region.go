package partition

import "fmt"

// Class тип раздела
type Class uint8

const (
	ClassApp  Class = 0x00
	ClassData Class = 0x01
	ClassAny  Class = 0xFF
)

// Subclass подтип раздела; значения пересекаются между классами
type Subclass uint8

// Подтипы разделов приложений
const (
	SubclassFactory Subclass = 0x00
	SubclassOTA0    Subclass = 0x10
	SubclassOTA15   Subclass = 0x1F
	SubclassTest    Subclass = 0x20
)

// Подтипы разделов данных
const (
	SubclassOTAData   Subclass = 0x00
	SubclassPHY       Subclass = 0x01
	SubclassNVS       Subclass = 0x02
	SubclassCoredump  Subclass = 0x03
	SubclassNVSKeys   Subclass = 0x04
	SubclassEfuse     Subclass = 0x05
	SubclassUndefined Subclass = 0x06
	SubclassESPHTTPD  Subclass = 0x80
	SubclassFAT       Subclass = 0x81
	SubclassSPIFFS    Subclass = 0x82
	SubclassLittleFS  Subclass = 0x83

	SubclassAny Subclass = 0xFF
)

// DefaultEraseSize размер сектора по умолчанию
const DefaultEraseSize = 4096

var dataSubclassNames = map[Subclass]string{
	SubclassOTAData:   "ota",
	SubclassPHY:       "phy",
	SubclassNVS:       "nvs",
	SubclassCoredump:  "coredump",
	SubclassNVSKeys:   "nvskeys",
	SubclassEfuse:     "efuse",
	SubclassUndefined: "undefined",
	SubclassESPHTTPD:  "esphttpd",
	SubclassFAT:       "fat",
	SubclassSPIFFS:    "spiffs",
	SubclassLittleFS:  "littlefs",
}

func (c Class) String() string {
	switch c {
	case ClassApp:
		return "app"
	case ClassData:
		return "data"
	default:
		return "unknown"
	}
}

// SubclassName возвращает имя подтипа в рамках класса
func SubclassName(c Class, s Subclass) string {
	switch c {
	case ClassApp:
		switch {
		case s == SubclassFactory:
			return "factory"
		case s >= SubclassOTA0 && s <= SubclassOTA15:
			return fmt.Sprintf("ota_%d", s-SubclassOTA0)
		case s == SubclassTest:
			return "test"
		}
	case ClassData:
		if name, ok := dataSubclassNames[s]; ok {
			return name
		}
	}
	return "unknown"
}

// IsOTASlot сообщает, является ли подтип приложения OTA-слотом
func IsOTASlot(c Class, s Subclass) bool {
	return c == ClassApp && s >= SubclassOTA0 && s <= SubclassOTA15
}

// Region описывает раздел флеш-памяти. Значение неизменяемое.
type Region struct {
	Label     string
	Class     Class
	Subclass  Subclass
	Offset    uint32
	Size      uint32
	EraseSize uint32
}

// SubclassName имя подтипа раздела
func (r Region) SubclassName() string {
	return SubclassName(r.Class, r.Subclass)
}

// IsOTASlot сообщает, может ли раздел принять новый образ
func (r Region) IsOTASlot() bool {
	return IsOTASlot(r.Class, r.Subclass)
}

// End адрес первого байта после раздела
func (r Region) End() uint64 {
	return uint64(r.Offset) + uint64(r.Size)
}

func (r Region) String() string {
	return fmt.Sprintf("%s (%s/%s @ 0x%08x, %d bytes)", r.Label, r.Class, r.SubclassName(), r.Offset, r.Size)
}
