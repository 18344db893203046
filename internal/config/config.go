package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Gammanik/firmware-ota/internal/image"
	"github.com/Gammanik/firmware-ota/internal/partition"
)

// Flash параметры эмулируемого флеша
type Flash struct {
	Path string         `yaml:"path"`
	Size partition.Size `yaml:"size"`
}

// RateLimiterConfig ограничение частоты событий
type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Событий в секунду
	Burst int     `yaml:"burst"`
}

// Server настройки сервера обновлений
type Server struct {
	Listen        string            `yaml:"listen"`
	Flash         Flash             `yaml:"flash"`
	Partitions    string            `yaml:"partitions"` // Путь к таблице разделов
	Metastore     string            `yaml:"metastore"`
	Running       string            `yaml:"running"` // Метка раздела с текущей прошивкой
	CoredumpLabel string            `yaml:"coredumpLabel"`
	BufferSize    int               `yaml:"bufferSize"`
	RestartDelay  time.Duration     `yaml:"restartDelay"`
	ReadTimeout   time.Duration     `yaml:"readTimeout"`
	WriteTimeout  time.Duration     `yaml:"writeTimeout"`
	LogLevel      string            `yaml:"logLevel"`
	LogFormat     string            `yaml:"logFormat"`
	ActivityRate  RateLimiterConfig `yaml:"activityRate"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrListenMissing            = errors.New("listen is missing in config")
	ErrFlashPathMissing         = errors.New("flash.path is missing in config")
	ErrFlashSizeMissing         = errors.New("flash.size is missing in config")
	ErrPartitionsMissing        = errors.New("partitions is missing in config")
	ErrMetastoreMissing         = errors.New("metastore is missing in config")
	ErrRunningMissing           = errors.New("running is missing in config")
	ErrBufferSizeInvalid        = errors.New("bufferSize must hold the image header and descriptor")
	ErrTimeoutInvalid           = errors.New("timeouts must not be negative")
	ErrLogFormatInvalid         = errors.New("logFormat must be text or json")
)

// MinBufferSize минимальный буфер: заголовок образа и дескриптор приложения
const MinBufferSize = image.SniffSize

// Default конфигурация по умолчанию
func Default() Server {
	return Server{
		Listen:        ":8032",
		Flash:         Flash{Path: "data/flash.bin", Size: 4 << 20},
		Partitions:    "configs/partitions.yaml",
		Metastore:     "data/meta.db",
		Running:       "factory",
		CoredumpLabel: "coredump",
		BufferSize:    1024,
		RestartDelay:  3 * time.Second,
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  5 * time.Minute,
		LogLevel:      "info",
		LogFormat:     "text",
		ActivityRate:  RateLimiterConfig{Limit: 2, Burst: 1},
	}
}

// LoadConfig читает конфигурацию поверх значений по умолчанию и проверяет ее
func LoadConfig(configFile string) (*Server, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, errors.Wrap(ErrConfigFileUnreadable, err.Error())
	}
	return Parse(data)
}

// Parse разбирает YAML-конфигурацию
func Parse(data []byte) (*Server, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(ErrConfigFileUnmarshallable, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет обязательные поля
func (cfg *Server) Validate() error {
	if cfg.Listen == "" {
		return ErrListenMissing
	}
	if cfg.Flash.Path == "" {
		return ErrFlashPathMissing
	}
	if cfg.Flash.Size == 0 {
		return ErrFlashSizeMissing
	}
	if cfg.Partitions == "" {
		return ErrPartitionsMissing
	}
	if cfg.Metastore == "" {
		return ErrMetastoreMissing
	}
	if cfg.Running == "" {
		return ErrRunningMissing
	}
	if cfg.BufferSize < MinBufferSize {
		return ErrBufferSizeInvalid
	}
	if cfg.RestartDelay < 0 || cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 {
		return ErrTimeoutInvalid
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return ErrLogFormatInvalid
	}
	return nil
}

// GenerateConfig записывает конфигурацию по умолчанию в configFile
func GenerateConfig(configFile string) (*Server, error) {
	cfg := Default()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(configFile, data, 0644); err != nil {
		return nil, errors.Wrap(err, "write config")
	}
	return &cfg, nil
}
