// cmd/otaserver/main.go
package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/Gammanik/firmware-ota/internal/config"
	"github.com/Gammanik/firmware-ota/internal/logging"
)

// ExitRestart код выхода, по которому супервизор перезапускает сервер
const ExitRestart = 3

func main() {
	app := &cli.App{
		Name:  "otaserver",
		Usage: "firmware update and coredump readback server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "otaserver.yaml", Usage: "path to config file"},
			&cli.StringFlag{Name: "log-level", Usage: "override logLevel from config"},
			&cli.StringFlag{Name: "log-format", Usage: "override logFormat from config (text or json)"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			partitionsCommand(),
			nvsCommand(),
			flashCommand(),
			imageCommand(),
			configCommand(),
			pushCommand(),
			rebootCommand(),
			coredumpCommand(),
			infoCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.New("main").WithError(err).Fatal("otaserver stopped")
	}
}

// loadConfig читает конфигурацию и применяет флаги логирования.
// Отсутствующий файл по умолчанию не ошибка: берутся значения по умолчанию.
func loadConfig(c *cli.Context) (*config.Server, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		if !errors.Is(err, config.ErrConfigFileUnreadable) || c.IsSet("config") {
			return nil, err
		}
		def := config.Default()
		cfg = &def
	}

	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if format := c.String("log-format"); format != "" {
		cfg.LogFormat = format
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logging.Set(logging.Level(cfg.LogLevel)); err != nil {
		return nil, err
	}
	if err := logging.Set(logging.Format(cfg.LogFormat)); err != nil {
		return nil, err
	}
	return cfg, nil
}
