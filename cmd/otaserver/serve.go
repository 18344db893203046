package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Gammanik/firmware-ota/internal/api"
	"github.com/Gammanik/firmware-ota/internal/config"
	"github.com/Gammanik/firmware-ota/internal/flash"
	"github.com/Gammanik/firmware-ota/internal/logging"
	"github.com/Gammanik/firmware-ota/internal/metastore"
	"github.com/Gammanik/firmware-ota/internal/ota"
	"github.com/Gammanik/firmware-ota/internal/partition"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the update server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "override listen address from config"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if addr := c.String("listen"); addr != "" {
				cfg.Listen = addr
			}

			restart, err := serve(c.Context, cfg)
			if err != nil {
				return err
			}
			if restart {
				return cli.Exit("restart requested", ExitRestart)
			}
			return nil
		},
	}
}

// serve запускает сервер и блокируется до сигнала или запрошенного
// перезапуска. Возвращает true, если перезапуск был запрошен.
func serve(parent context.Context, cfg *config.Server) (bool, error) {
	log := logging.New("main")

	catalog, err := partition.LoadTable(cfg.Partitions)
	if err != nil {
		return false, err
	}
	if err := catalog.Validate(cfg.Running, cfg.CoredumpLabel); err != nil {
		// без слота обновления или раздела дампа устройство неработоспособно
		log.WithError(err).Fatal("partition table is unusable")
	}
	running, _ := catalog.Find(partition.ByLabel(partition.ClassApp, cfg.Running))

	dev, err := openFlash(cfg)
	if err != nil {
		return false, err
	}
	defer dev.Close()
	for _, r := range catalog.Regions() {
		if !dev.Fits(r) {
			return false, errors.Errorf("partition %s does not fit into %d bytes of flash", r, dev.Size())
		}
	}

	store, err := metastore.NewBoltStore(cfg.Metastore)
	if err != nil {
		return false, err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	restarter := newRestarter(stop)
	engine := ota.New(catalog, dev, running, store, restarter,
		ota.WithObserver(newAppObserver(store, cfg.ActivityRate, logging.New("observer"))),
		ota.WithLogger(logging.New("ota")),
		ota.WithBufferSize(cfg.BufferSize),
		ota.WithRestartDelay(cfg.RestartDelay),
	)

	printInfo(log, engine, catalog)

	log.Info("Reading NVRAM storage")
	if wifi, err := store.ReadWifiSettings(); err != nil {
		log.WithError(err).Warn("device settings are incomplete, use 'otaserver nvs set'")
	} else {
		log.WithField("updated", wifi.Updated).Infof("Connecting to WiFi AP %q", wifi.SSID)
	}
	printBootTarget(log, store, running)

	server := &http.Server{
		Addr: cfg.Listen,
		Handler: api.NewRouter(&api.OTAHandler{
			Engine:        engine,
			Flash:         dev,
			Boot:          store,
			CoredumpLabel: cfg.CoredumpLabel,
			ReadTimeout:   cfg.ReadTimeout,
			Log:           logging.New("api"),
		}),
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("listen", cfg.Listen).Info("Starting web server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.WithMessage(server.Shutdown(shutdownCtx), "shutdown")
	})

	if err := g.Wait(); err != nil {
		return false, err
	}
	if restarter.Requested() {
		log.Info("restarting")
		return true, nil
	}
	log.Info("server stopped")
	return false, nil
}

// openFlash открывает файл флеша, создавая стертый при первом запуске
func openFlash(cfg *config.Server) (*flash.Device, error) {
	dev, err := flash.Open(cfg.Flash.Path)
	if err == nil {
		return dev, nil
	}
	if _, statErr := os.Stat(cfg.Flash.Path); !os.IsNotExist(statErr) {
		return nil, err
	}
	return flash.Create(cfg.Flash.Path, int64(cfg.Flash.Size))
}

// restarter останавливает сервер по истечении задержки
type restarter struct {
	stop context.CancelFunc

	mu        sync.Mutex
	requested bool
}

func newRestarter(stop context.CancelFunc) *restarter {
	return &restarter{stop: stop}
}

// ScheduleRestart реализует ota.Restarter
func (r *restarter) ScheduleRestart(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.requested {
		return
	}
	r.requested = true
	time.AfterFunc(d, r.stop)
}

// Requested сообщает, был ли запрошен перезапуск
func (r *restarter) Requested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requested
}
