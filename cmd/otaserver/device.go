package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/Gammanik/firmware-ota/internal/config"
	"github.com/Gammanik/firmware-ota/internal/flash"
	"github.com/Gammanik/firmware-ota/internal/image"
	"github.com/Gammanik/firmware-ota/internal/logging"
	"github.com/Gammanik/firmware-ota/internal/metastore"
	"github.com/Gammanik/firmware-ota/internal/ota"
	"github.com/Gammanik/firmware-ota/internal/partition"
	"github.com/Gammanik/firmware-ota/internal/utils"
)

// printInfo выводит версию работающей прошивки и таблицу разделов
func printInfo(log logging.Logger, engine *ota.Engine, catalog *partition.Catalog) {
	if d, err := engine.RunningDescriptor(); err != nil || !d.Valid() {
		log.WithField("region", engine.Running().Label).Warn("running region holds no application image")
	} else {
		log.Info(d.String())
	}
	for _, line := range partitionLines(catalog) {
		log.Info(line)
	}
}

// bootLabeler сообщает метку раздела, из которого пойдет следующая загрузка
type bootLabeler interface {
	BootLabel(fallback string) (string, error)
}

// printBootTarget выводит раздел следующей загрузки; без записи это running
func printBootTarget(log logging.Logger, boot bootLabeler, running partition.Region) {
	label, err := boot.BootLabel(running.Label)
	if err != nil {
		log.WithError(err).Warn("unable to read boot record")
		return
	}
	log.WithField("region", label).Info("boot partition")
}

// partitionLines строки таблицы разделов в формате журнала загрузки
func partitionLines(catalog *partition.Catalog) []string {
	var lines []string
	for _, r := range catalog.Regions() {
		lines = append(lines, fmt.Sprintf("%16s %7s %9s 0x%08x %10d %5d",
			r.Label, r.Class, r.SubclassName(), r.Offset, r.Size, r.EraseSize))
	}
	return lines
}

func partitionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "partitions",
		Usage: "print the partition table",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			catalog, err := partition.LoadTable(cfg.Partitions)
			if err != nil {
				return err
			}
			for _, line := range partitionLines(catalog) {
				fmt.Fprintln(c.App.Writer, line)
			}
			return nil
		},
	}
}

func withStore(c *cli.Context, fn func(*metastore.BoltStore) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := metastore.NewBoltStore(cfg.Metastore)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func nvsCommand() *cli.Command {
	nsFlag := &cli.StringFlag{Name: "namespace", Aliases: []string{"n"}, Value: metastore.WifiNamespace, Usage: "settings namespace"}

	return &cli.Command{
		Name:  "nvs",
		Usage: "read and write persistent device settings",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "print a setting, or the whole namespace without a key",
				ArgsUsage: "[key]",
				Flags:     []cli.Flag{nsFlag},
				Action: func(c *cli.Context) error {
					return withStore(c, func(store *metastore.BoltStore) error {
						return nvsGet(c.App.Writer, store, c.String("namespace"), c.Args().First())
					})
				},
			},
			{
				Name:      "set",
				Usage:     "write a setting",
				ArgsUsage: "<key> <value>",
				Flags:     []cli.Flag{nsFlag},
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return cli.Exit("usage: otaserver nvs set <key> <value>", 1)
					}
					return withStore(c, func(store *metastore.BoltStore) error {
						return store.Set(c.String("namespace"), c.Args().Get(0), c.Args().Get(1))
					})
				},
			},
		},
	}
}

func nvsGet(w io.Writer, store metastore.MetaStore, namespace, key string) error {
	if key != "" {
		v, ok, err := store.Get(namespace, key)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(metastore.ErrKeyNotFound, "%s/%s", namespace, key)
		}
		fmt.Fprintln(w, v)
		return nil
	}

	values, err := store.Keys(namespace)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s=%s\n", k, values[k])
	}
	return nil
}

func flashCommand() *cli.Command {
	return &cli.Command{
		Name:  "flash",
		Usage: "manage the emulated flash file",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "create an erased flash file of the configured size",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "overwrite an existing flash file"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					if _, err := os.Stat(cfg.Flash.Path); err == nil && !c.Bool("force") {
						return cli.Exit(fmt.Sprintf("%s already exists, use --force to erase it", cfg.Flash.Path), 1)
					}
					dev, err := flash.Create(cfg.Flash.Path, int64(cfg.Flash.Size))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "created %s (%d bytes)\n", cfg.Flash.Path, dev.Size())
					return dev.Close()
				},
			},
		},
	}
}

func imageCommand() *cli.Command {
	return &cli.Command{
		Name:  "image",
		Usage: "work with application images",
		Subcommands: []*cli.Command{
			{
				Name:      "inspect",
				Usage:     "verify an image file and print its descriptor",
				ArgsUsage: "<file>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("usage: otaserver image inspect <file>", 1)
					}
					f, err := os.Open(c.Args().First())
					if err != nil {
						return err
					}
					defer f.Close()
					return inspectImage(c.App.Writer, f)
				},
			},
		},
	}
}

// inspectImage проверяет образ и печатает его заголовок и дескриптор
func inspectImage(w io.Writer, r io.Reader) error {
	v := image.NewVerifier()
	hr := utils.NewHashingReader(r)

	head := make([]byte, image.SniffSize)
	n, err := io.ReadFull(hr, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return errors.Wrap(err, "read image")
	}
	desc, err := image.Sniff(head[:n])
	if err != nil {
		return err
	}
	v.Write(head[:n])
	if _, err := io.Copy(v, hr); err != nil {
		return errors.Wrap(err, "read image")
	}
	verr := v.Verify()

	fmt.Fprintf(w, "project:  %s\n", desc.ProjectName)
	fmt.Fprintf(w, "version:  %s\n", desc.Version)
	fmt.Fprintf(w, "idf:      %s\n", desc.IDFVersion)
	fmt.Fprintf(w, "built:    %s %s\n", desc.Date, desc.Time)
	fmt.Fprintf(w, "elf:      %s\n", desc.ELFHash())
	if h, ok := v.Header(); ok {
		fmt.Fprintf(w, "segments: %d\n", h.SegmentCount)
		fmt.Fprintf(w, "entry:    0x%08x\n", h.EntryAddr)
	}
	fmt.Fprintf(w, "size:     %d\n", hr.Count())
	fmt.Fprintf(w, "sha256:   %s\n", hr.Sum())
	if verr != nil {
		fmt.Fprintf(w, "status:   invalid (%v)\n", verr)
		return verr
	}
	fmt.Fprintln(w, "status:   valid")
	return nil
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "manage the config file",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "write a default config file",
				Action: func(c *cli.Context) error {
					path := c.String("config")
					if _, err := os.Stat(path); err == nil {
						return cli.Exit(fmt.Sprintf("%s already exists", path), 1)
					}
					if _, err := config.GenerateConfig(path); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
					return nil
				},
			},
		},
	}
}
