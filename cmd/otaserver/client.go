package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/Gammanik/firmware-ota/internal/api"
	"github.com/Gammanik/firmware-ota/internal/storage"
	"github.com/Gammanik/firmware-ota/internal/utils"
)

const defaultURL = "http://localhost:8032"

var (
	urlFlag     = &cli.StringFlag{Name: "url", Aliases: []string{"u"}, Value: defaultURL, EnvVars: []string{"OTASERVER_URL"}, Usage: "device base URL"}
	timeoutFlag = &cli.DurationFlag{Name: "timeout", Value: 10 * time.Minute, Usage: "request timeout"}
)

// ErrChecksumMismatch устройство приняло не те байты, что были отправлены
var ErrChecksumMismatch = errors.New("uploaded image checksum mismatch")

func clientAction(fn func(ctx context.Context, c *cli.Context, client storage.Client) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		defer cancel()
		return fn(ctx, c, storage.New(c.String("url")))
	}
}

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "upload a firmware image to a device",
		ArgsUsage: "<file>",
		Flags:     []cli.Flag{urlFlag, timeoutFlag},
		Action: clientAction(func(ctx context.Context, c *cli.Context, client storage.Client) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: otaserver push <file>", 1)
			}
			f, err := os.Open(c.Args().First())
			if err != nil {
				return err
			}
			defer f.Close()
			return push(ctx, c.App.Writer, client, f)
		}),
	}
}

// push отправляет образ и сверяет хеш, посчитанный устройством
func push(ctx context.Context, w io.Writer, client storage.Client, f *os.File) error {
	st, err := f.Stat()
	if err != nil {
		return err
	}
	local, err := utils.CalculateFileSHA256(f)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	res, err := client.UploadImage(ctx, f, st.Size())
	if err != nil {
		return err
	}
	if res.SHA256 != local {
		return errors.Wrapf(ErrChecksumMismatch, "sent %s, device got %s", local, res.SHA256)
	}
	fmt.Fprintf(w, "session %s: %d bytes accepted, sha256 %s\n", res.Session, st.Size(), res.SHA256)
	return nil
}

func rebootCommand() *cli.Command {
	return &cli.Command{
		Name:  "reboot",
		Usage: "reboot a device into its update slot",
		Flags: []cli.Flag{urlFlag, timeoutFlag},
		Action: clientAction(func(ctx context.Context, c *cli.Context, client storage.Client) error {
			if err := client.Reboot(ctx); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, "reboot scheduled")
			return nil
		}),
	}
}

func coredumpCommand() *cli.Command {
	return &cli.Command{
		Name:  "coredump",
		Usage: "download the coredump region of a device",
		Flags: []cli.Flag{
			urlFlag, timeoutFlag,
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "coredump.bin", Usage: "output file"},
		},
		Action: clientAction(func(ctx context.Context, c *cli.Context, client storage.Client) error {
			path := c.String("output")
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			n, err := client.DownloadCoredump(ctx, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(path)
				return err
			}
			fmt.Fprintf(c.App.Writer, "wrote %d bytes to %s\n", n, path)
			return nil
		}),
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "print firmware and partition information of a device",
		Flags: []cli.Flag{urlFlag, timeoutFlag},
		Action: clientAction(func(ctx context.Context, c *cli.Context, client storage.Client) error {
			info, err := client.Info(ctx)
			if err != nil {
				return err
			}
			printDeviceInfo(c.App.Writer, info)
			return nil
		}),
	}
}

func printDeviceInfo(w io.Writer, info *api.Info) {
	run := info.Running
	if run.Valid {
		fmt.Fprintf(w, "running:     %s %s (%s, idf %s, %s %s)\n", run.Project, run.Version, run.Region, run.IDF, run.Date, run.Time)
	} else {
		fmt.Fprintf(w, "running:     %s (no image)\n", run.Region)
	}
	slot := info.UpdateSlot
	if slot == "" {
		slot = "none"
	}
	fmt.Fprintf(w, "update slot: %s\n", slot)
	if info.BootTarget != nil {
		fmt.Fprintf(w, "boot target: %s (seq %d, %s)\n", info.BootTarget.Label, info.BootTarget.Seq, info.BootTarget.Selected.Format(time.RFC3339))
	}
	for _, p := range info.Partitions {
		fmt.Fprintf(w, "%16s %7s %9s 0x%08x %10d\n", p.Label, p.Type, p.Subtype, p.Offset, p.Size)
	}
}
