package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/cheggaaa/pb.v2"

	"github.com/xynclient/xyn/bridge"
	"github.com/xynclient/xyn/pit"
	"github.com/xynclient/xyn/usb"
)

// LockFileName guards the device against concurrent flashing sessions
// from this host.
const LockFileName = "xyn-device.lock"

// withBridge runs fn against a connected bridge, holding the host-wide
// device lock for the duration.
func withBridge(c *cli.Context, fn func(b *bridge.Bridge) error, extra ...bridge.Option) error {
	fileLock := flock.New(filepath.Join(os.TempDir(), LockFileName))
	locked, err := fileLock.TryLock()
	if err != nil {
		return errors.Wrap(err, "cannot acquire device lock")
	}
	if !locked {
		return fmt.Errorf("another flashing session is already running (lock %s held)", fileLock.Path())
	}
	defer fileLock.Unlock()

	enum := usb.NewEnumerator()
	defer enum.Close()

	opts := []bridge.Option{
		bridge.WithHeimdallPath(c.GlobalString("heimdall")),
		bridge.WithVerbose(c.GlobalBool("verbose")),
	}
	if pitFile := c.GlobalString("pit-file"); pitFile != "" {
		opts = append(opts, bridge.WithPITFile(pitFile))
	}
	opts = append(opts, extra...)
	b := bridge.New(enum, opts...)

	if err := b.Connect(); err != nil {
		return err
	}
	defer b.Disconnect()

	return fn(b)
}

func DetectCmd() cli.Command {
	return cli.Command{
		Name:  "detect",
		Usage: "check for a device in download mode",
		Action: func(c *cli.Context) {
			if err := detect(c); err != nil {
				logrus.Fatalf("Error running detect command: %v.", err)
			}
		},
	}
}

func detect(c *cli.Context) error {
	return withBridge(c, func(b *bridge.Bridge) error {
		fmt.Println("Device detected in download mode")
		if b.ToolAvailable() {
			fmt.Println("heimdall found: transfers will use the verified path")
		} else {
			fmt.Println("heimdall not found: only the raw protocol is available")
		}
		return nil
	})
}

func PartitionsCmd() cli.Command {
	return cli.Command{
		Name:  "partitions",
		Usage: "list the device partition layout",
		Action: func(c *cli.Context) {
			if err := partitions(c); err != nil {
				logrus.Fatalf("Error running partitions command: %v.", err)
			}
		},
	}
}

func partitions(c *cli.Context) error {
	return withBridge(c, func(b *bridge.Bridge) error {
		layout, err := b.DetectPartitionLayout()
		if err != nil {
			return err
		}

		names := make([]string, 0, len(layout))
		for name := range layout {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tID\tSIZE")
		for _, name := range names {
			p := layout[name]
			id := "?"
			if p.ID != pit.UnknownID {
				id = fmt.Sprintf("%d", p.ID)
			}
			size := "?"
			if p.Length != pit.SizeUnknown {
				size = units.BytesSize(float64(p.Length))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, id, size)
		}
		return w.Flush()
	})
}

func PitCmd() cli.Command {
	return cli.Command{
		Name:  "pit",
		Usage: "download the partition information table: pit --output <file>",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "output",
				Usage: "filepath to write the partition table to",
				Value: "device.pit",
			},
		},
		Action: func(c *cli.Context) {
			if err := downloadPIT(c); err != nil {
				logrus.Fatalf("Error running pit command: %v.", err)
			}
		},
	}
}

func downloadPIT(c *cli.Context) error {
	outPath := c.String("output")
	return withBridge(c, func(b *bridge.Bridge) error {
		if err := b.DownloadPIT(outPath); err != nil {
			return err
		}
		fmt.Printf("Partition table saved to %s\n", outPath)
		return nil
	})
}

func ReadCmd() cli.Command {
	return cli.Command{
		Name:  "read",
		Usage: "dump a partition to a file: read <partition> --output <file>",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "output",
				Usage: "filepath to write the partition image to",
			},
		},
		Action: func(c *cli.Context) {
			if err := readPartition(c); err != nil {
				logrus.Fatalf("Error running read command: %v.", err)
			}
		},
	}
}

func readPartition(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return errors.New("partition name required")
	}
	outPath := c.String("output")
	if outPath == "" {
		outPath = name + ".img"
	}

	return withBridge(c, func(b *bridge.Bridge) error {
		if err := b.ReadPartition(name, outPath); err != nil {
			return err
		}
		fmt.Printf("Partition %s saved to %s\n", name, outPath)
		return nil
	})
}

func WriteCmd() cli.Command {
	return cli.Command{
		Name:  "write",
		Usage: "flash an image to a partition: write <partition> <image> [--force]",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "force",
				Usage: "allow the unverified raw-protocol transfer when heimdall is unavailable",
			},
		},
		Action: func(c *cli.Context) {
			if err := writePartition(c); err != nil {
				logrus.Fatalf("Error running write command: %v.", err)
			}
		},
	}
}

func writePartition(c *cli.Context) error {
	name := c.Args().Get(0)
	inPath := c.Args().Get(1)
	if name == "" || inPath == "" {
		return errors.New("partition name and image path required")
	}

	bar := pb.StartNew(100)
	progress := bridge.WithProgress(func(p bridge.Progress) {
		if p.Total > 0 {
			bar.Set(int(p.Bytes * 100 / p.Total))
		}
	})

	return withBridge(c, func(b *bridge.Bridge) error {
		if err := b.WritePartition(name, inPath, c.Bool("force")); err != nil {
			return err
		}
		bar.Set(100)
		bar.Finish()
		fmt.Printf("Image %s written to partition %s\n", inPath, name)
		return nil
	}, progress)
}

func EraseCmd() cli.Command {
	return cli.Command{
		Name:  "erase",
		Usage: "erase a partition: erase <partition> --force",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "force",
				Usage: "acknowledge that erasing is destructive",
			},
		},
		Action: func(c *cli.Context) {
			if err := erasePartition(c); err != nil {
				logrus.Fatalf("Error running erase command: %v.", err)
			}
		},
	}
}

func erasePartition(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return errors.New("partition name required")
	}
	return withBridge(c, func(b *bridge.Bridge) error {
		if err := b.ErasePartition(name, c.Bool("force")); err != nil {
			return err
		}
		fmt.Printf("Partition %s erased\n", name)
		return nil
	})
}

func RebootCmd() cli.Command {
	return cli.Command{
		Name:  "reboot",
		Usage: "reboot the device out of download mode",
		Action: func(c *cli.Context) {
			if err := reboot(c); err != nil {
				logrus.Fatalf("Error running reboot command: %v.", err)
			}
		},
	}
}

func reboot(c *cli.Context) error {
	return withBridge(c, func(b *bridge.Bridge) error {
		if err := b.Reboot(); err != nil {
			return err
		}
		fmt.Println("Reboot sent")
		return nil
	})
}

func main() {
	a := cli.NewApp()
	a.Name = "xyn"
	a.Usage = "flash, dump and erase partitions on Exynos devices in download mode"
	a.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	a.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "pass --verbose through to heimdall",
		},
		cli.StringFlag{
			Name:  "heimdall",
			Usage: "path to the heimdall binary (default: search PATH)",
		},
		cli.StringFlag{
			Name:  "pit-file",
			Usage: "seed partition layout detection from a local PIT file",
		},
	}
	a.Commands = []cli.Command{
		DetectCmd(),
		PartitionsCmd(),
		PitCmd(),
		ReadCmd(),
		WriteCmd(),
		EraseCmd(),
		RebootCmd(),
	}
	if err := a.Run(os.Args); err != nil {
		logrus.Fatal("Error when executing command: ", err)
	}
}
