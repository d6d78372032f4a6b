// Command mkext2 creates an ext2 image file that the VFS can mount, or
// reports on an existing one.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/device"
	"github.com/thepowersgang/vfs/ext2"
)

const SECTOR_SIZE = 512

func main() {
	app := cli.App{
		Name:      "mkext2",
		Usage:     "create an ext2 image file",
		ArgsUsage: "IMAGE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "size",
				Aliases: []string{"s"},
				Value:   "8MiB",
				Usage:   "the size of the image, e.g. 1440KiB or 64MiB",
			},
			&cli.IntFlag{
				Name:    "blocksize",
				Aliases: []string{"b"},
				Value:   1024,
				Usage:   "the filesystem block size: 1024, 2048 or 4096",
			},
			&cli.UintFlag{
				Name:  "inodes-per-group",
				Usage: "the number of inodes in each block group",
			},
			&cli.StringFlag{
				Name:    "label",
				Aliases: []string{"L"},
				Usage:   "the volume label, at most 16 bytes",
			},
			&cli.StringFlag{
				Name:    "uuid",
				Aliases: []string{"U"},
				Usage:   "the volume uuid. A random one is used by default.",
			},
			&cli.BoolFlag{
				Name:    "query",
				Aliases: []string{"q"},
				Usage:   "describe the image rather than create it",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log at debug level",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("usage: mkext2 [options] IMAGE", 2)
	}
	common.InitLogger(ctx.Bool("debug"), true)
	image := ctx.Args().First()

	if !ctx.Bool("query") {
		size, err := humanize.ParseBytes(ctx.String("size"))
		if err != nil {
			return errors.Wrap(err, "parsing --size")
		}
		opts := ext2.FormatOptions{
			BlockSize:      ctx.Int("blocksize"),
			InodesPerGroup: uint32(ctx.Uint("inodes-per-group")),
			Label:          ctx.String("label"),
		}
		if s := ctx.String("uuid"); s != "" {
			if opts.UUID, err = uuid.Parse(s); err != nil {
				return errors.Wrap(err, "parsing --uuid")
			}
		}
		if err := create(image, size, opts); err != nil {
			return err
		}
	}
	return describe(os.Stdout, image)
}

// create writes a fresh image of size bytes, rounded down to whole sectors.
func create(image string, size uint64, opts ext2.FormatOptions) error {
	size -= size % SECTOR_SIZE
	if size == 0 {
		return errors.Wrap(common.ErrInvalidParameter, "image smaller than a sector")
	}
	file, err := os.OpenFile(image, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	err = file.Truncate(int64(size))
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "sizing %s", image)
	}

	vol, err := device.OpenFile(image, SECTOR_SIZE, false)
	if err != nil {
		return err
	}
	defer vol.Close()
	if err := ext2.Format(vol, opts); err != nil {
		return errors.Wrapf(err, "formatting %s", image)
	}
	return nil
}

func describe(w io.Writer, image string) error {
	vol, err := device.OpenFile(image, SECTOR_SIZE, true)
	if err != nil {
		return err
	}
	defer vol.Close()
	st, err := ext2.Probe(vol)
	if err != nil {
		return errors.Wrapf(err, "reading %s", image)
	}

	size := uint64(st.Blocks) * uint64(st.BlockSize)
	free := uint64(st.FreeBlocks) * uint64(st.BlockSize)
	fmt.Fprintf(w, "Image:        %s\n", image)
	fmt.Fprintf(w, "Label:        %q\n", st.Label)
	fmt.Fprintf(w, "UUID:         %s\n", st.UUID)
	fmt.Fprintf(w, "Block size:   %d\n", st.BlockSize)
	fmt.Fprintf(w, "Blocks:       %d (%s, %s free)\n", st.Blocks, humanize.IBytes(size), humanize.IBytes(free))
	fmt.Fprintf(w, "Inodes:       %d (%d free)\n", st.Inodes, st.FreeInodes)
	fmt.Fprintf(w, "Groups:       %d\n", st.Groups)
	fmt.Fprintf(w, "Mount count:  %d\n", st.MountCount)
	fmt.Fprintf(w, "Clean:        %t\n", st.CleanUnmount)
	if st.ReadOnly {
		fmt.Fprintf(w, "Read-only:    uses features this driver cannot write\n")
	}
	return nil
}
