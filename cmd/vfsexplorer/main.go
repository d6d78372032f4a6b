// Command vfsexplorer boots a VFS, mounts disk images below /volumes and
// lets you walk the tree interactively.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/device"
	"github.com/thepowersgang/vfs/fs"
)

func main() {
	app := cli.App{
		Name:      "vfsexplorer",
		Usage:     "explore disk images through the VFS",
		ArgsUsage: "IMAGE...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "a yaml or json file overriding the default configuration",
			},
			&cli.IntFlag{
				Name:  "sector",
				Value: 512,
				Usage: "the block size of the image files",
			},
			&cli.BoolFlag{
				Name:  "readonly",
				Usage: "mount the images read-only",
			},
			&cli.StringFlag{
				Name:  "driver",
				Usage: "mount with this driver instead of probing",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	cfg := common.DefaultConfig()
	if path := ctx.String("config"); path != "" {
		var err error
		if cfg, err = common.LoadConfigFile(path); err != nil {
			return err
		}
	}
	v, err := fs.New(cfg)
	if err != nil {
		return err
	}
	ex := newExplorer(v, os.Stdout)
	var opts []fs.MountOption
	if ctx.Bool("readonly") {
		opts = append(opts, fs.ReadOnly())
	}

	for i, image := range ctx.Args().Slice() {
		vol, err := device.OpenFile(image, ctx.Int("sector"), ctx.Bool("readonly"))
		if err != nil {
			return err
		}
		defer vol.Close()
		path, err := ex.mountAt(fmt.Sprintf("hd%d", i), vol, ctx.String("driver"), opts...)
		if err != nil {
			return err
		}
		fmt.Printf("%s mounted on %s\n", filepath.Base(image), path)
	}

	ex.repl(os.Stdin)
	return v.Shutdown()
}
