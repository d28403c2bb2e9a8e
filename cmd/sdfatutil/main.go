// Command sdfatutil mounts a FAT16/FAT32 image file and inspects or
// manipulates it from the command line: list the root directory, dump a
// file's contents, or format a blank image. It's the same cli.App/
// cli.Command shape the original tool used for disk-image management,
// retargeted at SD card images instead of generic disk images.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/tinyfs/sdfat/fat"
	"github.com/tinyfs/sdfat/memdev"
	"github.com/tinyfs/sdfat/mkfs"
)

func main() {
	app := cli.App{
		Name:  "sdfatutil",
		Usage: "Inspect and manipulate FAT16/FAT32 SD card images",
		Commands: []*cli.Command{
			{
				Name:      "mount",
				Usage:     "Print volume geometry",
				ArgsUsage: "IMAGE_FILE",
				Action:    mountInfo,
			},
			{
				Name:      "ls",
				Usage:     "List the root directory",
				ArgsUsage: "IMAGE_FILE",
				Action:    listRoot,
			},
			{
				Name:      "cat",
				Usage:     "Print a file's contents to stdout",
				ArgsUsage: "IMAGE_FILE NAME",
				Action:    catFile,
			},
			{
				Name:      "format",
				Usage:     "Format a blank image file as FAT16 or FAT32",
				ArgsUsage: "IMAGE_FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "fat-type", Value: "auto", Usage: "16, 32, or auto"},
					&cli.IntFlag{Name: "sectors-per-cluster", Value: 0, Usage: "0 picks a default"},
					&cli.BoolFlag{Name: "partitioned", Value: false, Usage: "write an MBR partition table"},
					&cli.StringFlag{Name: "label", Value: ""},
				},
				Action: formatImage,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("sdfatutil: %s", err.Error())
	}
}

func openVolume(path string) (*fat.Volume, *os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}
	dev, err := memdev.NewFileDevice(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	vol, err := fat.Mount(dev, fat.MountOptions{})
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return vol, f, nil
}

func mountInfo(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return cli.Exit("usage: sdfatutil mount IMAGE_FILE", 1)
	}

	vol, f, err := openVolume(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Printf("fatType:          FAT%d\n", vol.FATType())
	fmt.Printf("blocksPerCluster: %d\n", vol.BlocksPerCluster())
	fmt.Printf("clusterSizeShift: %d\n", vol.ClusterSizeShift())
	fmt.Printf("rootDirStart:     %d\n", vol.RootDirStart())
	fmt.Printf("rootDirEntries:   %d\n", vol.RootDirEntryCount())
	return nil
}

func listRoot(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return cli.Exit("usage: sdfatutil ls IMAGE_FILE", 1)
	}

	vol, f, err := openVolume(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer f.Close()

	root, err := fat.OpenRoot(vol)
	if err != nil {
		return err
	}

	for {
		entry, err := root.NextDirent()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if entry.Name == "" {
			continue
		}
		kind := "file"
		if entry.IsDir {
			kind = "dir "
		}
		fmt.Printf("%-5s %10d  %s\n", kind, entry.Size, entry.Name)
	}
	return nil
}

func catFile(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return cli.Exit("usage: sdfatutil cat IMAGE_FILE NAME", 1)
	}

	vol, f, err := openVolume(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer f.Close()

	root, err := fat.OpenRoot(vol)
	if err != nil {
		return err
	}

	file, err := root.Open(c.Args().Get(1), fat.OReadOnly)
	if err != nil {
		return err
	}

	buf := make([]byte, 4096)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil || n == 0 {
			break
		}
	}
	return file.Close()
}

func formatImage(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return cli.Exit("usage: sdfatutil format IMAGE_FILE", 1)
	}

	f, err := os.OpenFile(c.Args().Get(0), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	dev, err := memdev.NewFileDevice(f)
	if err != nil {
		return err
	}

	var fatType uint8
	switch c.String("fat-type") {
	case "16":
		fatType = 16
	case "32":
		fatType = 32
	case "auto", "":
		fatType = 0
	default:
		n, err := strconv.Atoi(c.String("fat-type"))
		if err != nil || (n != 16 && n != 32) {
			return cli.Exit("fat-type must be 16, 32, or auto", 1)
		}
		fatType = uint8(n)
	}

	return mkfs.Format(dev, mkfs.Options{
		FATType:           fatType,
		SectorsPerCluster: uint8(c.Int("sectors-per-cluster")),
		Partitioned:       c.Bool("partitioned"),
		VolumeLabel:       c.String("label"),
	})
}
