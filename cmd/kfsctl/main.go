package main

import (
	"context"
	stdelf "debug/elf"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/device"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/elf"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/ext2"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/fd"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
)

// volume is an ext2 image mounted at / of a private tree.
type volume struct {
	dev   *device.File
	fs    *ext2.FS
	tree  *vfs.Tree
	files *fd.Table
}

func main() {
	app := cli.App{
		Name:  "kfsctl",
		Usage: "inspect and edit kcore ext2 disk images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Aliases:  []string{"i"},
				Usage:    "path of the disk image",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{{
			Name:  "mkfs",
			Usage: "write a fresh ext2 filesystem to the image",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "size",
					Usage: "image size, e.g. 8MiB; keeps the current size when empty",
				},
				&cli.UintFlag{
					Name:  "block-size-shift",
					Usage: "block size is 1024 << shift",
				},
				&cli.UintFlag{
					Name:  "blocks-per-group",
					Usage: "blocks in each group (default: 8 * block size)",
				},
				&cli.UintFlag{
					Name:  "inodes-per-group",
					Usage: "inodes in each group",
				},
			},
			Action: mkfs,
		}, {
			Name:      "ls",
			Usage:     "list the tree below a path",
			ArgsUsage: "[PATH]",
			Action: withVolume(func(vol *volume, c *cli.Context) error {
				return vol.list(os.Stdout, argOr(c, 0, "/"))
			}),
		}, {
			Name:      "cat",
			Usage:     "print a file",
			ArgsUsage: "PATH",
			Action: withVolume(func(vol *volume, c *cli.Context) error {
				return vol.cat(c.Context, os.Stdout, argOr(c, 0, ""))
			}),
		}, {
			Name:      "put",
			Usage:     "copy a local file into the image",
			ArgsUsage: "SRC DST",
			Action: withVolume(func(vol *volume, c *cli.Context) error {
				return vol.put(c.Context, argOr(c, 0, ""), argOr(c, 1, ""))
			}),
		}, {
			Name:      "mkdir",
			Usage:     "create a directory",
			ArgsUsage: "PATH",
			Action: withVolume(func(vol *volume, c *cli.Context) error {
				return vol.mkdir(c.Context, argOr(c, 0, ""))
			}),
		}, {
			Name:      "rm",
			Aliases:   []string{"unlink"},
			Usage:     "remove a file",
			ArgsUsage: "PATH",
			Action: withVolume(func(vol *volume, c *cli.Context) error {
				return vol.remove(c.Context, argOr(c, 0, ""))
			}),
		}, {
			Name:  "df",
			Usage: "report block and inode usage",
			Action: withVolume(func(vol *volume, c *cli.Context) error {
				return vol.usage(c.Context, os.Stdout)
			}),
		}, {
			Name:      "readelf",
			Usage:     "print the header and program headers of an executable",
			ArgsUsage: "PATH",
			Action: withVolume(func(vol *volume, c *cli.Context) error {
				return vol.readelf(c.Context, os.Stdout, argOr(c, 0, ""))
			}),
		}},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func argOr(c *cli.Context, i int, def string) string {
	if v := c.Args().Get(i); v != "" {
		return v
	}
	return def
}

func withContext(c *cli.Context) context.Context {
	logger := logging.New(os.Stderr, logging.FormatTint, c.String("log-level"))
	return logging.MakeContextWithLogger(c.Context, logger)
}

func withVolume(f func(*volume, *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		c.Context = withContext(c)

		vol, err := openVolume(c.Context, c.String("image"))
		if err != nil {
			return err
		}
		defer vol.dev.Close()

		return f(vol, c)
	}
}

func openVolume(ctx context.Context, path string) (*volume, error) {
	dev, err := device.OpenFile("img", path, 0, device.DefaultSectorSize)
	if err != nil {
		return nil, err
	}

	fs, err := ext2.Probe(ctx, dev)
	if err != nil {
		dev.Close()
		return nil, err
	}

	tree := vfs.NewTree()
	tree.AttachDevice(dev.Name(), dev, vfs.NewFilesystem(fs))
	if err := tree.Mount(ctx, vfs.Join(vfs.DevDir, dev.Name()), "/"); err != nil {
		dev.Close()
		return nil, err
	}

	return &volume{dev: dev, fs: fs, tree: tree, files: fd.NewTable()}, nil
}

func mkfs(c *cli.Context) error {
	ctx := withContext(c)

	var size int64
	if s := c.String("size"); s != "" {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return fmt.Errorf("size %q: %w", s, err)
		}
		size = int64(n)
	}

	dev, err := device.OpenFile("img", c.String("image"), size, device.DefaultSectorSize)
	if err != nil {
		return err
	}
	defer dev.Close()

	fs, err := ext2.Format(ctx, dev, ext2.Params{
		LogBlockSize:   uint32(c.Uint("block-size-shift")),
		BlocksPerGroup: uint32(c.Uint("blocks-per-group")),
		InodesPerGroup: uint32(c.Uint("inodes-per-group")),
	})
	if err != nil {
		return err
	}

	sb := fs.Superblock()
	fmt.Printf("%s: %d blocks of %s, %d groups, %d inodes\n",
		c.String("image"), sb.BlockCount, humanize.IBytes(uint64(sb.BlockSize())), sb.GroupCount(), sb.InodeCount)
	return nil
}

func (v *volume) list(w io.Writer, path string) error {
	root, err := v.tree.Resolve(path)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	vfs.Walk(root, func(n *vfs.Node) bool {
		if n.Device() != nil || n.Path() == vfs.DevDir {
			return false
		}
		st := n.Stat()
		name := n.Path()
		if st.IsDir() && name != "/" {
			name += "/"
		}
		fmt.Fprintf(tw, "%d\t%#o\t%d\t%s\t%s\n", st.Ino, st.Mode, st.Links, humanize.IBytes(uint64(st.Size)), name)
		return true
	})
	return tw.Flush()
}

func (v *volume) cat(ctx context.Context, w io.Writer, path string) error {
	fdNum, err := v.files.Open(ctx, v.tree, path, vfs.O_RDONLY)
	if err != nil {
		return err
	}
	defer v.files.Close(ctx, fdNum)

	buf := make([]byte, 4096)
	for {
		n, err := v.files.Read(ctx, fdNum, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
	}
}

func (v *volume) put(ctx context.Context, src, dst string) error {
	if src == "" || dst == "" {
		return fmt.Errorf("put needs SRC and DST: %w", kerrors.ErrInvalidArgument)
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	fdNum, err := v.files.Open(ctx, v.tree, dst, vfs.O_WRONLY|vfs.O_CREAT)
	if err != nil {
		return err
	}
	defer v.files.Close(ctx, fdNum)

	if _, err := v.files.Write(ctx, fdNum, data); err != nil {
		if errors.Is(err, kerrors.ErrUnsupported) {
			return fmt.Errorf("%s is %s; files are limited to their first block: %w",
				src, humanize.IBytes(uint64(len(data))), err)
		}
		return err
	}
	return v.sync(ctx)
}

func (v *volume) mkdir(ctx context.Context, path string) error {
	node, top := v.tree.Create(strings.TrimSuffix(path, "/") + "/")
	if err := node.Driver().Open(ctx, node, vfs.O_CREAT|vfs.O_DIRECTORY); err != nil {
		if top != nil {
			_ = v.tree.Remove(top.Path())
		}
		return err
	}
	return v.sync(ctx)
}

func (v *volume) remove(ctx context.Context, path string) error {
	node, err := v.tree.Resolve(path)
	if err != nil {
		return err
	}
	if err := node.Driver().Unlink(ctx, node); err != nil {
		return err
	}
	if err := v.tree.Remove(path); err != nil {
		return err
	}
	return v.sync(ctx)
}

func (v *volume) sync(ctx context.Context) error {
	return v.dev.Sync(ctx)
}

func (v *volume) usage(ctx context.Context, w io.Writer) error {
	u, err := v.fs.Usage(ctx)
	if err != nil {
		return err
	}

	bs := uint64(u.BlockSize)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tTOTAL\tUSED\tFREE")
	fmt.Fprintf(tw, "blocks\t%s\t%s\t%s\n",
		humanize.IBytes(uint64(u.Blocks)*bs),
		humanize.IBytes(uint64(u.Blocks-u.FreeBlocks)*bs),
		humanize.IBytes(uint64(u.FreeBlocks)*bs))
	fmt.Fprintf(tw, "inodes\t%s\t%s\t%s\n",
		humanize.Comma(int64(u.Inodes)),
		humanize.Comma(int64(u.Inodes-u.FreeInodes)),
		humanize.Comma(int64(u.FreeInodes)))
	fmt.Fprintf(tw, "groups\t%d\t\t\n", u.Groups)
	fmt.Fprintf(tw, "directories\t%d\t\t\n", u.UsedDirs)
	return tw.Flush()
}

func (v *volume) readelf(ctx context.Context, w io.Writer, path string) error {
	fdNum, err := v.files.Open(ctx, v.tree, path, vfs.O_RDONLY)
	if err != nil {
		return err
	}
	defer v.files.Close(ctx, fdNum)

	f, err := v.files.Get(fdNum)
	if err != nil {
		return err
	}

	hdr, err := elf.ReadHeader(ctx, f)
	if err != nil {
		return err
	}
	progs, err := elf.ReadProgramHeaders(ctx, f, hdr)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Type:    %v\n", stdelf.Type(hdr.Type))
	fmt.Fprintf(w, "Machine: %v\n", stdelf.Machine(hdr.Machine))
	fmt.Fprintf(w, "Entry:   %#x\n\n", hdr.Entry)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tOFFSET\tVADDR\tFILESZ\tMEMSZ\tFLAGS")
	for _, p := range progs {
		fmt.Fprintf(tw, "%v\t%#x\t%#x\t%s\t%s\t%v\n",
			stdelf.ProgType(p.Type), p.Off, p.Vaddr,
			humanize.IBytes(p.Filesz), humanize.IBytes(p.Memsz), stdelf.ProgFlag(p.Flags))
	}
	return tw.Flush()
}
