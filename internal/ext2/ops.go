package ext2

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging/slogext"
)

// dirData returns the whole byte stream of a directory inode.
func (fs *FS) dirData(ctx context.Context, in *Inode) ([]byte, error) {
	data := make([]byte, in.Size)
	if err := fs.readData(ctx, in, 0, data); err != nil {
		return nil, err
	}
	return data, nil
}

// find looks name up in directory dir.
func (fs *FS) find(ctx context.Context, dir *Inode, name string) (DirEntry, bool, error) {
	if !dir.IsDir() {
		return DirEntry{}, false, kerrors.ErrNotDir
	}

	data, err := fs.dirData(ctx, dir)
	if err != nil {
		return DirEntry{}, false, err
	}

	for e, err := range entries(data, fs.withFileType) {
		if err != nil {
			return DirEntry{}, false, err
		}
		if e.Name == name {
			return e, true, nil
		}
	}
	return DirEntry{}, false, nil
}

// lookup walks rel, a path relative to the volume root, from inode 2.
func (fs *FS) lookup(ctx context.Context, rel string) (uint32, *Inode, error) {
	ino := uint32(RootIno)
	in, err := fs.readInode(ctx, ino)
	if err != nil {
		return 0, nil, err
	}

	for _, name := range vfs.Split(rel) {
		e, ok, err := fs.find(ctx, in, name)
		if err != nil {
			return 0, nil, fmt.Errorf("lookup %q: %w", rel, err)
		}
		if !ok {
			return 0, nil, fmt.Errorf("lookup %q: %w", rel, kerrors.ErrNotFound)
		}

		ino = e.Ino
		if in, err = fs.readInode(ctx, ino); err != nil {
			return 0, nil, err
		}
	}

	return ino, in, nil
}

// inodeOf resolves node by its path. A removed node still held open keeps
// serving the inode it was opened on.
func (fs *FS) inodeOf(ctx context.Context, node *vfs.Node) (uint32, *Inode, error) {
	if node.Removed() && node.Stat().Ino != 0 {
		ino := node.Stat().Ino
		in, err := fs.readInode(ctx, ino)
		return ino, in, err
	}
	return fs.lookup(ctx, node.RelPath())
}

// parentOf resolves the directory holding node; a parent at the volume root
// is the root inode.
func (fs *FS) parentOf(ctx context.Context, node *vfs.Node) (uint32, *Inode, error) {
	parent := node.Parent()
	if parent.RelPath() == "/" {
		in, err := fs.readInode(ctx, RootIno)
		return RootIno, in, err
	}
	return fs.lookup(ctx, parent.RelPath())
}

// appendEntry packs a record for name at the end of directory dir and
// persists dir. Blocks added to dir are released again if that fails.
func (fs *FS) appendEntry(ctx context.Context, dirIno uint32, dir *Inode, name string, ino uint32, fileType uint8) error {
	rec := encodeEntry(ino, name, fileType, fs.withFileType)
	size := dir.Size
	end := int64(size) + int64(len(rec))

	added, err := fs.grow(ctx, dir, end)
	if err != nil {
		return err
	}
	if err := fs.writeData(ctx, dir, int64(size), rec); err != nil {
		fs.shrink(ctx, dir, added)
		return err
	}

	dir.Size = uint32(end)
	if err := fs.writeInode(ctx, dirIno, dir); err != nil {
		dir.Size = size
		fs.shrink(ctx, dir, added)
		return err
	}
	return nil
}

// removeEntry cuts the record e out of directory dir, shifting the tail left.
func (fs *FS) removeEntry(ctx context.Context, dir *Inode, e DirEntry) error {
	data, err := fs.dirData(ctx, dir)
	if err != nil {
		return err
	}

	tail := data[e.Offset+int(e.RecLen):]
	if len(tail) > 0 {
		if err := fs.writeData(ctx, dir, int64(e.Offset), tail); err != nil {
			return err
		}
	}

	dir.Size -= uint32(e.RecLen)
	return nil
}

func (fs *FS) adjustUsedDirs(ctx context.Context, ino uint32, delta int) error {
	group := (ino - 1) / fs.sb.InodesPerGroup
	desc, err := fs.readDesc(ctx, group)
	if err != nil {
		return err
	}
	desc.UsedDirs = uint16(max(int(desc.UsedDirs)+delta, 0))
	return fs.writeDesc(ctx, group, &desc)
}

func (fs *FS) Open(ctx context.Context, node *vfs.Node, flags int) error {
	const op = "ext2.FS.Open"

	if flags&vfs.O_CREAT != 0 {
		if err := fs.create(ctx, node, flags&vfs.O_DIRECTORY != 0); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}

	ino, in, err := fs.inodeOf(ctx, node)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if flags&vfs.O_DIRECTORY != 0 && !in.IsDir() {
		return fmt.Errorf("%s: %s: %w", op, node.Path(), kerrors.ErrNotDir)
	}

	node.SetStat(in.stat(ino))
	return nil
}

func (fs *FS) create(ctx context.Context, node *vfs.Node, dir bool) error {
	logger := logging.GetLoggerFromContextWithOp(ctx, "ext2.FS.create").With(slog.String("path", node.Path()))

	parentIno, parent, err := fs.parentOf(ctx, node)
	if err != nil {
		return err
	}

	_, exists, err := fs.find(ctx, parent, node.Name())
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", node.Path(), kerrors.ErrExists)
	}
	if len(node.Name()) > maxNameLen {
		return fmt.Errorf("%s: name too long: %w", node.Path(), kerrors.ErrInvalidArgument)
	}

	index, err := fs.AllocInode(ctx)
	if err != nil {
		return err
	}
	ino := index + 1

	blk, err := fs.AllocBlock(ctx)
	if err != nil {
		_ = fs.FreeInode(ctx, index)
		return err
	}

	rollback := func(cause error) error {
		logger.Warn("Create failed, releasing inode and block", slogext.Err(cause))
		_ = fs.FreeBlock(ctx, blk)
		_ = fs.FreeInode(ctx, index)
		return cause
	}

	if err := fs.zeroBlock(ctx, blk); err != nil {
		return rollback(err)
	}

	in := &Inode{
		Mode:    vfs.S_IFREG | 0o644,
		Links:   1,
		Sectors: fs.sectorsPerBlock(),
	}
	in.Block[0] = blk

	fileType := uint8(fileTypeRegular)
	if dir {
		in.Mode = vfs.S_IFDIR | 0o755
		in.Links = 2
		fileType = fileTypeDir

		dots := append(
			encodeEntry(ino, ".", fileTypeDir, fs.withFileType),
			encodeEntry(parentIno, "..", fileTypeDir, fs.withFileType)...,
		)
		if err := fs.writeData(ctx, in, 0, dots); err != nil {
			return rollback(err)
		}
		in.Size = uint32(len(dots))
	}

	if err := fs.writeInode(ctx, ino, in); err != nil {
		return rollback(err)
	}

	parent.Links++
	if err := fs.appendEntry(ctx, parentIno, parent, node.Name(), ino, fileType); err != nil {
		parent.Links--
		return rollback(err)
	}

	if dir {
		if err := fs.adjustUsedDirs(ctx, ino, 1); err != nil {
			logger.Warn("Failed to update used directory count", slogext.Err(err))
		}
	}

	node.SetStat(in.stat(ino))
	logger.Debug("Created", slog.Uint64("ino", uint64(ino)), slog.Uint64("block", uint64(blk)))
	return nil
}

// Read copies at most len(buf) bytes at offset, clamped to the node's size.
// Reading at or past the end returns no bytes.
func (fs *FS) Read(ctx context.Context, node *vfs.Node, offset int64, buf []byte) (int, error) {
	const op = "ext2.FS.Read"

	if offset < 0 {
		return 0, fmt.Errorf("%s: offset %d: %w", op, offset, kerrors.ErrInvalidArgument)
	}
	size := node.Stat().Size
	if offset >= size {
		return 0, nil
	}
	if rest := size - offset; int64(len(buf)) > rest {
		buf = buf[:rest]
	}

	_, in, err := fs.inodeOf(ctx, node)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if err := fs.readData(ctx, in, offset, buf); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return len(buf), nil
}

// Write stores buf at offset, which may not lie past the end of the file.
// Only blocks the inode already owns are written; growth past them fails
// with ErrUnsupported and writes nothing.
func (fs *FS) Write(ctx context.Context, node *vfs.Node, offset int64, buf []byte) (int, error) {
	const op = "ext2.FS.Write"

	size := node.Stat().Size
	if offset < 0 || offset > size {
		return 0, fmt.Errorf("%s: offset %d beyond size %d: %w", op, offset, size, kerrors.ErrInvalidArgument)
	}

	ino, in, err := fs.inodeOf(ctx, node)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if in.IsDir() {
		return 0, fmt.Errorf("%s: %w", op, kerrors.ErrIsDir)
	}

	if err := fs.writeData(ctx, in, offset, buf); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if end := offset + int64(len(buf)); end > int64(in.Size) {
		in.Size = uint32(end)
		if err := fs.writeInode(ctx, ino, in); err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
	}

	node.SetSize(int64(in.Size))
	return len(buf), nil
}

// Refresh creates a node for every record below node, recursing into
// directories.
func (fs *FS) Refresh(ctx context.Context, tree *vfs.Tree, node *vfs.Node) error {
	const op = "ext2.FS.Refresh"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	ino, in, err := fs.lookup(ctx, node.RelPath())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !in.IsDir() {
		return fmt.Errorf("%s: %s: %w", op, node.Path(), kerrors.ErrNotDir)
	}

	node.SetStat(in.stat(ino))

	visited := map[uint32]struct{}{ino: {}}
	count, err := fs.refreshDir(ctx, tree, node.Path(), in, visited)
	if err != nil {
		logger.Error("Refresh aborted", slogext.Err(err), slog.String("path", node.Path()))
		return fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Refreshed", slog.String("path", node.Path()), slog.Int("nodes", count))
	return nil
}

func (fs *FS) refreshDir(ctx context.Context, tree *vfs.Tree, path string, dir *Inode, visited map[uint32]struct{}) (int, error) {
	data, err := fs.dirData(ctx, dir)
	if err != nil {
		return 0, err
	}

	count := 0
	for e, err := range entries(data, fs.withFileType) {
		if err != nil {
			return count, fmt.Errorf("%s: %w", path, err)
		}
		if e.Name == "." || e.Name == ".." {
			continue
		}

		child, err := fs.readInode(ctx, e.Ino)
		if err != nil {
			return count, err
		}

		childPath := vfs.Join(path, e.Name)
		if !child.IsDir() {
			tree.Ensure(childPath).SetStat(child.stat(e.Ino))
			count++
			continue
		}

		if _, seen := visited[e.Ino]; seen {
			return count, fmt.Errorf("%s: directory loop at inode %d: %w", childPath, e.Ino, kerrors.ErrCorruptLayout)
		}
		visited[e.Ino] = struct{}{}

		tree.Ensure(childPath + "/").SetStat(child.stat(e.Ino))
		count++

		n, err := fs.refreshDir(ctx, tree, childPath, child, visited)
		count += n
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

// Unlink removes node's record from its parent and drops a link from both.
// Storage of a file left with no links is reclaimed once the last open
// descriptor on it is closed.
func (fs *FS) Unlink(ctx context.Context, node *vfs.Node) error {
	const op = "ext2.FS.Unlink"

	logger := logging.GetLoggerFromContextWithOp(ctx, op).With(slog.String("path", node.Path()))

	if node.RelPath() == "/" {
		return fmt.Errorf("%s: %s is a mount point: %w", op, node.Path(), kerrors.ErrBusy)
	}

	parentIno, parent, err := fs.parentOf(ctx, node)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	e, ok, err := fs.find(ctx, parent, node.Name())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return fmt.Errorf("%s: %s: %w", op, node.Path(), kerrors.ErrNotFound)
	}

	target, err := fs.readInode(ctx, e.Ino)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if target.IsDir() {
		return fmt.Errorf("%s: %s: %w", op, node.Path(), kerrors.ErrIsDir)
	}

	if err := fs.removeEntry(ctx, parent, e); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	parent.Links = decr(parent.Links)
	if err := fs.writeInode(ctx, parentIno, parent); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	target.Links = decr(target.Links)
	if err := fs.writeInode(ctx, e.Ino, target); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	st := node.Stat()
	st.Ino, st.Links = e.Ino, target.Links
	node.SetStat(st)

	if target.Links > 0 {
		return nil
	}

	ino := e.Ino
	err = node.DeferReclaim(ctx, func(ctx context.Context) error {
		return fs.reclaim(ctx, ino)
	})
	if err != nil {
		logger.Error("Failed to reclaim inode", slogext.Err(err), slog.Uint64("ino", uint64(ino)))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// reclaim frees the blocks and the inode of an unlinked file.
func (fs *FS) reclaim(ctx context.Context, ino uint32) error {
	in, err := fs.readInode(ctx, ino)
	if err != nil {
		return err
	}
	if in.Links > 0 {
		return nil
	}

	for i := 0; i < directBlocks; i++ {
		if in.Block[i] == 0 {
			continue
		}
		if err := fs.FreeBlock(ctx, in.Block[i]); err != nil {
			return err
		}
	}

	if err := fs.writeInode(ctx, ino, &Inode{}); err != nil {
		return err
	}
	return fs.FreeInode(ctx, ino-1)
}

// ReadDir lists the records of the directory at rel.
func (fs *FS) ReadDir(ctx context.Context, rel string) ([]DirEntry, error) {
	const op = "ext2.FS.ReadDir"

	_, in, err := fs.lookup(ctx, rel)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !in.IsDir() {
		return nil, fmt.Errorf("%s: %s: %w", op, rel, kerrors.ErrNotDir)
	}

	data, err := fs.dirData(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var out []DirEntry
	for e, err := range entries(data, fs.withFileType) {
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// StatPath returns the inode record at rel.
func (fs *FS) StatPath(ctx context.Context, rel string) (vfs.Stat, error) {
	ino, in, err := fs.lookup(ctx, rel)
	if err != nil {
		return vfs.Stat{}, err
	}
	return in.stat(ino), nil
}
