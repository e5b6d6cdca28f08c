package vfs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/device"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging/slogext"
)

const DevDir = "/dev"

// Tree is the namespace. It holds no locks; callers serialize access.
type Tree struct {
	root *Node
}

func NewTree() *Tree {
	root := &Node{
		absPath:  "/",
		relPath:  "/",
		fs:       NewFilesystem(Null()),
		children: make(map[string]*Node),
		stat:     Stat{Mode: S_IFDIR | 0o755, Links: 2},
	}
	root.parent = root
	return &Tree{root: root}
}

func (t *Tree) Root() *Node { return t.root }

// Split tokenizes path on '/', dropping empty components.
func Split(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Join appends name to an absolute directory path.
func Join(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func relativePath(fs *Filesystem, abs string) string {
	if !fs.mounted {
		return abs
	}
	rel := strings.TrimPrefix(abs, fs.mountGate)
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return rel
}

// Resolve returns the node at path. It never creates nodes.
func (t *Tree) Resolve(path string) (*Node, error) {
	cur := t.root
	for _, name := range Split(path) {
		next, ok := cur.children[name]
		if !ok {
			return nil, fmt.Errorf("resolve %q: %w", path, kerrors.ErrNotFound)
		}
		cur = next
	}
	return cur, nil
}

// Ensure resolves path, creating every missing component under the last
// resolved one. Created intermediates are directories, as is the final
// component when path carries a trailing '/'.
func (t *Tree) Ensure(path string) *Node {
	node, _ := t.Create(path)
	return node
}

// Create is Ensure that also reports the top-most node it had to create,
// nil when path already existed. Removing that node undoes the call.
func (t *Tree) Create(path string) (node *Node, top *Node) {
	parts := Split(path)
	dirHint := strings.HasSuffix(path, "/")

	cur := t.root
	for i, name := range parts {
		next, ok := cur.children[name]
		if !ok {
			next = newNode(cur, name, cur.fs)
			if i < len(parts)-1 || dirHint {
				next.stat.Mode = S_IFDIR | 0o755
			}
			cur.attach(next)
			if top == nil {
				top = next
			}
		}
		cur = next
	}
	return cur, top
}

// Remove detaches the node at path together with its subtree.
func (t *Tree) Remove(path string) error {
	node, err := t.Resolve(path)
	if err != nil {
		return err
	}
	if node == t.root {
		return fmt.Errorf("remove %q: %w", path, kerrors.ErrBusy)
	}

	node.parent.detach(node)
	markRemoved(node)
	return nil
}

func markRemoved(n *Node) {
	for _, c := range n.order {
		markRemoved(c)
	}
	n.removed = true
}

// AttachDevice publishes dev as /dev/<name>. fs is what probing found on the
// device; nil means nothing mountable.
func (t *Tree) AttachDevice(name string, dev device.Device, fs *Filesystem) *Node {
	node := t.Ensure(Join(DevDir, name))
	node.device = dev
	node.source = fs
	node.stat = Stat{
		Size: dev.Size(),
		Mode: S_IFBLK | 0o660,
	}
	return node
}

// Mount binds the filesystem probed on source onto target and populates the
// target's subtree. Existing descendants of target keep their filesystem.
func (t *Tree) Mount(ctx context.Context, source, target string) error {
	const op = "vfs.Tree.Mount"

	logger := logging.GetLoggerFromContextWithOp(ctx, op).With(
		slog.String("source", source),
		slog.String("target", target),
	)

	src, err := t.Resolve(source)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if src.device == nil {
		return fmt.Errorf("%s: %s is not a device: %w", op, source, kerrors.ErrNoDevice)
	}
	if src.source == nil || src.source.Kind() == KindNull {
		return fmt.Errorf("%s: %s: %w", op, source, kerrors.ErrUnrecognizedFS)
	}
	if src.source.mounted {
		return fmt.Errorf("%s: %s already mounted on %s: %w", op, source, src.source.mountGate, kerrors.ErrBusy)
	}

	dst, err := t.Resolve(target)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	fs := src.source
	prevFS, prevRel := dst.fs, dst.relPath
	existing := make(map[*Node]struct{}, len(dst.order))
	for _, c := range dst.order {
		existing[c] = struct{}{}
	}

	dst.fs = fs
	fs.mountGate = dst.absPath
	fs.mounted = true
	dst.relPath = "/"

	if err := fs.driver.Refresh(ctx, t, dst); err != nil {
		logger.Error("Refresh failed, rolling back mount", slogext.Err(err))

		for _, c := range dst.Children() {
			if _, ok := existing[c]; !ok {
				dst.detach(c)
				markRemoved(c)
			}
		}
		dst.fs, dst.relPath = prevFS, prevRel
		fs.mountGate, fs.mounted = "", false

		return fmt.Errorf("%s: %w", op, err)
	}

	logger.Info("Mounted", slog.String("fs", fs.Kind().String()))
	return nil
}

// Walk visits node and its subtree depth first.
func Walk(node *Node, fn func(*Node) bool) {
	if !fn(node) {
		return
	}
	for _, c := range node.order {
		Walk(c, fn)
	}
}
