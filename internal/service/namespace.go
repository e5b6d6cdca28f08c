package service

import (
	"context"
	"fmt"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/models"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging/slogext"
)

func nodeType(n *vfs.Node) models.NodeType {
	switch {
	case n.Device() != nil:
		return models.NodeTypeDevice
	case n.IsDir():
		return models.NodeTypeDir
	default:
		return models.NodeTypeFile
	}
}

func nodeMeta(n *vfs.Node) *models.NodeMeta {
	st := n.Stat()
	return &models.NodeMeta{
		Ino:   int64(st.Ino),
		Type:  nodeType(n),
		Mode:  st.Mode,
		Size:  st.Size,
		Links: st.Links,
	}
}

// Mkdir creates a directory at path. On failure no namespace entry is left
// behind.
func (s *kernelService) Mkdir(ctx context.Context, path string) (*models.NodeMeta, error) {
	const op = "service.kernelService.Mkdir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.tree.Resolve(path); err == nil {
		return nil, s.fail(ctx, nil, op, fmt.Errorf("%s: %w", path, kerrors.ErrExists))
	}

	node, top := s.tree.Create(path + "/")
	if err := node.Driver().Open(ctx, node, vfs.O_CREAT|vfs.O_DIRECTORY); err != nil {
		if top != nil {
			if rmErr := s.tree.Remove(top.Path()); rmErr != nil {
				logger.Error("Failed to roll back namespace entry", slogext.Err(rmErr))
			}
		}
		return nil, s.fail(ctx, nil, op, err)
	}
	return nodeMeta(node), nil
}

// Unlink removes the file at path from its directory and from the tree.
func (s *kernelService) Unlink(ctx context.Context, path string) error {
	const op = "service.kernelService.Unlink"

	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.tree.Resolve(path)
	if err != nil {
		return s.fail(ctx, nil, op, err)
	}
	if err := node.Driver().Unlink(ctx, node); err != nil {
		return s.fail(ctx, nil, op, err)
	}
	if err := s.tree.Remove(path); err != nil {
		return s.fail(ctx, nil, op, err)
	}
	return nil
}

func (s *kernelService) Stat(ctx context.Context, path string) (*models.NodeMeta, error) {
	const op = "service.kernelService.Stat"

	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.tree.Resolve(path)
	if err != nil {
		return nil, s.fail(ctx, nil, op, err)
	}
	return nodeMeta(node), nil
}

// ReadDir lists the children of the directory at path in creation order.
func (s *kernelService) ReadDir(ctx context.Context, path string) ([]models.Dirent, error) {
	const op = "service.kernelService.ReadDir"

	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.tree.Resolve(path)
	if err != nil {
		return nil, s.fail(ctx, nil, op, err)
	}
	if !node.IsDir() {
		return nil, s.fail(ctx, nil, op, fmt.Errorf("%s: %w", path, kerrors.ErrNotDir))
	}

	children := node.Children()
	out := make([]models.Dirent, 0, len(children))
	for _, c := range children {
		st := c.Stat()
		out = append(out, models.Dirent{
			Name: c.Name(),
			Ino:  int64(st.Ino),
			Type: nodeType(c),
			Size: st.Size,
		})
	}
	return out, nil
}
