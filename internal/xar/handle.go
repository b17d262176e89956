package xar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/oshokin/flatpkg/internal/domain/build"
)

// Handle is a container extracted into a working directory for modification.
type Handle struct {
	dir string
}

// OpenDir extracts the container data into dir, which must exist.
func OpenDir(data []byte, dir string) (*Handle, error) {
	a, err := Open(data)
	if err != nil {
		return nil, err
	}

	if err = a.ExtractTo(dir); err != nil {
		return nil, err
	}

	return &Handle{dir: dir}, nil
}

// Dir returns the working directory.
func (h *Handle) Dir() string {
	return h.dir
}

// Path returns the working path of the member name.
func (h *Handle) Path(name string) string {
	return filepath.Join(h.dir, filepath.FromSlash(name))
}

// AddMember moves the file or directory at src into the container as name.
func (h *Handle) AddMember(name, src string) error {
	target, err := safeJoin(h.dir, name)
	if err != nil {
		return build.NewStageError(build.StageContainer, fmt.Errorf("add member %s: %w", name, err))
	}

	if err = checkParents(h.dir, target); err != nil {
		return build.NewStageError(build.StageContainer, fmt.Errorf("add member %s: %w", name, err))
	}

	if _, err = os.Lstat(target); err == nil {
		return build.NewStageError(build.StageContainer, fmt.Errorf("add member %s: %w", name, errMemberExists))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return build.NewStageError(build.StageContainer, fmt.Errorf("add member %s: %w", name, err))
	}

	if err = os.Rename(src, target); err != nil {
		return build.NewStageError(build.StageContainer, fmt.Errorf("add member %s: %w", name, err))
	}

	return nil
}

// checkParents refuses targets whose parent components below dir are not plain directories.
func checkParents(dir, target string) error {
	rel, err := filepath.Rel(dir, filepath.Dir(target))
	if err != nil || rel == "." {
		return err
	}

	current := dir

	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)

		info, err := os.Lstat(current)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		if err != nil {
			return err
		}

		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", errUnsafePath, current)
		}
	}

	return nil
}

// Reassemble packs the working directory back into a container.
func (h *Handle) Reassemble(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	if err := Assemble(ctx, h.dir, &buf, nil); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
