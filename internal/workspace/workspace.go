package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/logger"
)

const (
	// RootDir holds the files to install.
	RootDir = "root"
	// ScriptsDir holds the preinstall/postinstall scripts.
	ScriptsDir = "scripts"
	// PackageDir is the directory the flat package is assembled from.
	PackageDir = "base.pkg"
	// PackageInfoFile is the manifest template inside PackageDir.
	PackageInfoFile = "PackageInfo"

	// buildDirName is the template copy inside the temporary directory.
	buildDirName = "build"
	// tempPrefix prefixes every workspace directory name.
	tempPrefix = "flatpkg-"
	// dirPermissions is used for directories created by the workspace itself.
	dirPermissions = 0o755
)

var (
	// ErrTemplateNotDir is returned when the template path is not a directory.
	ErrTemplateNotDir = errors.New("build template is not a directory")
	// ErrTemplateIncomplete is returned when a required template member is missing.
	ErrTemplateIncomplete = errors.New("build template is incomplete")
	// errUnsupportedFileType is returned for sockets, devices and pipes in a template.
	errUnsupportedFileType = errors.New("unsupported file type")
)

// Options tunes where workspaces are created.
type Options struct {
	// BaseDir is the parent of workspace directories, os.TempDir() when empty.
	BaseDir string
	// ID names the workspace, a random UUID when empty.
	ID string
}

// Workspace is one build's private copy of the template.
type Workspace struct {
	// id identifies the workspace and the build owning it.
	id string
	// tempDir is the directory removed by Dispose.
	tempDir string
	// buildDir is the template copy.
	buildDir string
	// disposed is set once Dispose ran.
	disposed bool
}

// Stage copies templateDir into a fresh temporary directory.
// Every failure is reported as a build.StageError of build.StageStaging.
func Stage(ctx context.Context, templateDir string, opts *Options) (*Workspace, error) {
	ws, err := stage(ctx, templateDir, opts)
	if err != nil {
		return nil, build.NewStageError(build.StageStaging, err)
	}

	return ws, nil
}

func stage(ctx context.Context, templateDir string, opts *Options) (*Workspace, error) {
	if opts == nil {
		opts = new(Options)
	}

	info, err := os.Stat(templateDir)
	if err != nil {
		return nil, fmt.Errorf("stat template: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", templateDir, ErrTemplateNotDir)
	}

	if err = checkTemplate(templateDir); err != nil {
		return nil, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	tempDir, err := os.MkdirTemp(opts.BaseDir, tempPrefix+id+"-")
	if err != nil {
		return nil, fmt.Errorf("create temporary directory: %w", err)
	}

	ws := &Workspace{
		id:       id,
		tempDir:  tempDir,
		buildDir: filepath.Join(tempDir, buildDirName),
	}

	if err = copyTree(ctx, templateDir, ws.buildDir); err != nil {
		_ = ws.Dispose()

		return nil, fmt.Errorf("copy template: %w", err)
	}

	logger.DebugKV(ctx, "Workspace staged", "template", templateDir, "path", ws.buildDir)

	return ws, nil
}

// checkTemplate verifies the three required template members.
func checkTemplate(templateDir string) error {
	required := []struct {
		path string
		dir  bool
	}{
		{path: RootDir, dir: true},
		{path: ScriptsDir, dir: true},
		{path: filepath.Join(PackageDir, PackageInfoFile), dir: false},
	}

	for _, member := range required {
		info, err := os.Stat(filepath.Join(templateDir, member.path))
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTemplateIncomplete, member.path, err)
		}

		if info.IsDir() != member.dir {
			return fmt.Errorf("%w: %s has the wrong type", ErrTemplateIncomplete, member.path)
		}
	}

	return nil
}

// ID returns the workspace identifier.
func (w *Workspace) ID() string {
	return w.id
}

// Dir returns the temporary directory owned by the workspace.
func (w *Workspace) Dir() string {
	return w.tempDir
}

// BuildPath joins elem onto the template copy.
func (w *Workspace) BuildPath(elem ...string) string {
	return filepath.Join(append([]string{w.buildDir}, elem...)...)
}

// RootPath joins elem onto the root/ directory.
func (w *Workspace) RootPath(elem ...string) string {
	return w.BuildPath(append([]string{RootDir}, elem...)...)
}

// ScriptsPath returns the scripts/ directory.
func (w *Workspace) ScriptsPath() string {
	return w.BuildPath(ScriptsDir)
}

// PackagePath joins elem onto the base.pkg/ directory.
func (w *Workspace) PackagePath(elem ...string) string {
	return w.BuildPath(append([]string{PackageDir}, elem...)...)
}

// TempPath joins elem onto the temporary directory, outside the template copy.
func (w *Workspace) TempPath(elem ...string) string {
	return filepath.Join(append([]string{w.tempDir}, elem...)...)
}

// Mkdir creates a directory below the temporary directory and returns its path.
func (w *Workspace) Mkdir(name string) (string, error) {
	path := w.TempPath(name)
	if err := os.Mkdir(path, dirPermissions); err != nil {
		return "", err
	}

	return path, nil
}

// Dispose removes the temporary directory. Calling it again is a no-op.
func (w *Workspace) Dispose() error {
	if w == nil || w.disposed {
		return nil
	}

	w.disposed = true

	makeRemovable(w.tempDir)

	if err := os.RemoveAll(w.tempDir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}

	return nil
}

// dirMode is a staged directory whose template permissions are applied after its contents.
type dirMode struct {
	path string
	perm fs.FileMode
}

// copyTree copies src into dst, preserving permissions and symlinks.
// Directories below root/ and scripts/ get their exact template mode back once the copy is done,
// the rest stay owner-writable for the later build steps.
func copyTree(ctx context.Context, src, dst string) error {
	var archived []dirMode

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err = ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch mode := info.Mode(); {
		case mode.IsDir():
			if err = os.MkdirAll(target, mode.Perm()|0o700); err != nil {
				return err
			}

			if isArchived(rel) && mode.Perm()&0o700 != 0o700 {
				archived = append(archived, dirMode{path: target, perm: mode.Perm()})
			}

			return os.Chmod(target, mode.Perm()|0o700)
		case mode&fs.ModeSymlink != 0:
			var link string

			if link, err = os.Readlink(path); err != nil {
				return err
			}

			return os.Symlink(link, target)
		case mode.IsRegular():
			return copyFile(path, target, mode.Perm())
		default:
			return fmt.Errorf("%s: %w", rel, errUnsupportedFileType)
		}
	})
	if err != nil {
		return err
	}

	// Deepest directories first, parents may drop their write bit.
	for i := len(archived) - 1; i >= 0; i-- {
		if err = os.Chmod(archived[i].path, archived[i].perm); err != nil {
			return err
		}
	}

	return nil
}

// isArchived reports whether rel lies in a tree that ends up in Payload or Scripts.
func isArchived(rel string) bool {
	for _, dir := range []string{RootDir, ScriptsDir} {
		if rel == dir || strings.HasPrefix(rel, dir+string(filepath.Separator)) {
			return true
		}
	}

	return false
}

// makeRemovable gives the owner full access to every directory below dir.
func makeRemovable(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(path, 0o700)
		}

		return nil
	})
}

// copyFile copies one regular file with the given permissions.
func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}

	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(filepath.Clean(dst), os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()

		return err
	}

	if err = out.Close(); err != nil {
		return err
	}

	// OpenFile applies the umask, restore the template's bits.
	return os.Chmod(dst, perm)
}
