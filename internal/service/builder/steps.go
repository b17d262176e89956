package builder

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/oshokin/flatpkg/internal/config"
	"github.com/oshokin/flatpkg/internal/logger"
	"github.com/oshokin/flatpkg/internal/pkginfo"
	"github.com/oshokin/flatpkg/internal/workspace"
)

// PlistStep returns an ExtraStep applying edit to a plist of the staged root.
func PlistStep(edit config.PlistEdit) ExtraStep {
	return func(ctx context.Context, ws *workspace.Workspace) error {
		path := ws.RootPath(filepath.FromSlash(edit.Path))

		keys := make([]string, 0, len(edit.Set))
		for key := range edit.Set {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		keyvals := make([]pkginfo.KeyValue, 0, len(keys))
		for _, key := range keys {
			keyvals = append(keyvals, pkginfo.KeyValue{Key: key, Value: edit.Set[key]})
		}

		if len(keyvals) > 0 {
			if err := pkginfo.SetPlistKeys(path, keyvals); err != nil {
				return fmt.Errorf("edit %s: %w", edit.Path, err)
			}
		}

		keys = keys[:0]
		for key := range edit.Append {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		for _, key := range keys {
			for _, value := range edit.Append[key] {
				if err := pkginfo.AppendToPlistKey(path, key, value); err != nil {
					return fmt.Errorf("edit %s: %w", edit.Path, err)
				}
			}
		}

		logger.DebugKV(ctx, "Plist edited", "path", edit.Path, "set", len(edit.Set), "append", len(edit.Append))

		return nil
	}
}

// PlistSteps converts every configured edit into an ExtraStep.
func PlistSteps(edits []config.PlistEdit) []ExtraStep {
	steps := make([]ExtraStep, 0, len(edits))
	for _, edit := range edits {
		steps = append(steps, PlistStep(edit))
	}

	return steps
}
