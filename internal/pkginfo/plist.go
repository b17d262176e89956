package pkginfo

import (
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"
)

// KeyValue is one property list assignment.
type KeyValue struct {
	Key   string
	Value any
}

// SetPlistKeys assigns every pair of keyvals at the top level of the plist at path.
func SetPlistKeys(path string, keyvals []KeyValue) error {
	return editPlist(path, func(dict map[string]any) {
		for _, kv := range keyvals {
			dict[kv.Key] = kv.Value
		}
	})
}

// AppendToPlistKey appends value to the array stored under key, creating it when missing.
func AppendToPlistKey(path, key string, value any) error {
	return editPlist(path, func(dict map[string]any) {
		existing, _ := dict[key].([]any)
		dict[key] = append(existing, value)
	})
}

// ReadPlist decodes the top-level dictionary of the plist at path.
func ReadPlist(path string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read plist: %w", err)
	}

	dict := make(map[string]any)
	if _, err = plist.Unmarshal(data, &dict); err != nil {
		return nil, fmt.Errorf("decode plist: %w", err)
	}

	return dict, nil
}

// editPlist loads a plist, applies edit and writes it back in its original format.
func editPlist(path string, edit func(map[string]any)) error {
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat plist: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plist: %w", err)
	}

	dict := make(map[string]any)

	format, err := plist.Unmarshal(data, &dict)
	if err != nil {
		return fmt.Errorf("decode plist: %w", err)
	}

	edit(dict)

	out, err := plist.MarshalIndent(dict, format, "\t")
	if err != nil {
		return fmt.Errorf("encode plist: %w", err)
	}

	if err = os.WriteFile(path, out, info.Mode().Perm()); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}

	return nil
}
