package commands

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"howett.net/plist"

	"github.com/aluedeke/go-macsign/pkg/model"
)

// WithWorkDirectory creates a fresh temporary work directory, calls fn with
// paths rebased onto it, and removes the directory when fn returns, whether
// or not fn failed.
func WithWorkDirectory(paths model.Paths, fn func(model.Paths) error) (err error) {
	dir, err := os.MkdirTemp("", "macsign-")
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	log.Debugf("Created work directory %s", dir)
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Warnf("Failed to remove work directory %s: %v", dir, rmErr)
			if err == nil {
				err = rmErr
			}
		}
	}()

	return fn(paths.ReplaceWork(dir))
}

// WithPlist decodes the property list at path and passes its top-level
// dictionary to fn. When rewrite is set and fn succeeds, the dictionary is
// written back in the file's original format.
func WithPlist(path string, rewrite bool, fn func(map[string]interface{}) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read plist: %w", err)
	}

	var dict map[string]interface{}
	format, err := plist.Unmarshal(data, &dict)
	if err != nil {
		return fmt.Errorf("failed to parse plist %s: %w", path, err)
	}

	if err := fn(dict); err != nil {
		return err
	}
	if !rewrite {
		return nil
	}

	out, err := plist.MarshalIndent(dict, format, "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal plist %s: %w", path, err)
	}
	return WriteFile(path, out)
}
