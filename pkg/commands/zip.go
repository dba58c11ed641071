package commands

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// ZipOptions controls archive creation.
type ZipOptions struct {
	// Level is a flate compression level. Zero selects flate.DefaultCompression.
	Level int
	// KeepParent stores entries under the base name of the source directory,
	// like ditto --keepParent.
	KeepParent bool
}

// Zip archives the directory src into the file dst. Symlinks are stored as
// links so signed bundles keep a valid layout when extracted.
func Zip(src, dst string, opts ZipOptions) error {
	level := opts.Level
	if level == 0 {
		level = flate.DefaultCompression
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	w := zip.NewWriter(out)
	w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	prefix := ""
	if opts.KeepParent {
		prefix = filepath.Base(src) + "/"
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			if prefix != "" {
				_, err := w.Create(prefix)
				return err
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = prefix + strings.ReplaceAll(relPath, string(os.PathSeparator), "/")

		switch {
		case info.IsDir():
			header.Name += "/"
			header.Method = zip.Store
			_, err := w.CreateHeader(header)
			return err
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			header.Method = zip.Store
			writer, err := w.CreateHeader(header)
			if err != nil {
				return err
			}
			_, err = io.WriteString(writer, target)
			return err
		}

		header.Method = zip.Deflate
		writer, err := w.CreateHeader(header)
		if err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(writer, file)
		return err
	})
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to zip %s: %w", src, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", dst, err)
	}
	return out.Close()
}
