package commands

import (
	"bufio"
	"bytes"
	"context"
	_ "crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// CopyDirOverwriteAndCountChanges makes dst an exact copy of src with rsync
// and returns the number of entries rsync reported as changed. With dryRun
// nothing is copied, so the count measures how far dst is from src.
func CopyDirOverwriteAndCountChanges(ctx context.Context, r Runner, src, dst string, dryRun bool) (int, error) {
	args := []string{"rsync", "--archive", "--checksum", "--itemize-changes", "--delete"}
	if dryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, strings.TrimSuffix(src, "/")+"/", dst)

	out, err := RunCommandOutput(ctx, r, args...)
	if err != nil {
		return 0, err
	}
	return countLines(out), nil
}

func countLines(out []byte) int {
	n := 0
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			n++
		}
	}
	return n
}

// DigestTree returns a digest over the names, modes, symlink targets and
// file contents beneath root, visited in lexical order.
func DigestTree(root string) (digest.Digest, error) {
	digester := digest.Canonical.Digester()
	h := digester.Hash()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%o\x00", filepath.ToSlash(rel), info.Mode())

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "%s\x00", target)
		case info.Mode().IsRegular():
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(h, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to digest %s: %w", root, err)
	}
	return digester.Digest(), nil
}
