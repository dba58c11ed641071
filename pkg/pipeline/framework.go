package pipeline

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"

	"github.com/aluedeke/go-macsign/pkg/commands"
)

// FrameworkMismatchError reports that a framework signed for an earlier
// distribution did not reproduce exactly when reused. Delta updates between
// distributions rely on their frameworks being identical.
type FrameworkMismatchError struct {
	BundleID string
	Path     string

	WantChanges, GotChanges int
	WantDigest, GotDigest   digest.Digest
}

func (e *FrameworkMismatchError) Error() string {
	if e.WantChanges != e.GotChanges {
		return fmt.Sprintf("reused framework for %s from %s changed %d files, want %d",
			e.BundleID, e.Path, e.GotChanges, e.WantChanges)
	}
	return fmt.Sprintf("reused framework for %s from %s has digest %s, want %s",
		e.BundleID, e.Path, e.GotDigest, e.WantDigest)
}

// signedFramework records where a signed framework ended up and how it
// differed from its unsigned input.
type signedFramework struct {
	path    string
	changes int
	digest  digest.Digest
}

// frameworkCache maps a base bundle id to its signed framework for the
// duration of one SignAll call.
type frameworkCache map[string]signedFramework

// capture measures the freshly signed framework at signed against its
// unsigned copy. dest is where the framework will live once the app has
// been moved out of the work directory.
func capture(ctx context.Context, r commands.Runner, signed, unsigned, dest string) (signedFramework, error) {
	changes, err := commands.CopyDirOverwriteAndCountChanges(ctx, r, signed, unsigned, true)
	if err != nil {
		return signedFramework{}, err
	}
	d, err := commands.DigestTree(signed)
	if err != nil {
		return signedFramework{}, fmt.Errorf("failed to digest signed framework: %w", err)
	}
	log.Debugf("Signed framework %s: %d changes, %s", dest, changes, d)
	return signedFramework{path: dest, changes: changes, digest: d}, nil
}

// reuse copies the cached signed framework over the unsigned one at target
// and checks that the result is the same as when it was captured.
func (f signedFramework) reuse(ctx context.Context, r commands.Runner, bundleID, target string) error {
	log.Infof("Reusing signed framework from %s", f.path)
	changes, err := commands.CopyDirOverwriteAndCountChanges(ctx, r, f.path, target, false)
	if err != nil {
		return err
	}
	mismatch := &FrameworkMismatchError{
		BundleID:    bundleID,
		Path:        f.path,
		WantChanges: f.changes,
		GotChanges:  changes,
		WantDigest:  f.digest,
	}
	if changes != f.changes {
		return mismatch
	}

	d, err := commands.DigestTree(target)
	if err != nil {
		return fmt.Errorf("failed to digest reused framework: %w", err)
	}
	if d != f.digest {
		mismatch.GotDigest = d
		return mismatch
	}
	return nil
}
