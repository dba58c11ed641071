// Package signing runs codesign and spctl against the products of a signing
// run, and reads back what ended up in a signature.
package signing

import (
	"context"
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/aluedeke/go-macsign/pkg/commands"
	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/model"
)

// SignPartArgs returns the codesign command line that SignPart runs.
func SignPartArgs(paths model.Paths, cfg config.Config, part *model.CodeSignedProduct) []string {
	args := []string{"codesign", "--sign", cfg.Identity()}
	if cfg.NotaryUser() != "" {
		// Notarization requires a secure timestamp.
		args = append(args, "--timestamp")
	}
	if part.SignWithIdentifier {
		args = append(args, "--identifier", part.Identifier)
	}
	if reqs := part.RequirementsString(cfg); reqs != "" {
		args = append(args, "--requirements", "="+reqs)
	}
	if part.Options != 0 {
		args = append(args, "--options", part.Options.String())
	}
	if part.Entitlements != "" {
		args = append(args, "--entitlements", filepath.Join(paths.Work, part.Entitlements))
	}
	return append(args, filepath.Join(paths.Work, part.Path))
}

// SignPart code signs part in place.
func SignPart(ctx context.Context, r commands.Runner, paths model.Paths, cfg config.Config, part *model.CodeSignedProduct) error {
	if err := part.Validate(); err != nil {
		return err
	}
	log.Infof("Signing %s", part.Path)
	if err := commands.RunCommand(ctx, r, SignPartArgs(paths, cfg, part)...); err != nil {
		return fmt.Errorf("failed to sign %s: %w", part.Path, err)
	}
	return nil
}

// VerifyPart displays the designated requirement of part and verifies its
// signature with the part's verify options.
func VerifyPart(ctx context.Context, r commands.Runner, paths model.Paths, part *model.CodeSignedProduct) error {
	path := filepath.Join(paths.Work, part.Path)

	if err := commands.RunCommand(ctx, r, "codesign", "--display", "--verbose=5", "--requirements", "-", path); err != nil {
		return fmt.Errorf("failed to display signature of %s: %w", part.Path, err)
	}

	args := []string{"codesign", "--verify", "--verbose=6"}
	args = append(args, part.VerifyOptions.Flags()...)
	args = append(args, path)
	if err := commands.RunCommand(ctx, r, args...); err != nil {
		return fmt.Errorf("failed to verify %s: %w", part.Path, err)
	}
	return nil
}

// ValidateApp verifies the outer application and, unless disabled in cfg,
// runs a Gatekeeper assessment on it.
func ValidateApp(ctx context.Context, r commands.Runner, paths model.Paths, cfg config.Config, part *model.CodeSignedProduct) error {
	if err := VerifyPart(ctx, r, paths, part); err != nil {
		return err
	}
	if !cfg.RunSpctlAssess() {
		return nil
	}
	path := filepath.Join(paths.Work, part.Path)
	if err := commands.RunCommand(ctx, r, "spctl", "--assess", "-vv", path); err != nil {
		return fmt.Errorf("gatekeeper rejected %s: %w", part.Path, err)
	}
	return nil
}
