package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	log "github.com/sirupsen/logrus"

	"github.com/aluedeke/go-macsign/pkg/commands"
	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/model"
	"github.com/aluedeke/go-macsign/pkg/parts"
	"github.com/aluedeke/go-macsign/pkg/signing"
)

// ErrInstallerIdentityRequired is returned when a PKG is requested without
// an installer signing identity.
var ErrInstallerIdentityRequired = errors.New("installer identity is required to build a pkg")

const diffToolsDir = "diff_tools"

// diffScripts ship unsigned next to the signed installer tools.
var diffScripts = []string{
	"dirdiffer.sh",
	"dirpatcher.sh",
	"dmgdiffer.sh",
	"keystone_install.sh",
	"pkg-dmg",
}

// DMGIdentifier is the code signing identifier of a distribution's disk
// image: the packaging basename, with the packaging name fragment replaced
// by the branding code when there is one.
func DMGIdentifier(dist config.Distribution, cfg config.Config) string {
	id := cfg.PackagingBasename()
	if dist.BrandingCode != "" && dist.PackagingNameFragment != "" {
		id = strings.Replace(id, dist.PackagingNameFragment, dist.BrandingCode, 1)
	}
	return id
}

// PkgDMGArgs returns the pkg-dmg command line that builds dmgPath from the
// signed app in paths.Work.
func PkgDMGArgs(paths model.Paths, dist config.Distribution, cfg config.Config, dmgPath string) []string {
	packagingDir := paths.PackagingDir(cfg)

	dsStore, icon := "chrome_dmg_dsstore", "chrome_dmg_icon.icns"
	if dist.ChannelCustomize && dist.Channel != "" {
		dsStore = fmt.Sprintf("chrome_%s_dmg_dsstore", dist.Channel)
		icon = fmt.Sprintf("chrome_%s_dmg_icon.icns", dist.Channel)
	}

	return []string{
		filepath.Join(packagingDir, "pkg-dmg"),
		"--verbosity", "0",
		"--tempdir", paths.Work,
		"--source", paths.InWork("empty"),
		"--target", dmgPath,
		"--format", "UDBZ",
		// The .DS_Store layout expects the uncustomized volume name.
		"--volname", cfg.Base().AppProduct(),
		"--icon", filepath.Join(packagingDir, icon),
		"--copy", paths.InWork(cfg.AppDir()) + ":/",
		"--copy", filepath.Join(packagingDir, "keystone_install.sh") + ":/.keystone_install",
		"--mkdir", ".background",
		"--copy", filepath.Join(packagingDir, "chrome_dmg_background.png") + ":/.background/background.png",
		"--copy", filepath.Join(packagingDir, dsStore) + ":/.DS_Store",
		"--symlink", "/Applications:/ ",
	}
}

// packageAndSignDMG builds <output>/<basename>.dmg around the signed app in
// paths.Work, then signs and verifies it.
func (p *Pipeline) packageAndSignDMG(ctx context.Context, paths model.Paths, dist config.Distribution, cfg config.Config) (string, error) {
	name := cfg.PackagingBasename() + ".dmg"
	dmgPath := filepath.Join(paths.Output, name)

	if err := commands.MakeDir(paths.InWork("empty")); err != nil {
		return "", err
	}
	log.Infof("Building %s", name)
	if err := commands.RunCommand(ctx, p.Runner, PkgDMGArgs(paths, dist, cfg, dmgPath)...); err != nil {
		return "", fmt.Errorf("failed to build %s: %w", name, err)
	}

	product := model.NewCodeSignedProduct(name, DMGIdentifier(dist, cfg))
	product.SignWithIdentifier = true
	outPaths := paths.ReplaceWork(paths.Output)
	if err := signing.SignPart(ctx, p.Runner, outPaths, cfg, product); err != nil {
		return "", err
	}
	if err := signing.VerifyPart(ctx, p.Runner, outPaths, product); err != nil {
		return "", err
	}
	return dmgPath, nil
}

// packageAndSignPKG builds a component package from the signed app and
// wraps it in a signed product archive at <output>/<basename>.pkg.
func (p *Pipeline) packageAndSignPKG(ctx context.Context, paths model.Paths, cfg config.Config) (string, error) {
	if cfg.InstallerIdentity() == "" {
		return "", ErrInstallerIdentityRequired
	}

	name := cfg.PackagingBasename() + ".pkg"
	component := paths.InWork("component.pkg")
	pkgPath := filepath.Join(paths.Output, name)

	log.Infof("Building %s", name)
	err := commands.RunCommand(ctx, p.Runner,
		"pkgbuild",
		"--identifier", cfg.BaseBundleID(),
		"--version", cfg.Version(),
		"--component", paths.InWork(cfg.AppDir()),
		"--install-location", "/Applications",
		component)
	if err != nil {
		return "", fmt.Errorf("failed to build component package: %w", err)
	}

	args := []string{"productbuild", "--package", component, "--sign", cfg.InstallerIdentity()}
	if cfg.NotaryUser() != "" {
		args = append(args, "--timestamp")
	}
	args = append(args, pkgPath)
	if err := commands.RunCommand(ctx, p.Runner, args...); err != nil {
		return "", fmt.Errorf("failed to build %s: %w", name, err)
	}
	return pkgPath, nil
}

// packageInstallerTools signs the delta update tools and archives them,
// with their helper scripts, as <output>/diff_tools.zip.
func (p *Pipeline) packageInstallerTools(ctx context.Context, paths model.Paths, cfg config.Config) error {
	tools := parts.GetInstallerTools(cfg)

	return commands.WithWorkDirectory(paths, func(work model.Paths) error {
		dir := work.InWork(diffToolsDir)
		if err := commands.MakeDir(dir); err != nil {
			return err
		}

		names := model.SortedNames(tools)
		for _, name := range names {
			tool := tools[name]
			if err := commands.CopyFiles(filepath.Join(paths.Input, tool.Path), filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("failed to copy installer tool %s: %w", name, err)
			}
			tool.Path = filepath.Join(diffToolsDir, name)
			if err := signing.SignPart(ctx, p.Runner, work, cfg, tool); err != nil {
				return err
			}
		}
		for _, name := range names {
			if err := signing.VerifyPart(ctx, p.Runner, work, tools[name]); err != nil {
				return err
			}
		}

		for _, script := range diffScripts {
			if err := commands.CopyFiles(filepath.Join(paths.PackagingDir(cfg), script), filepath.Join(dir, script)); err != nil {
				return fmt.Errorf("failed to copy %s: %w", script, err)
			}
		}

		if err := commands.MakeDir(paths.Output); err != nil {
			return err
		}
		zipFile := filepath.Join(paths.Output, diffToolsDir+".zip")
		log.Infof("Writing %s", zipFile)
		return commands.Zip(dir, zipFile, commands.ZipOptions{Level: flate.BestCompression, KeepParent: true})
	})
}
