// Package pipeline drives a complete signing run: it customizes and signs the
// application for every distribution, notarizes and staples the results,
// packages them and signs the installer tools.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aluedeke/go-macsign/pkg/commands"
	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/model"
	"github.com/aluedeke/go-macsign/pkg/modification"
	"github.com/aluedeke/go-macsign/pkg/notarize"
	"github.com/aluedeke/go-macsign/pkg/parts"
	"github.com/aluedeke/go-macsign/pkg/signing"
)

// Options selects which steps of SignAll run.
type Options struct {
	DisablePackaging bool
	NoNotarize       bool
	// SkipBrands excludes distributions by branding code.
	SkipBrands []string
	// Channels, when non-empty, limits the run to these channels.
	Channels []string
}

func (o Options) includes(d config.Distribution) bool {
	if slices.Contains(o.SkipBrands, d.BrandingCode) {
		return false
	}
	return len(o.Channels) == 0 || slices.Contains(o.Channels, d.Channel)
}

// Pipeline holds the collaborators of a signing run.
type Pipeline struct {
	Runner    commands.Runner
	Notarizer *notarize.Notarizer
	// Now is used to check provisioning profile expiry. Nil means time.Now.
	Now func() time.Time
}

// New returns a Pipeline that runs every tool through r.
func New(r commands.Runner) *Pipeline {
	return &Pipeline{Runner: r, Notarizer: notarize.New(r)}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// SignAll signs, notarizes and packages every selected distribution of cfg,
// then signs and archives the installer tools. Any failure aborts the run;
// artifacts already written to paths.Output are left in place.
func (p *Pipeline) SignAll(ctx context.Context, paths model.Paths, cfg config.Config, opts Options) error {
	var dists []config.Distribution
	for _, d := range cfg.Distributions() {
		if opts.includes(d) {
			dists = append(dists, d)
		} else {
			log.Infof("Skipping distribution channel=%q brand=%q", d.Channel, d.BrandingCode)
		}
	}

	err := commands.WithWorkDirectory(paths, func(notaryPaths model.Paths) error {
		if err := p.signDistributions(ctx, paths, notaryPaths, cfg, dists, opts); err != nil {
			return err
		}
		if opts.DisablePackaging {
			return nil
		}
		return p.packageDistributions(ctx, paths, notaryPaths, cfg, dists, opts)
	})
	if err != nil {
		return err
	}

	return p.packageInstallerTools(ctx, paths, cfg)
}

func doPackaging(d config.Distribution, opts Options) bool {
	return (d.PackageAsDMG || d.PackageAsPKG) && !opts.DisablePackaging
}

// signDistributions signs each distribution into its own directory. Signed
// apps that are neither packaged nor notarized go straight to the output;
// the rest stay in notaryPaths.Work for the later steps.
func (p *Pipeline) signDistributions(ctx context.Context, paths, notaryPaths model.Paths, cfg config.Config, dists []config.Distribution, opts Options) error {
	uuidToConfig := make(map[string]config.Config)
	frameworks := make(frameworkCache)

	for _, dist := range dists {
		distCfg := dist.ToConfig(cfg)

		destRoot := notaryPaths.Work
		if !doPackaging(dist, opts) && opts.NoNotarize {
			destRoot = paths.Output
		}
		destDir := filepath.Join(destRoot, distCfg.PackagingBasename())

		err := commands.WithWorkDirectory(paths, func(work model.Paths) error {
			return p.customizeAndSign(ctx, work, dist, distCfg, destDir, frameworks)
		})
		if err != nil {
			return err
		}

		if opts.NoNotarize {
			continue
		}
		zipFile := filepath.Join(notaryPaths.Work, distCfg.PackagingBasename()+".zip")
		if err := commands.Zip(filepath.Join(destDir, distCfg.AppDir()), zipFile, commands.ZipOptions{KeepParent: true}); err != nil {
			return err
		}
		id, err := p.Notarizer.Submit(ctx, zipFile, distCfg)
		if err != nil {
			return err
		}
		uuidToConfig[id] = distCfg
	}

	if opts.NoNotarize {
		return nil
	}
	for id, err := range p.Notarizer.WaitForResults(ctx, sortedKeys(uuidToConfig), cfg) {
		if err != nil {
			return err
		}
		distCfg := uuidToConfig[id]
		destPaths := notaryPaths.ReplaceWork(filepath.Join(notaryPaths.Work, distCfg.PackagingBasename()))
		if err := p.Notarizer.StapleBundledParts(ctx, parts.GetParts(distCfg), destPaths); err != nil {
			return err
		}
	}

	// Notarized apps that will not be packaged are delivered as bundles.
	for _, dist := range dists {
		if doPackaging(dist, opts) {
			continue
		}
		distCfg := dist.ToConfig(cfg)
		src := filepath.Join(notaryPaths.Work, distCfg.PackagingBasename(), distCfg.AppDir())
		dst := filepath.Join(paths.Output, distCfg.PackagingBasename(), distCfg.AppDir())
		if err := commands.MoveFile(src, dst); err != nil {
			return err
		}
	}
	return nil
}

// packageDistributions builds and signs the DMG and PKG of each
// distribution that asks for them, then notarizes and staples them.
func (p *Pipeline) packageDistributions(ctx context.Context, paths, notaryPaths model.Paths, cfg config.Config, dists []config.Distribution, opts Options) error {
	uuidToPackage := make(map[string]string)
	if err := commands.MakeDir(paths.Output); err != nil {
		return err
	}

	submit := func(path string, distCfg config.Config) error {
		if opts.NoNotarize {
			return nil
		}
		id, err := p.Notarizer.Submit(ctx, path, distCfg)
		if err != nil {
			return err
		}
		uuidToPackage[id] = path
		return nil
	}

	for _, dist := range dists {
		distCfg := dist.ToConfig(cfg)
		distPaths := paths.ReplaceWork(filepath.Join(notaryPaths.Work, distCfg.PackagingBasename()))

		if dist.PackageAsDMG {
			dmg, err := p.packageAndSignDMG(ctx, distPaths, dist, distCfg)
			if err != nil {
				return err
			}
			if err := submit(dmg, distCfg); err != nil {
				return err
			}
		}
		if dist.PackageAsPKG {
			pkg, err := p.packageAndSignPKG(ctx, distPaths, distCfg)
			if err != nil {
				return err
			}
			if err := submit(pkg, distCfg); err != nil {
				return err
			}
		}
	}

	if opts.NoNotarize {
		return nil
	}
	for id, err := range p.Notarizer.WaitForResults(ctx, sortedKeys(uuidToPackage), cfg) {
		if err != nil {
			return err
		}
		if err := p.Notarizer.Staple(ctx, uuidToPackage[id]); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// customizeAndSign copies the unsigned app into paths.Work, customizes it
// for dist and signs it, then moves the result into destDir. Frameworks of
// distributions that share a bundle id are signed once and reused.
func (p *Pipeline) customizeAndSign(ctx context.Context, paths model.Paths, dist config.Distribution, cfg config.Config, destDir string, frameworks frameworkCache) error {
	base := cfg.Base()
	log.Infof("Preparing %s", cfg.PackagingBasename())

	if err := commands.CopyFiles(filepath.Join(paths.Input, base.AppDir()), paths.InWork(base.AppDir())); err != nil {
		return fmt.Errorf("failed to copy unsigned app: %w", err)
	}
	if err := modification.CustomizeDistribution(ctx, paths, dist, cfg); err != nil {
		return fmt.Errorf("failed to customize %s: %w", cfg.AppDir(), err)
	}

	frameworkPath := paths.InWork(cfg.FrameworkDir())
	if cached, ok := frameworks[cfg.BaseBundleID()]; ok {
		if err := cached.reuse(ctx, p.Runner, cfg.BaseBundleID(), frameworkPath); err != nil {
			return err
		}
		if err := p.SignChrome(ctx, paths, cfg, false); err != nil {
			return err
		}
	} else {
		unsigned := paths.InWork("modified_unsigned_framework")
		if _, err := commands.CopyDirOverwriteAndCountChanges(ctx, p.Runner, frameworkPath, unsigned, false); err != nil {
			return err
		}
		if err := p.SignChrome(ctx, paths, cfg, true); err != nil {
			return err
		}
		entry, err := capture(ctx, p.Runner, frameworkPath, unsigned, filepath.Join(destDir, cfg.FrameworkDir()))
		if err != nil {
			return err
		}
		frameworks[cfg.BaseBundleID()] = entry
	}

	return commands.MoveFile(paths.InWork(cfg.AppDir()), filepath.Join(destDir, cfg.AppDir()))
}

// SignChrome signs the app bundle in paths.Work. The framework and
// everything inside it are signed only when signFramework is set; otherwise
// they must already carry their final signatures.
func (p *Pipeline) SignChrome(ctx context.Context, paths model.Paths, cfg config.Config, signFramework bool) error {
	all := parts.GetParts(cfg)
	app, framework := all[parts.App], all[parts.Framework]

	if err := checkVersionKeys(paths, app, framework); err != nil {
		return err
	}

	if signFramework {
		for _, name := range model.SortedNames(all) {
			if name == parts.App || name == parts.Framework {
				continue
			}
			if err := signing.SignPart(ctx, p.Runner, paths, cfg, all[name]); err != nil {
				return err
			}
		}
		if err := signing.SignPart(ctx, p.Runner, paths, cfg, framework); err != nil {
			return err
		}
	}

	if err := p.embedProvisioningProfile(paths, cfg, app); err != nil {
		return err
	}
	if err := signing.SignPart(ctx, p.Runner, paths, cfg, app); err != nil {
		return err
	}

	for _, name := range model.SortedNames(all) {
		if err := signing.VerifyPart(ctx, p.Runner, paths, all[name]); err != nil {
			return err
		}
	}
	return signing.ValidateApp(ctx, p.Runner, paths, cfg, app)
}

// checkVersionKeys makes sure the updater version in the app matches the
// framework version, so a mismatched framework is never signed into an app.
func checkVersionKeys(paths model.Paths, app, framework *model.CodeSignedProduct) error {
	appPlist := filepath.Join(paths.Work, app.Path, "Contents", "Info.plist")
	frameworkPlist := filepath.Join(paths.Work, framework.Path, "Resources", "Info.plist")

	var ksVersion string
	err := commands.WithPlist(appPlist, false, func(m map[string]interface{}) error {
		ksVersion, _ = m["KSVersion"].(string)
		return nil
	})
	if err != nil {
		return err
	}
	if ksVersion == "" {
		return nil
	}

	return commands.WithPlist(frameworkPlist, false, func(m map[string]interface{}) error {
		fwVersion, _ := m["CFBundleShortVersionString"].(string)
		if fwVersion != ksVersion {
			return fmt.Errorf("app KSVersion %q does not match framework CFBundleShortVersionString %q", ksVersion, fwVersion)
		}
		return nil
	})
}

func (p *Pipeline) embedProvisioningProfile(paths model.Paths, cfg config.Config, app *model.CodeSignedProduct) error {
	basename := cfg.ProvisioningProfileBasename()
	if basename == "" {
		return nil
	}
	src := filepath.Join(paths.PackagingDir(cfg), basename+".provisionprofile")
	profile, err := signing.LoadProvisioningProfile(src)
	if err != nil {
		return err
	}
	if err := profile.CheckValid(p.now()); err != nil {
		return err
	}
	log.Debugf("Embedding provisioning profile %s (%s)", profile.Name, profile.UUID)
	return commands.CopyFiles(src, filepath.Join(paths.Work, app.Path, "Contents", "embedded.provisionprofile"))
}
