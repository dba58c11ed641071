// Package modification rewrites an unsigned application bundle in the work
// directory so that it carries the identity of a Distribution.
package modification

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/aluedeke/go-macsign/pkg/commands"
	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/model"
	"github.com/aluedeke/go-macsign/pkg/parts"
)

// Info.plist keys read by the updater and the browser.
const (
	keyChannelID        = "KSChannelID"
	keyBrandID          = "KSBrandID"
	keyProductID        = "KSProductID"
	keyProductDirName   = "CrProductDirName"
	keyBundleSignature  = "CFBundleSignature"
	keyBundleIdentifier = "CFBundleIdentifier"
	keyBundleName       = "CFBundleName"
	keyBundleExecutable = "CFBundleExecutable"

	entitlementAppID = "com.apple.application-identifier"
)

// CustomizeDistribution applies dist to the application copied into
// paths.Work at the base configuration's AppDir. cfg is the configuration
// derived for dist; when it renames the product, the bundle ends up at
// cfg.AppDir().
func CustomizeDistribution(ctx context.Context, paths model.Paths, dist config.Distribution, cfg config.Config) error {
	base := cfg.Base()
	appPath := filepath.Join(paths.Work, base.AppDir())

	if err := processEntitlements(paths, cfg); err != nil {
		return err
	}
	if err := modifyInfoPlist(appPath, dist, cfg); err != nil {
		return err
	}
	if !dist.ChannelCustomize {
		return ctx.Err()
	}

	if err := renameExecutable(appPath, base, cfg); err != nil {
		return err
	}
	if err := replaceIcon(paths, dist, cfg); err != nil {
		return err
	}
	if base.AppDir() != cfg.AppDir() {
		log.Debugf("Renaming %s to %s", base.AppDir(), cfg.AppDir())
		if err := commands.MoveFile(appPath, filepath.Join(paths.Work, cfg.AppDir())); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// processEntitlements copies each entitlements file the parts refer to from
// the packaging directory into the work directory, pointing the application
// identifier at the distribution's bundle id.
func processEntitlements(paths model.Paths, cfg config.Config) error {
	packagingDir := paths.PackagingDir(cfg)
	for _, name := range parts.EntitlementsFiles(parts.GetParts(cfg)) {
		dst := filepath.Join(paths.Work, name)
		if err := commands.CopyFiles(filepath.Join(packagingDir, name), dst); err != nil {
			return fmt.Errorf("failed to copy entitlements %s: %w", name, err)
		}
		err := commands.WithPlist(dst, true, func(ent map[string]interface{}) error {
			appID, ok := ent[entitlementAppID].(string)
			if !ok {
				return nil
			}
			prefix := cfg.TeamID()
			if prefix == "" {
				prefix, _, _ = strings.Cut(appID, ".")
			}
			if prefix == "" {
				return fmt.Errorf("%s: cannot determine team for %s", name, entitlementAppID)
			}
			ent[entitlementAppID] = prefix + "." + cfg.BaseBundleID()
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func modifyInfoPlist(appPath string, dist config.Distribution, cfg config.Config) error {
	infoPath := filepath.Join(appPath, "Contents", "Info.plist")
	return commands.WithPlist(infoPath, true, func(info map[string]interface{}) error {
		setOrDelete(info, keyChannelID, dist.Channel)
		setOrDelete(info, keyBrandID, dist.BrandingCode)
		if dist.ProductDirname != "" {
			info[keyProductDirName] = dist.ProductDirname
		}
		if dist.CreatorCode != "" {
			info[keyBundleSignature] = dist.CreatorCode
		}

		if !dist.ChannelCustomize {
			return nil
		}
		info[keyBundleIdentifier] = cfg.BaseBundleID()
		info[keyBundleName] = cfg.AppProduct()
		info[keyBundleExecutable] = cfg.AppProduct()
		if productID, ok := info[keyProductID].(string); ok && dist.Channel != "" {
			info[keyProductID] = productID + "." + dist.Channel
		} else {
			info[keyProductID] = cfg.BaseBundleID()
		}
		return nil
	})
}

func setOrDelete(m map[string]interface{}, key, value string) {
	if value == "" {
		delete(m, key)
		return
	}
	m[key] = value
}

func renameExecutable(appPath string, base, cfg config.Config) error {
	if base.AppProduct() == cfg.AppProduct() {
		return nil
	}
	macOS := filepath.Join(appPath, "Contents", "MacOS")
	return commands.MoveFile(filepath.Join(macOS, base.AppProduct()), filepath.Join(macOS, cfg.AppProduct()))
}

// replaceIcon installs app_<channel>.icns from the packaging directory as
// the application icon, when the packaging directory has one.
func replaceIcon(paths model.Paths, dist config.Distribution, cfg config.Config) error {
	if dist.Channel == "" {
		return nil
	}
	icon := filepath.Join(paths.PackagingDir(cfg), fmt.Sprintf("app_%s.icns", dist.Channel))
	if !commands.Exists(icon) {
		return nil
	}
	dst := filepath.Join(paths.Work, cfg.Base().ResourcesDir(), "app.icns")
	return commands.CopyFiles(icon, dst)
}
