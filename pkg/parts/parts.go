// Package parts lists the code-signed components of the application bundle
// and of the installer tools, with the options each is signed with.
package parts

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/model"
)

// Part names that the pipeline refers to directly.
const (
	App       = "app"
	Framework = "framework"
)

// Entitlements files consumed from the packaging directory.
const (
	AppEntitlements            = "app-entitlements.plist"
	HelperRendererEntitlements = "helper-renderer-entitlements.plist"
	HelperGPUEntitlements      = "helper-gpu-entitlements.plist"
	HelperPluginEntitlements   = "helper-plugin-entitlements.plist"
)

// Libraries are the dylibs in the framework's Libraries directory.
var Libraries = []string{
	"libEGL.dylib",
	"libGLESv2.dylib",
	"libswiftshader_libEGL.dylib",
	"libswiftshader_libGLESv2.dylib",
	"libvk_swiftshader.dylib",
}

// InstallerTools are the binaries shipped alongside the product for
// generating and applying delta updates.
var InstallerTools = []string{
	"goobsdiff",
	"goobspatch",
	"liblzma_decompress.dylib",
	"xz",
	"xzdec",
}

const verifyOptions = model.VerifyDeep | model.VerifyStrict

// Helpers hosting renderer, GPU and plugin processes load code that is not
// signed by the product team, so they run without library validation.
const helperSandboxOptions = model.OptionRestrict | model.OptionKill | model.OptionHardenedRuntime

// GetParts returns every component of the application bundle described by
// cfg, keyed by part name. Helper identifiers stay on the uncustomized
// bundle id so the framework is identical across distributions.
func GetParts(cfg config.Config) map[string]*model.CodeSignedProduct {
	uncustomizedID := cfg.Base().BaseBundleID()
	fw := cfg.FrameworkDir()
	helpers := filepath.Join(fw, "Helpers")
	product := cfg.Product()

	full := func(path, identifier string) *model.CodeSignedProduct {
		p := model.NewCodeSignedProduct(path, identifier)
		p.Options = model.FullHardenedRuntimeOptions
		p.VerifyOptions = verifyOptions
		return p
	}
	sandboxed := func(path, identifier, entitlements string) *model.CodeSignedProduct {
		p := model.NewCodeSignedProduct(path, identifier)
		p.Options = helperSandboxOptions
		p.Entitlements = entitlements
		p.VerifyOptions = verifyOptions
		return p
	}

	app := full(cfg.AppDir(), cfg.BaseBundleID())
	app.Requirements = cfg.CodesignRequirementsOuterApp()
	app.IdentifierRequirement = false
	app.Entitlements = AppEntitlements

	framework := model.NewCodeSignedProduct(fw, uncustomizedID+".framework")
	framework.VerifyOptions = verifyOptions

	parts := map[string]*model.CodeSignedProduct{
		App:       app,
		Framework: framework,
		"crashpad": full(
			filepath.Join(helpers, "chrome_crashpad_handler"),
			"chrome_crashpad_handler"),
		"helper-app": full(
			filepath.Join(helpers, product+" Helper.app"),
			uncustomizedID+".helper"),
		"helper-renderer-app": sandboxed(
			filepath.Join(helpers, product+" Helper (Renderer).app"),
			uncustomizedID+".helper.renderer",
			HelperRendererEntitlements),
		"helper-gpu-app": sandboxed(
			filepath.Join(helpers, product+" Helper (GPU).app"),
			uncustomizedID+".helper",
			HelperGPUEntitlements),
		"helper-plugin-app": sandboxed(
			filepath.Join(helpers, product+" Helper (Plugin).app"),
			uncustomizedID+".helper.plugin",
			HelperPluginEntitlements),
		"app-mode-app": full(
			filepath.Join(helpers, "app_mode_loader"),
			"app_mode_loader"),
		"notification-xpc": full(
			filepath.Join(fw, "XPCServices", "AlertNotificationService.xpc"),
			cfg.BaseBundleID()+".framework.AlertNotificationService"),
	}

	for _, lib := range Libraries {
		p := model.NewCodeSignedProduct(
			filepath.Join(fw, "Libraries", lib),
			strings.TrimSuffix(lib, ".dylib"))
		p.VerifyOptions = verifyOptions
		parts[lib] = p
	}
	return parts
}

// GetInstallerTools returns the installer tools found in the packaging
// directory, keyed by file name. Executables get the full hardened runtime;
// the dylib is signed without options.
func GetInstallerTools(cfg config.Config) map[string]*model.CodeSignedProduct {
	tools := make(map[string]*model.CodeSignedProduct, len(InstallerTools))
	for _, name := range InstallerTools {
		p := model.NewCodeSignedProduct(
			filepath.Join(cfg.PackagingDir(), name),
			strings.TrimSuffix(name, ".dylib"))
		if !strings.HasSuffix(name, ".dylib") {
			p.Options = model.FullHardenedRuntimeOptions
		}
		p.VerifyOptions = verifyOptions
		tools[name] = p
	}
	return tools
}

// EntitlementsFiles returns the distinct entitlements file names referenced
// by parts, in lexical order.
func EntitlementsFiles(parts map[string]*model.CodeSignedProduct) []string {
	seen := map[string]bool{}
	var files []string
	for _, name := range model.SortedNames(parts) {
		if e := parts[name].Entitlements; e != "" && !seen[e] {
			seen[e] = true
			files = append(files, e)
		}
	}
	sort.Strings(files)
	return files
}
