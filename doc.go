// Package main provides the go-macsign CLI tool for signing, notarizing and
// packaging macOS browser builds.
//
// For the library API, see the pipeline subpackage:
//
//	import "github.com/aluedeke/go-macsign/pkg/pipeline"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/aluedeke/go-macsign@latest
//
// Signing shells out to codesign, spctl, xcrun, rsync, pkg-dmg, pkgbuild
// and productbuild, so the sign, notarize and staple commands only work on
// macOS with the Xcode command line tools installed. The info command works
// everywhere.
package main
