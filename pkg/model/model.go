// Package model holds the value types shared by the signing pipeline: the
// products to sign, their codesign options, and the directory roots that
// signing operates within.
package model

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aluedeke/go-macsign/pkg/config"
)

// CodeSignOptions is the set of flags passed to codesign --options.
type CodeSignOptions uint8

const (
	OptionRestrict CodeSignOptions = 1 << iota
	OptionLibraryValidation
	OptionKill
	OptionHardenedRuntime

	optionsAll = OptionRestrict | OptionLibraryValidation | OptionKill | OptionHardenedRuntime
)

// FullHardenedRuntimeOptions enables every runtime protection.
const FullHardenedRuntimeOptions = OptionHardenedRuntime | OptionRestrict | OptionLibraryValidation | OptionKill

var codeSignOptionNames = []struct {
	opt  CodeSignOptions
	name string
}{
	{OptionRestrict, "restrict"},
	{OptionLibraryValidation, "library"},
	{OptionKill, "kill"},
	{OptionHardenedRuntime, "runtime"},
}

// Valid reports whether o contains only known options.
func (o CodeSignOptions) Valid() bool {
	return o&^optionsAll == 0
}

// Names returns the codesign spelling of each option in a fixed order.
func (o CodeSignOptions) Names() []string {
	var names []string
	for _, n := range codeSignOptionNames {
		if o&n.opt != 0 {
			names = append(names, n.name)
		}
	}
	return names
}

// String returns the comma-joined value for codesign --options.
func (o CodeSignOptions) String() string {
	return strings.Join(o.Names(), ",")
}

// VerifyOptions is the set of flags passed to codesign --verify.
type VerifyOptions uint8

const (
	VerifyDeep VerifyOptions = 1 << iota
	VerifyStrict
	VerifyNoStrict
	VerifyIgnoreResources

	verifyAll = VerifyDeep | VerifyStrict | VerifyNoStrict | VerifyIgnoreResources
)

var verifyOptionFlags = []struct {
	opt  VerifyOptions
	flag string
}{
	{VerifyDeep, "--deep"},
	{VerifyStrict, "--strict"},
	{VerifyNoStrict, "--no-strict"},
	{VerifyIgnoreResources, "--ignore-resources"},
}

// Valid reports whether v contains only known options and does not ask for
// both --strict and --no-strict.
func (v VerifyOptions) Valid() bool {
	if v&^verifyAll != 0 {
		return false
	}
	return v&(VerifyStrict|VerifyNoStrict) != VerifyStrict|VerifyNoStrict
}

// Flags returns the codesign command-line flags for v.
func (v VerifyOptions) Flags() []string {
	var flags []string
	for _, f := range verifyOptionFlags {
		if v&f.opt != 0 {
			flags = append(flags, f.flag)
		}
	}
	return flags
}

// CodeSignedProduct is one file or bundle to be signed and the policy to
// sign it with.
type CodeSignedProduct struct {
	// Path is relative to Paths.Work.
	Path       string
	Identifier string

	Options CodeSignOptions
	// Requirements is an extra designated-requirement clause.
	Requirements string
	// IdentifierRequirement synthesizes a designated => identifier clause.
	IdentifierRequirement bool
	// SignWithIdentifier passes --identifier to codesign.
	SignWithIdentifier bool
	// Entitlements is a file name relative to Paths.Work.
	Entitlements  string
	VerifyOptions VerifyOptions
}

// NewCodeSignedProduct returns a product with the default requirement policy:
// an identifier requirement is synthesized and codesign infers the identifier.
func NewCodeSignedProduct(path, identifier string) *CodeSignedProduct {
	return &CodeSignedProduct{
		Path:                  path,
		Identifier:            identifier,
		IdentifierRequirement: true,
	}
}

// Validate checks the option sets against the known flags.
func (p *CodeSignedProduct) Validate() error {
	if !p.Options.Valid() {
		return fmt.Errorf("%s: invalid codesign options 0x%x", p.Path, uint8(p.Options))
	}
	if !p.VerifyOptions.Valid() {
		return fmt.Errorf("%s: invalid verify options 0x%x", p.Path, uint8(p.VerifyOptions))
	}
	return nil
}

// RequirementsString builds the --requirements expression for the product.
// Ad-hoc signatures cannot carry requirements, so the result is empty when
// cfg uses the ad-hoc identity.
func (p *CodeSignedProduct) RequirementsString(cfg config.Config) string {
	if cfg.Identity() == config.AdHocIdentity {
		return ""
	}

	var reqs []string
	if p.IdentifierRequirement {
		reqs = append(reqs, fmt.Sprintf("designated => identifier \"%s\"", p.Identifier))
	}
	if p.Requirements != "" {
		reqs = append(reqs, p.Requirements)
	}
	if basic := cfg.CodesignRequirementsBasic(); basic != "" {
		reqs = append(reqs, basic)
	}
	return strings.Join(reqs, " ")
}

// IsBundle reports whether the product is an .app or .xpc bundle, the kinds
// that carry a stapled notarization ticket.
func (p *CodeSignedProduct) IsBundle() bool {
	ext := filepath.Ext(p.Path)
	return ext == ".app" || ext == ".xpc"
}

func (p *CodeSignedProduct) String() string {
	return fmt.Sprintf("CodeSignedProduct(identifier=%s, path=%s)", p.Identifier, p.Path)
}

// SortedNames returns the keys of a part map in lexical order.
func SortedNames(parts map[string]*CodeSignedProduct) []string {
	names := make([]string, 0, len(parts))
	for name := range parts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
