package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrIdentityRequired is returned when a configuration has no signing identity.
	ErrIdentityRequired = errors.New("signing identity is required")

	// ErrPropertyUnset is returned when a required product property is empty.
	ErrPropertyUnset = errors.New("required product property is not set")
)

// AdHocIdentity is the codesign identity that produces an ad-hoc signature.
const AdHocIdentity = "-"

// Config is the signing policy and naming for one product, optionally
// customized for a Distribution.
type Config interface {
	Identity() string
	InstallerIdentity() string
	NotaryUser() string
	NotaryPassword() string
	NotaryASCProvider() string
	TeamID() string

	// CodesignRequirementsBasic is appended to every designated requirement.
	CodesignRequirementsBasic() string
	// CodesignRequirementsOuterApp is the extra requirement for the outer app.
	CodesignRequirementsOuterApp() string
	// RunSpctlAssess controls whether Gatekeeper assessment runs after signing.
	RunSpctlAssess() bool
	Distributions() []Distribution

	AppProduct() string
	Product() string
	Version() string
	BaseBundleID() string
	ProvisioningProfileBasename() string
	PackagingBasename() string

	AppDir() string
	ResourcesDir() string
	FrameworkDir() string
	PackagingDir() string

	// Base returns the uncustomized configuration. A base configuration
	// returns itself.
	Base() Config
}

// ProductInfo holds the product naming that every concrete product must
// provide.
type ProductInfo struct {
	AppProduct                   string         `plist:"AppProduct"`
	Product                      string         `plist:"Product"`
	Version                      string         `plist:"Version"`
	BaseBundleID                 string         `plist:"BaseBundleID"`
	ProvisioningProfileBasename  string         `plist:"ProvisioningProfileBasename,omitempty"`
	CodesignRequirementsBasic    string         `plist:"CodesignRequirementsBasic,omitempty"`
	CodesignRequirementsOuterApp string         `plist:"CodesignRequirementsOuterApp,omitempty"`
	Distributions                []Distribution `plist:"Distributions,omitempty"`
}

// Options contains everything needed to build a CodeSignConfig.
type Options struct {
	Identity          string
	InstallerIdentity string
	NotaryUser        string
	NotaryPassword    string
	NotaryASCProvider string

	// TeamID is the signing team. When empty it is read from an Identity
	// of the form "Name (TEAMID)".
	TeamID string

	// SkipSpctlAssess disables the Gatekeeper assessment that otherwise runs
	// after the outer app is signed.
	SkipSpctlAssess bool

	Product ProductInfo
}

// CodeSignConfig is the base configuration for a product.
type CodeSignConfig struct {
	identity          string
	installerIdentity string
	notaryUser        string
	notaryPassword    string
	notaryASCProvider string
	teamID            string
	runSpctlAssess    bool
	product           ProductInfo
	distributions     []Distribution
}

var _ Config = (*CodeSignConfig)(nil)

// NewCodeSignConfig validates opts and returns the base configuration.
func NewCodeSignConfig(opts Options) (*CodeSignConfig, error) {
	if opts.Identity == "" {
		return nil, ErrIdentityRequired
	}

	required := []struct {
		name  string
		value string
	}{
		{"app_product", opts.Product.AppProduct},
		{"product", opts.Product.Product},
		{"version", opts.Product.Version},
		{"base_bundle_id", opts.Product.BaseBundleID},
	}
	for _, r := range required {
		if r.value == "" {
			return nil, fmt.Errorf("%w: %s", ErrPropertyUnset, r.name)
		}
	}

	dists := opts.Product.Distributions
	if len(dists) == 0 {
		dists = []Distribution{DefaultDistribution()}
	}

	return &CodeSignConfig{
		identity:          opts.Identity,
		installerIdentity: opts.InstallerIdentity,
		notaryUser:        opts.NotaryUser,
		notaryPassword:    opts.NotaryPassword,
		notaryASCProvider: opts.NotaryASCProvider,
		teamID:            opts.TeamID,
		runSpctlAssess:    !opts.SkipSpctlAssess,
		product:           opts.Product,
		distributions:     dists,
	}, nil
}

func (c *CodeSignConfig) Identity() string          { return c.identity }
func (c *CodeSignConfig) InstallerIdentity() string { return c.installerIdentity }
func (c *CodeSignConfig) NotaryUser() string        { return c.notaryUser }
func (c *CodeSignConfig) NotaryPassword() string    { return c.notaryPassword }
func (c *CodeSignConfig) NotaryASCProvider() string { return c.notaryASCProvider }
func (c *CodeSignConfig) RunSpctlAssess() bool      { return c.runSpctlAssess }

func (c *CodeSignConfig) TeamID() string {
	if c.teamID != "" {
		return c.teamID
	}
	return teamIDFromIdentity(c.identity)
}

func (c *CodeSignConfig) CodesignRequirementsBasic() string {
	return c.product.CodesignRequirementsBasic
}

func (c *CodeSignConfig) CodesignRequirementsOuterApp() string {
	return c.product.CodesignRequirementsOuterApp
}

// Distributions returns a copy of the configured distributions.
func (c *CodeSignConfig) Distributions() []Distribution {
	out := make([]Distribution, len(c.distributions))
	copy(out, c.distributions)
	return out
}

func (c *CodeSignConfig) AppProduct() string   { return c.product.AppProduct }
func (c *CodeSignConfig) Product() string      { return c.product.Product }
func (c *CodeSignConfig) Version() string      { return c.product.Version }
func (c *CodeSignConfig) BaseBundleID() string { return c.product.BaseBundleID }

func (c *CodeSignConfig) ProvisioningProfileBasename() string {
	return c.product.ProvisioningProfileBasename
}

func (c *CodeSignConfig) PackagingBasename() string { return packagingBasename(c) }
func (c *CodeSignConfig) AppDir() string            { return appDir(c) }
func (c *CodeSignConfig) ResourcesDir() string      { return resourcesDir(c) }
func (c *CodeSignConfig) FrameworkDir() string      { return frameworkDir(c) }
func (c *CodeSignConfig) PackagingDir() string      { return packagingDir(c) }

func (c *CodeSignConfig) Base() Config { return c }

// The path helpers below are shared by CodeSignConfig and DerivedConfig so
// that overridden names flow into every derived path.

func packagingBasename(c Config) string {
	return fmt.Sprintf("%s-%s", strings.ReplaceAll(c.AppProduct(), " ", ""), c.Version())
}

func appDir(c Config) string {
	return c.AppProduct() + ".app"
}

func resourcesDir(c Config) string {
	return filepath.Join(appDir(c), "Contents", "Resources")
}

func frameworkDir(c Config) string {
	return filepath.Join(appDir(c), "Contents", "Frameworks", c.Product()+" Framework.framework")
}

func packagingDir(c Config) string {
	return c.Product() + " Packaging"
}

var teamIDPattern = regexp.MustCompile(`\(([A-Z0-9]{10})\)\s*$`)

// teamIDFromIdentity extracts the team identifier from identities such as
// "Developer ID Application: Example Inc. (ABCDE12345)".
func teamIDFromIdentity(identity string) string {
	if m := teamIDPattern.FindStringSubmatch(identity); m != nil {
		return m[1]
	}
	return ""
}
