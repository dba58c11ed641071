package config

import (
	"fmt"
	"strings"
)

// Distribution describes one release-channel variant of the product.
type Distribution struct {
	Channel               string `plist:"Channel,omitempty"`
	BrandingCode          string `plist:"BrandingCode,omitempty"`
	AppNameFragment       string `plist:"AppNameFragment,omitempty"`
	PackagingNameFragment string `plist:"PackagingNameFragment,omitempty"`
	ProductDirname        string `plist:"ProductDirname,omitempty"`
	CreatorCode           string `plist:"CreatorCode,omitempty"`

	// ChannelCustomize gates whether the fields above change the product's
	// name and identifiers.
	ChannelCustomize bool `plist:"ChannelCustomize,omitempty"`

	PackageAsDMG bool `plist:"PackageAsDMG,omitempty"`
	PackageAsPKG bool `plist:"PackageAsPKG,omitempty"`
}

// DefaultDistribution is the uncustomized distribution packaged as a DMG.
func DefaultDistribution() Distribution {
	return Distribution{PackageAsDMG: true}
}

// Property names a computed value that a DerivedConfig may override.
type Property string

const (
	PropAppProduct                  Property = "app_product"
	PropBaseBundleID                Property = "base_bundle_id"
	PropProvisioningProfileBasename Property = "provisioning_profile_basename"
	PropPackagingBasename           Property = "packaging_basename"
)

// ToConfig derives the configuration for this distribution from base.
func (d Distribution) ToConfig(base Config) *DerivedConfig {
	dc := &DerivedConfig{
		base:      base,
		overrides: make(map[Property]string),
	}

	if d.ChannelCustomize {
		dc.overrides[PropAppProduct] = fmt.Sprintf("%s %s", base.AppProduct(), d.AppNameFragment)
		dc.overrides[PropBaseBundleID] = base.BaseBundleID() + "." + d.Channel
		if profile := base.ProvisioningProfileBasename(); profile != "" {
			dc.overrides[PropProvisioningProfileBasename] = fmt.Sprintf("%s_%s", profile, d.AppNameFragment)
		}
	}

	if d.PackagingNameFragment != "" {
		dc.overrides[PropPackagingBasename] = fmt.Sprintf("%s-%s-%s",
			strings.ReplaceAll(dc.AppProduct(), " ", ""), base.Version(), d.PackagingNameFragment)
	}

	return dc
}

// DerivedConfig is a Config whose naming properties may be overridden for a
// Distribution. Everything not overridden is delegated to the base.
type DerivedConfig struct {
	base      Config
	overrides map[Property]string
}

var _ Config = (*DerivedConfig)(nil)

func (c *DerivedConfig) lookup(p Property, fallback func() string) string {
	if v, ok := c.overrides[p]; ok {
		return v
	}
	return fallback()
}

func (c *DerivedConfig) Identity() string                     { return c.base.Identity() }
func (c *DerivedConfig) InstallerIdentity() string            { return c.base.InstallerIdentity() }
func (c *DerivedConfig) NotaryUser() string                   { return c.base.NotaryUser() }
func (c *DerivedConfig) NotaryPassword() string               { return c.base.NotaryPassword() }
func (c *DerivedConfig) NotaryASCProvider() string            { return c.base.NotaryASCProvider() }
func (c *DerivedConfig) TeamID() string                       { return c.base.TeamID() }
func (c *DerivedConfig) CodesignRequirementsBasic() string    { return c.base.CodesignRequirementsBasic() }
func (c *DerivedConfig) CodesignRequirementsOuterApp() string { return c.base.CodesignRequirementsOuterApp() }
func (c *DerivedConfig) RunSpctlAssess() bool                 { return c.base.RunSpctlAssess() }
func (c *DerivedConfig) Distributions() []Distribution        { return c.base.Distributions() }
func (c *DerivedConfig) Product() string                      { return c.base.Product() }
func (c *DerivedConfig) Version() string                      { return c.base.Version() }

func (c *DerivedConfig) AppProduct() string {
	return c.lookup(PropAppProduct, c.base.AppProduct)
}

func (c *DerivedConfig) BaseBundleID() string {
	return c.lookup(PropBaseBundleID, c.base.BaseBundleID)
}

func (c *DerivedConfig) ProvisioningProfileBasename() string {
	return c.lookup(PropProvisioningProfileBasename, c.base.ProvisioningProfileBasename)
}

func (c *DerivedConfig) PackagingBasename() string {
	return c.lookup(PropPackagingBasename, func() string { return packagingBasename(c) })
}

func (c *DerivedConfig) AppDir() string       { return appDir(c) }
func (c *DerivedConfig) ResourcesDir() string { return resourcesDir(c) }
func (c *DerivedConfig) FrameworkDir() string { return frameworkDir(c) }
func (c *DerivedConfig) PackagingDir() string { return packagingDir(c) }

func (c *DerivedConfig) Base() Config { return c.base }
