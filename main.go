package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"

	"github.com/aluedeke/go-macsign/pkg/commands"
	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/model"
	"github.com/aluedeke/go-macsign/pkg/notarize"
	"github.com/aluedeke/go-macsign/pkg/pipeline"
	"github.com/aluedeke/go-macsign/pkg/signing"
)

const version = "1.0.0"

const usage = `go-macsign - macOS Application Signing Tool

Signs, notarizes and packages a macOS browser build for each of its
distributions, and inspects signatures and provisioning profiles.

Usage:
  go-macsign sign --input=<dir> --output=<dir> --product-config=<plist> [--identity=<id>] [--identity-p12=<path>] [--p12-password=<pw>] [--installer-identity=<id>] [--notary-user=<u>] [--notary-password=<p>] [--notary-asc-provider=<p>] [--development] [--disable-packaging] [--no-notarize] [--skip-brand=<code>...] [--channel=<ch>...] [--no-spctl] [--verbose]
  go-macsign notarize --file=<path> --bundle-id=<id> [--notary-user=<u>] [--notary-password=<p>] [--notary-asc-provider=<p>] [--staple] [--verbose]
  go-macsign staple --file=<path> [--verbose]
  go-macsign info --binary=<path>
  go-macsign info --profile=<path>
  go-macsign -h | --help
  go-macsign --version

Commands:
  sign      Sign every distribution of the app in --input into --output
  notarize  Submit a single file for notarization and wait for the result
  staple    Staple a notarization ticket to a file
  info      Display the code signature of a binary or a provisioning profile

Options:
  --input=<dir>                Directory holding the unsigned app and its Packaging directory
  --output=<dir>               Directory receiving signed apps, disk images and installer tools
  --product-config=<plist>     Property list with product names and distributions
  --identity=<id>              Code signing identity (or MACSIGN_IDENTITY env var)
  --identity-p12=<path>        Use the certificate in a P12 file as signing identity
  --p12-password=<pw>          Password for --identity-p12 (or MACSIGN_P12_PASSWORD env var)
  --installer-identity=<id>    Identity used to sign .pkg installers
  --notary-user=<u>            Apple ID for notarization (or MACSIGN_NOTARY_USER env var)
  --notary-password=<p>        App-specific password (or MACSIGN_NOTARY_PASSWORD env var)
  --notary-asc-provider=<p>    App Store Connect provider (or MACSIGN_NOTARY_ASC_PROVIDER env var)
  --development                Sign ad-hoc without requirements
  --disable-packaging          Do not build disk images or installers
  --no-notarize                Skip notarization (also skipped without notary credentials)
  --skip-brand=<code>          Skip distributions with this branding code
  --channel=<ch>               Only sign distributions of this channel
  --no-spctl                   Skip the Gatekeeper assessment
  --file=<path>                File to notarize or staple
  --bundle-id=<id>             Primary bundle id reported to the notary service
  --staple                     Staple the ticket after successful notarization
  --binary=<path>              Mach-O binary to inspect
  --profile=<path>             Provisioning profile to inspect
  --verbose                    Log every external command
  -h --help                    Show this help message
  --version                    Show version

Environment Variables:
  MACSIGN_IDENTITY             Code signing identity (overridden by --identity)
  MACSIGN_P12_PASSWORD         P12 password (overridden by --p12-password)
  MACSIGN_NOTARY_USER          Notarization Apple ID (overridden by --notary-user)
  MACSIGN_NOTARY_PASSWORD      Notarization password (overridden by --notary-password)
  MACSIGN_NOTARY_ASC_PROVIDER  App Store Connect provider (overridden by --notary-asc-provider)

Examples:
  # Sign, notarize and package every distribution
  go-macsign sign --input=out/Release --output=signed --product-config=product.plist \
    --identity="Developer ID Application: Example Inc. (ABCDE12345)" --notary-user=ci@example.com

  # Local ad-hoc build without notarization or disk images
  go-macsign sign --input=out/Release --output=signed --product-config=product.plist \
    --development --no-notarize --disable-packaging

  # Show who signed a binary
  go-macsign info --binary=signed/App.app/Contents/MacOS/App
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	if verbose, _ := opts.Bool("--verbose"); verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var run func(context.Context, docopt.Opts) error
	if sign, _ := opts.Bool("sign"); sign {
		run = runSign
	} else if n, _ := opts.Bool("notarize"); n {
		run = runNotarize
	} else if s, _ := opts.Bool("staple"); s {
		run = runStaple
	} else if info, _ := opts.Bool("info"); info {
		run = runInfo
	}
	if run == nil {
		return
	}
	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flagOrEnv returns the flag value, or the environment variable when the
// flag was not given.
func flagOrEnv(opts docopt.Opts, flag, env string, getenv func(string) string) string {
	if v, _ := opts.String(flag); v != "" {
		return v
	}
	return getenv(env)
}

func stringList(opts docopt.Opts, flag string) []string {
	v, _ := opts[flag].([]string)
	return v
}

// signConfig builds the base configuration for the sign command.
func signConfig(opts docopt.Opts, getenv func(string) string) (*config.CodeSignConfig, error) {
	productPath, _ := opts.String("--product-config")
	product, err := config.LoadProduct(productPath)
	if err != nil {
		return nil, err
	}

	identity := flagOrEnv(opts, "--identity", "MACSIGN_IDENTITY", getenv)
	var teamID string
	if p12, _ := opts.String("--identity-p12"); p12 != "" {
		id, err := signing.LoadIdentityFromP12(p12, flagOrEnv(opts, "--p12-password", "MACSIGN_P12_PASSWORD", getenv))
		if err != nil {
			return nil, err
		}
		if id.Expired(time.Now()) {
			return nil, fmt.Errorf("certificate %q expired on %s", id.CommonName, id.Certificate.NotAfter.Format("2006-01-02"))
		}
		identity = id.Hash
		teamID = id.TeamID
	}
	if dev, _ := opts.Bool("--development"); dev {
		identity = config.AdHocIdentity
	}

	installer, _ := opts.String("--installer-identity")
	noSpctl, _ := opts.Bool("--no-spctl")

	return config.NewCodeSignConfig(config.Options{
		Identity:          identity,
		InstallerIdentity: installer,
		NotaryUser:        flagOrEnv(opts, "--notary-user", "MACSIGN_NOTARY_USER", getenv),
		NotaryPassword:    flagOrEnv(opts, "--notary-password", "MACSIGN_NOTARY_PASSWORD", getenv),
		NotaryASCProvider: flagOrEnv(opts, "--notary-asc-provider", "MACSIGN_NOTARY_ASC_PROVIDER", getenv),
		TeamID:            teamID,
		SkipSpctlAssess:   noSpctl,
		Product:           *product,
	})
}

func signOptions(opts docopt.Opts, cfg config.Config) (pipeline.Options, error) {
	disablePackaging, _ := opts.Bool("--disable-packaging")
	noNotarize, _ := opts.Bool("--no-notarize")

	if !noNotarize && (cfg.NotaryUser() == "" || cfg.NotaryPassword() == "") {
		log.Warn("No notary credentials configured, skipping notarization")
		noNotarize = true
	}
	if !noNotarize && cfg.Identity() == config.AdHocIdentity {
		return pipeline.Options{}, fmt.Errorf("ad-hoc signatures cannot be notarized, add --no-notarize")
	}

	return pipeline.Options{
		DisablePackaging: disablePackaging,
		NoNotarize:       noNotarize,
		SkipBrands:       stringList(opts, "--skip-brand"),
		Channels:         stringList(opts, "--channel"),
	}, nil
}

func runSign(ctx context.Context, opts docopt.Opts) error {
	cfg, err := signConfig(opts, os.Getenv)
	if err != nil {
		return err
	}
	pipelineOpts, err := signOptions(opts, cfg)
	if err != nil {
		return err
	}

	input, _ := opts.String("--input")
	output, _ := opts.String("--output")
	paths := model.Paths{Input: input, Output: output}
	if err := commands.MakeDir(output); err != nil {
		return err
	}

	fmt.Printf("Signing %s %s\n", cfg.AppProduct(), cfg.Version())
	fmt.Printf("Identity:      %s\n", cfg.Identity())
	fmt.Printf("Distributions: %d\n", len(cfg.Distributions()))
	fmt.Println()

	if err := pipeline.New(commands.ExecRunner{}).SignAll(ctx, paths, cfg, pipelineOpts); err != nil {
		return err
	}
	fmt.Printf("Successfully signed into %s\n", output)
	return nil
}

// notaryConfig carries notary credentials for the standalone notarize
// command, which has no product configuration.
type notaryConfig struct {
	user, password, ascProvider, bundleID string
}

func (c notaryConfig) NotaryUser() string        { return c.user }
func (c notaryConfig) NotaryPassword() string    { return c.password }
func (c notaryConfig) NotaryASCProvider() string { return c.ascProvider }
func (c notaryConfig) BaseBundleID() string      { return c.bundleID }

func runNotarize(ctx context.Context, opts docopt.Opts) error {
	file, _ := opts.String("--file")
	bundleID, _ := opts.String("--bundle-id")
	staple, _ := opts.Bool("--staple")
	cfg := notaryConfig{
		user:        flagOrEnv(opts, "--notary-user", "MACSIGN_NOTARY_USER", os.Getenv),
		password:    flagOrEnv(opts, "--notary-password", "MACSIGN_NOTARY_PASSWORD", os.Getenv),
		ascProvider: flagOrEnv(opts, "--notary-asc-provider", "MACSIGN_NOTARY_ASC_PROVIDER", os.Getenv),
		bundleID:    bundleID,
	}
	if cfg.user == "" || cfg.password == "" {
		return fmt.Errorf("--notary-user and --notary-password are required (or set MACSIGN_NOTARY_USER and MACSIGN_NOTARY_PASSWORD)")
	}

	n := notarize.New(commands.ExecRunner{})
	id, err := n.Submit(ctx, file, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Request UUID: %s\n", id)

	for _, err := range n.WaitForResults(ctx, []string{id}, cfg) {
		if err != nil {
			return err
		}
	}
	fmt.Printf("Notarization of %s succeeded\n", file)

	if !staple {
		return nil
	}
	if err := n.Staple(ctx, file); err != nil {
		return err
	}
	fmt.Printf("Stapled %s\n", file)
	return nil
}

func runStaple(ctx context.Context, opts docopt.Opts) error {
	file, _ := opts.String("--file")
	if err := notarize.New(commands.ExecRunner{}).Staple(ctx, file); err != nil {
		return err
	}
	fmt.Printf("Stapled %s\n", file)
	return nil
}

func runInfo(_ context.Context, opts docopt.Opts) error {
	if binary, _ := opts.String("--binary"); binary != "" {
		return showBinaryInfo(binary)
	}
	if profile, _ := opts.String("--profile"); profile != "" {
		return showProfileInfo(profile)
	}
	return fmt.Errorf("either --binary or --profile is required")
}

func showBinaryInfo(path string) error {
	info, err := signing.InspectFile(path)
	if err != nil {
		return err
	}

	fmt.Println("Code Signature Information")
	fmt.Println("==========================")
	fmt.Printf("File:           %s\n", info.Path)
	for _, s := range info.Slices {
		fmt.Println()
		fmt.Printf("Architecture:   %s\n", s.CPU)
		fmt.Printf("Identifier:     %s\n", s.Identifier)
		fmt.Printf("Team ID:        %s\n", valueOr(s.TeamID, "not set"))
		fmt.Printf("Flags:          0x%x\n", s.Flags)
		fmt.Printf("Hash Type:      %s\n", s.HashType)
		fmt.Printf("CDHash:         %s\n", s.CDHash)
		fmt.Printf("Runtime:        %v\n", s.HardenedRuntime())
		if s.AdHoc() {
			fmt.Printf("Signer:         ad-hoc\n")
		} else {
			fmt.Printf("Signer:         %s\n", valueOr(s.Signer, "unknown"))
		}
	}
	return nil
}

func showProfileInfo(path string) error {
	profile, err := signing.LoadProvisioningProfile(path)
	if err != nil {
		return err
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", path)
	fmt.Printf("Name:           %s\n", profile.Name)
	fmt.Printf("Team ID:        %s\n", profile.TeamID())
	fmt.Printf("App ID:         %s\n", profile.ApplicationIdentifier())
	fmt.Printf("UUID:           %s\n", profile.UUID)
	fmt.Printf("Platform:       %s\n", strings.Join(profile.Platform, ", "))
	fmt.Printf("Created:        %s\n", profile.CreationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expired:        %v\n", profile.CheckValid(time.Now()) != nil)
	if certs, err := profile.Certificates(); err == nil {
		fmt.Printf("Certificates:   %d\n", len(certs))
		for i, cert := range certs {
			fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
			fmt.Printf("      Serial: %s\n", cert.SerialNumber.String())
			fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
		}
	}

	if len(profile.Entitlements) > 0 {
		fmt.Println()
		fmt.Println("Entitlements:")
		keys := make([]string, 0, len(profile.Entitlements))
		for k := range profile.Entitlements {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, profile.Entitlements[k])
		}
	}
	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
