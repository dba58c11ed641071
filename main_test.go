package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
	gop12 "software.sslmate.com/src/go-pkcs12"

	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/pipeline"
)

func parse(t *testing.T, argv ...string) docopt.Opts {
	t.Helper()
	parser := &docopt.Parser{HelpHandler: docopt.NoHelpHandler}
	opts, err := parser.ParseArgs(usage, argv, version)
	require.NoError(t, err)
	return opts
}

func writeProduct(t *testing.T) string {
	t.Helper()
	data, err := plist.Marshal(config.ProductInfo{
		AppProduct:   "App Product",
		Product:      "Product",
		Version:      "99.0.9999.99",
		BaseBundleID: "test.signing.bundle_id",
		Distributions: []config.Distribution{
			{PackageAsDMG: true},
			{Channel: "beta", BrandingCode: "BETA", PackagingNameFragment: "Beta"},
		},
	}, plist.XMLFormat)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "product.plist")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func signArgs(product string, extra ...string) []string {
	return append([]string{"sign", "--input=in", "--output=out", "--product-config=" + product}, extra...)
}

func TestSignConfig(t *testing.T) {
	product := writeProduct(t)
	environment := env(map[string]string{
		"MACSIGN_IDENTITY":        "Developer ID Application: Env Inc. (ENVTEAM123)",
		"MACSIGN_NOTARY_USER":     "env@example.com",
		"MACSIGN_NOTARY_PASSWORD": "envpw",
	})

	t.Run("flags override environment", func(t *testing.T) {
		cfg, err := signConfig(parse(t, signArgs(product, "--notary-user=flag@example.com", "--no-spctl")...), environment)
		require.NoError(t, err)
		assert.Equal(t, "Developer ID Application: Env Inc. (ENVTEAM123)", cfg.Identity())
		assert.Equal(t, "ENVTEAM123", cfg.TeamID())
		assert.Equal(t, "flag@example.com", cfg.NotaryUser())
		assert.Equal(t, "envpw", cfg.NotaryPassword())
		assert.False(t, cfg.RunSpctlAssess())
		assert.Equal(t, "App Product", cfg.AppProduct())
		assert.Len(t, cfg.Distributions(), 2)
	})

	t.Run("development", func(t *testing.T) {
		cfg, err := signConfig(parse(t, signArgs(product, "--development")...), environment)
		require.NoError(t, err)
		assert.Equal(t, config.AdHocIdentity, cfg.Identity())
		assert.True(t, cfg.RunSpctlAssess())
	})

	t.Run("identity required", func(t *testing.T) {
		_, err := signConfig(parse(t, signArgs(product)...), env(nil))
		assert.ErrorIs(t, err, config.ErrIdentityRequired)
	})

	t.Run("missing product config", func(t *testing.T) {
		_, err := signConfig(parse(t, signArgs(filepath.Join(t.TempDir(), "none.plist"), "--identity=x")...), env(nil))
		assert.Error(t, err)
	})
}

func TestSignConfigIdentityP12(t *testing.T) {
	product := writeProduct(t)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject: pkix.Name{
			CommonName:         "Developer ID Application: Example Inc. (ABCDE12345)",
			OrganizationalUnit: []string{"ABCDE12345"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	p12, err := gop12.Modern.Encode(key, cert, nil, "secret")
	require.NoError(t, err)
	p12Path := filepath.Join(t.TempDir(), "id.p12")
	require.NoError(t, os.WriteFile(p12Path, p12, 0600))

	t.Run("password from environment", func(t *testing.T) {
		opts := parse(t, signArgs(product, "--identity=ignored", "--identity-p12="+p12Path)...)
		cfg, err := signConfig(opts, env(map[string]string{"MACSIGN_P12_PASSWORD": "secret"}))
		require.NoError(t, err)
		assert.Len(t, cfg.Identity(), 40)
		assert.NotEqual(t, "ignored", cfg.Identity())
		assert.Equal(t, "ABCDE12345", cfg.TeamID())
	})

	t.Run("wrong password", func(t *testing.T) {
		opts := parse(t, signArgs(product, "--identity-p12="+p12Path, "--p12-password=nope")...)
		_, err := signConfig(opts, env(nil))
		assert.Error(t, err)
	})
}

func TestSignOptions(t *testing.T) {
	product := writeProduct(t)
	creds := env(map[string]string{
		"MACSIGN_IDENTITY":        "[IDENTITY]",
		"MACSIGN_NOTARY_USER":     "u",
		"MACSIGN_NOTARY_PASSWORD": "p",
	})

	tests := []struct {
		name    string
		argv    []string
		getenv  func(string) string
		wantErr string
		check   func(t *testing.T, o pipeline.Options)
	}{
		{
			name:   "filters",
			argv:   signArgs(product, "--skip-brand=BETA", "--skip-brand=GGRO", "--channel=dev", "--disable-packaging"),
			getenv: creds,
			check: func(t *testing.T, o pipeline.Options) {
				assert.Equal(t, []string{"BETA", "GGRO"}, o.SkipBrands)
				assert.Equal(t, []string{"dev"}, o.Channels)
				assert.True(t, o.DisablePackaging)
				assert.False(t, o.NoNotarize)
			},
		},
		{
			name:   "missing credentials skip notarization",
			argv:   signArgs(product, "--identity=[IDENTITY]"),
			getenv: env(nil),
			check: func(t *testing.T, o pipeline.Options) {
				assert.True(t, o.NoNotarize)
			},
		},
		{
			name:   "ad-hoc without credentials",
			argv:   signArgs(product, "--development"),
			getenv: env(nil),
			check: func(t *testing.T, o pipeline.Options) {
				assert.True(t, o.NoNotarize)
			},
		},
		{
			name:   "no notarize without credentials",
			argv:   signArgs(product, "--identity=[IDENTITY]", "--no-notarize"),
			getenv: env(nil),
			check: func(t *testing.T, o pipeline.Options) {
				assert.True(t, o.NoNotarize)
				assert.Empty(t, o.SkipBrands)
				assert.Empty(t, o.Channels)
			},
		},
		{
			name:    "ad-hoc cannot be notarized",
			argv:    signArgs(product, "--development"),
			getenv:  creds,
			wantErr: "ad-hoc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := parse(t, tt.argv...)
			cfg, err := signConfig(opts, tt.getenv)
			require.NoError(t, err)

			got, err := signOptions(opts, cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}

func TestFlagOrEnv(t *testing.T) {
	opts := docopt.Opts{"--identity": "flag", "--notary-user": nil}
	getenv := env(map[string]string{"A": "envA", "B": "envB"})

	assert.Equal(t, "flag", flagOrEnv(opts, "--identity", "A", getenv))
	assert.Equal(t, "envB", flagOrEnv(opts, "--notary-user", "B", getenv))
	assert.Equal(t, "", flagOrEnv(opts, "--missing", "C", getenv))
}
