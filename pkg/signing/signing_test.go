package signing

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluedeke/go-macsign/internal/commandtest"
	"github.com/aluedeke/go-macsign/pkg/commands"
	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/model"
)

var testPaths = model.Paths{Input: "/$I", Output: "/$O", Work: "/$W"}

func newConfig(t *testing.T, mutate func(*config.Options)) config.Config {
	t.Helper()
	opts := config.Options{
		Identity: "[IDENTITY]",
		Product: config.ProductInfo{
			AppProduct:   "App Product",
			Product:      "Product",
			Version:      "99.0.9999.99",
			BaseBundleID: "test.signing.bundle_id",
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	cfg, err := config.NewCodeSignConfig(opts)
	require.NoError(t, err)
	return cfg
}

func withNotary(o *config.Options) {
	o.NotaryUser = "[NOTARY-USER]"
	o.NotaryPassword = "[NOTARY-PASSWORD]"
}

func TestSignPartArgs(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*config.Options)
		part     *model.CodeSignedProduct
		expected []string
	}{
		{
			name: "minimal",
			part: &model.CodeSignedProduct{Path: "Test.app", Identifier: "test.signing.app"},
			expected: []string{
				"codesign", "--sign", "[IDENTITY]", "/$W/Test.app",
			},
		},
		{
			name:   "timestamp with notary user",
			mutate: withNotary,
			part:   &model.CodeSignedProduct{Path: "Test.app", Identifier: "test.signing.app"},
			expected: []string{
				"codesign", "--sign", "[IDENTITY]", "--timestamp", "/$W/Test.app",
			},
		},
		{
			name: "identifier requirement",
			part: model.NewCodeSignedProduct("Test.app", "test.signing.app"),
			expected: []string{
				"codesign", "--sign", "[IDENTITY]",
				"--requirements", `=designated => identifier "test.signing.app"`,
				"/$W/Test.app",
			},
		},
		{
			name: "explicit identifier",
			part: &model.CodeSignedProduct{Path: "Test.dmg", Identifier: "test.signing.dmg", SignWithIdentifier: true},
			expected: []string{
				"codesign", "--sign", "[IDENTITY]", "--identifier", "test.signing.dmg", "/$W/Test.dmg",
			},
		},
		{
			name: "options and entitlements",
			part: &model.CodeSignedProduct{
				Path:         "Test.app",
				Identifier:   "test.signing.app",
				Options:      model.OptionHardenedRuntime | model.OptionKill | model.OptionRestrict,
				Entitlements: "entitlements.plist",
			},
			expected: []string{
				"codesign", "--sign", "[IDENTITY]",
				"--options", "restrict,kill,runtime",
				"--entitlements", "/$W/entitlements.plist",
				"/$W/Test.app",
			},
		},
		{
			name:   "everything",
			mutate: withNotary,
			part: &model.CodeSignedProduct{
				Path:                  "Test.app",
				Identifier:            "test.signing.app",
				Options:               model.FullHardenedRuntimeOptions,
				Requirements:          "and anchor apple",
				IdentifierRequirement: true,
				SignWithIdentifier:    true,
				Entitlements:          "entitlements.plist",
			},
			expected: []string{
				"codesign", "--sign", "[IDENTITY]", "--timestamp",
				"--identifier", "test.signing.app",
				"--requirements", `=designated => identifier "test.signing.app" and anchor apple`,
				"--options", "restrict,library,kill,runtime",
				"--entitlements", "/$W/entitlements.plist",
				"/$W/Test.app",
			},
		},
		{
			name:   "ad-hoc drops requirements",
			mutate: func(o *config.Options) { o.Identity = "-" },
			part:   model.NewCodeSignedProduct("Test.app", "test.signing.app"),
			expected: []string{
				"codesign", "--sign", "-", "/$W/Test.app",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newConfig(t, tt.mutate)
			assert.Equal(t, tt.expected, SignPartArgs(testPaths, cfg, tt.part))
		})
	}
}

func TestSignPart(t *testing.T) {
	r := commandtest.New()
	cfg := newConfig(t, nil)
	part := &model.CodeSignedProduct{Path: "Test.app", Identifier: "test.signing.app"}

	require.NoError(t, SignPart(context.Background(), r, testPaths, cfg, part))
	assert.Equal(t, [][]string{{"codesign", "--sign", "[IDENTITY]", "/$W/Test.app"}}, r.Calls())
}

func TestSignPartFailure(t *testing.T) {
	r := commandtest.New().On([]string{"codesign"}, commandtest.Response{ExitCode: 1, Stderr: "errSecInternalComponent"})
	cfg := newConfig(t, nil)

	err := SignPart(context.Background(), r, testPaths, cfg, &model.CodeSignedProduct{Path: "Test.app"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "errSecInternalComponent")
	var ee *commands.ExitError
	assert.ErrorAs(t, err, &ee)
}

func TestSignPartInvalidOptions(t *testing.T) {
	r := commandtest.New()
	cfg := newConfig(t, nil)
	part := &model.CodeSignedProduct{Path: "Test.app", VerifyOptions: model.VerifyStrict | model.VerifyNoStrict}

	assert.Error(t, SignPart(context.Background(), r, testPaths, cfg, part))
	assert.Empty(t, r.Calls())
}

func TestVerifyPart(t *testing.T) {
	r := commandtest.New()
	part := &model.CodeSignedProduct{
		Path:          filepath.Join("Test.app", "Contents", "Helpers", "crashpad"),
		VerifyOptions: model.VerifyDeep | model.VerifyStrict,
	}

	require.NoError(t, VerifyPart(context.Background(), r, testPaths, part))
	path := "/$W/Test.app/Contents/Helpers/crashpad"
	assert.Equal(t, [][]string{
		{"codesign", "--display", "--verbose=5", "--requirements", "-", path},
		{"codesign", "--verify", "--verbose=6", "--deep", "--strict", path},
	}, r.Calls())
}

func TestValidateApp(t *testing.T) {
	part := &model.CodeSignedProduct{Path: "Test.app"}

	t.Run("with spctl", func(t *testing.T) {
		r := commandtest.New()
		require.NoError(t, ValidateApp(context.Background(), r, testPaths, newConfig(t, nil), part))
		calls := r.Calls()
		require.Len(t, calls, 3)
		assert.Equal(t, []string{"spctl", "--assess", "-vv", "/$W/Test.app"}, calls[2])
	})

	t.Run("without spctl", func(t *testing.T) {
		r := commandtest.New()
		cfg := newConfig(t, func(o *config.Options) { o.SkipSpctlAssess = true })
		require.NoError(t, ValidateApp(context.Background(), r, testPaths, cfg, part))
		assert.Empty(t, r.CallsWithPrefix("spctl"))
	})

	t.Run("rejected", func(t *testing.T) {
		r := commandtest.New().On([]string{"spctl"}, commandtest.Response{ExitCode: 3, Stderr: "rejected"})
		err := ValidateApp(context.Background(), r, testPaths, newConfig(t, nil), part)
		code, ok := commands.ExitCode(err)
		require.True(t, ok)
		assert.Equal(t, 3, code)
	})
}
