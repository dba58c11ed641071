package notarize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"

	"github.com/aluedeke/go-macsign/internal/commandtest"
	"github.com/aluedeke/go-macsign/pkg/commands"
	"github.com/aluedeke/go-macsign/pkg/model"
)

const testUUID = "cca0aec2-7c64-4ea4-b895-051ea3a17311"

type testConfig struct {
	ascProvider string
}

func (testConfig) NotaryUser() string          { return "[NOTARY-USER]" }
func (testConfig) NotaryPassword() string      { return "[NOTARY-PASSWORD]" }
func (c testConfig) NotaryASCProvider() string { return c.ascProvider }
func (testConfig) BaseBundleID() string        { return "test.signing.bundle_id" }

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

// newTestNotarizer returns a Notarizer whose sleeps advance a fake clock and
// are recorded instead of waited on.
func newTestNotarizer(r commands.Runner) (*Notarizer, *[]time.Duration) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var sleeps []time.Duration
	n := New(r)
	n.Clock = clock
	n.Sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		clock.now = clock.now.Add(d)
		return nil
	}
	return n, &sleeps
}

func plistOutput(t *testing.T, v map[string]interface{}) string {
	t.Helper()
	data, err := plist.MarshalIndent(v, plist.XMLFormat, "\t")
	require.NoError(t, err)
	return string(data)
}

func uploadOutput(t *testing.T, id string) string {
	return plistOutput(t, map[string]interface{}{
		"notarization-upload": map[string]interface{}{"RequestUUID": id},
		"success-message":     "No errors uploading 'App.zip'.",
	})
}

func infoOutput(t *testing.T, status string) string {
	return plistOutput(t, map[string]interface{}{
		"notarization-info": map[string]interface{}{
			"Status":      status,
			"LogFileURL":  "https://example.com/notarization/log.json",
			"RequestUUID": testUUID,
		},
	})
}

func notFoundOutput(t *testing.T) string {
	return plistOutput(t, map[string]interface{}{
		"product-errors": []interface{}{
			map[string]interface{}{"code": 1519, "message": "Could not find the RequestUUID."},
		},
	})
}

var (
	submitCmd = []string{"xcrun", "altool", "--notarize-app"}
	infoCmd   = []string{"xcrun", "altool", "--notarization-info"}
	stapleCmd = []string{"xcrun", "stapler", "staple"}
)

func TestSubmit(t *testing.T) {
	r := commandtest.New().On(submitCmd, commandtest.Response{Stdout: uploadOutput(t, testUUID)})
	n, _ := newTestNotarizer(r)

	id, err := n.Submit(context.Background(), "/$W/App.zip", testConfig{})
	require.NoError(t, err)
	assert.Equal(t, testUUID, id)
	assert.Equal(t, [][]string{{
		"xcrun", "altool", "--notarize-app",
		"--file", "/$W/App.zip",
		"--primary-bundle-id", "test.signing.bundle_id",
		"--username", "[NOTARY-USER]",
		"--password", "[NOTARY-PASSWORD]",
		"--output-format", "xml",
	}}, r.Calls())
}

func TestSubmitASCProvider(t *testing.T) {
	r := commandtest.New().On(submitCmd, commandtest.Response{Stdout: uploadOutput(t, testUUID)})
	n, _ := newTestNotarizer(r)

	_, err := n.Submit(context.Background(), "/$W/App.zip", testConfig{ascProvider: "[ASC-PROVIDER]"})
	require.NoError(t, err)
	call := r.Calls()[0]
	assert.Equal(t, []string{"--asc-provider", "[ASC-PROVIDER]"}, call[len(call)-2:])
}

func TestSubmitRetry(t *testing.T) {
	tests := []struct {
		name      string
		codes     []int
		wantCalls int
		wantCode  int
	}{
		{name: "success first try", codes: nil, wantCalls: 1},
		{name: "network then success", codes: []int{13}, wantCalls: 2},
		{name: "two transient then success", codes: []int{176, 236}, wantCalls: 3},
		{name: "three transient", codes: []int{240, 250, 13}, wantCalls: 3, wantCode: 13},
		{name: "fatal", codes: []int{1}, wantCalls: 1, wantCode: 1},
		{name: "transient then fatal", codes: []int{250, 2}, wantCalls: 2, wantCode: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var responses []commandtest.Response
			for _, c := range tt.codes {
				responses = append(responses, commandtest.Response{ExitCode: c, Stderr: "altool failed"})
			}
			responses = append(responses, commandtest.Response{Stdout: uploadOutput(t, testUUID)})
			r := commandtest.New().On(submitCmd, responses...)
			n, _ := newTestNotarizer(r)

			id, err := n.Submit(context.Background(), "/$W/App.zip", testConfig{})
			assert.Len(t, r.Calls(), tt.wantCalls)
			if tt.wantCode == 0 {
				require.NoError(t, err)
				assert.Equal(t, testUUID, id)
				return
			}
			code, ok := commands.ExitCode(err)
			require.True(t, ok, "expected an exit error, got %v", err)
			assert.Equal(t, tt.wantCode, code)
			assert.Contains(t, err.Error(), "altool failed")
		})
	}
}

func TestSubmitBadOutput(t *testing.T) {
	tests := map[string]string{
		"not a plist":  "garbage <<<",
		"missing uuid": plistOutput(t, map[string]interface{}{"success-message": "ok"}),
		"invalid uuid": uploadOutput(t, "not-a-uuid"),
	}
	for name, stdout := range tests {
		t.Run(name, func(t *testing.T) {
			r := commandtest.New().On(submitCmd, commandtest.Response{Stdout: stdout})
			n, _ := newTestNotarizer(r)

			_, err := n.Submit(context.Background(), "/$W/App.zip", testConfig{})
			var ne *NotarizationError
			assert.ErrorAs(t, err, &ne)
		})
	}
}

func collect(seq func(func(string, error) bool)) ([]string, error) {
	var ids []string
	for id, err := range seq {
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func TestWaitForResultsSuccess(t *testing.T) {
	r := commandtest.New().On(infoCmd, commandtest.Response{Stdout: infoOutput(t, "success")})
	n, sleeps := newTestNotarizer(r)

	ids, err := collect(n.WaitForResults(context.Background(), []string{"U"}, testConfig{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"U"}, ids)
	assert.Equal(t, [][]string{{
		"xcrun", "altool", "--notarization-info", "U",
		"--username", "[NOTARY-USER]",
		"--password", "[NOTARY-PASSWORD]",
		"--output-format", "xml",
	}}, r.Calls())
	assert.Empty(t, *sleeps)
}

func TestWaitForResultsEmpty(t *testing.T) {
	r := commandtest.New()
	n, _ := newTestNotarizer(r)

	ids, err := collect(n.WaitForResults(context.Background(), nil, testConfig{}))
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, r.Calls())
}

func TestWaitForResultsFailure(t *testing.T) {
	r := commandtest.New().On(infoCmd, commandtest.Response{Stdout: infoOutput(t, "invalid")})
	n, sleeps := newTestNotarizer(r)

	ids, err := collect(n.WaitForResults(context.Background(), []string{testUUID}, testConfig{}))
	assert.Empty(t, ids)

	var ne *NotarizationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "invalid", ne.Status)
	assert.Contains(t, err.Error(), testUUID)
	assert.Contains(t, err.Error(), "invalid")
	assert.Contains(t, err.Error(), "https://example.com/notarization/log.json")
	assert.Len(t, r.Calls(), 1)
	assert.Empty(t, *sleeps)
}

func TestWaitForResultsTimeout(t *testing.T) {
	r := commandtest.New().On(infoCmd, commandtest.Response{Stdout: infoOutput(t, "in progress")})
	n, sleeps := newTestNotarizer(r)

	_, err := collect(n.WaitForResults(context.Background(), []string{"U"}, testConfig{}))

	var ne *NotarizationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, []string{"U"}, ne.UUIDs)
	assert.Contains(t, err.Error(), "timed out")

	require.NotEmpty(t, *sleeps)
	assert.Equal(t, 5*time.Second, (*sleeps)[0])
	var total time.Duration
	for i, d := range *sleeps {
		assert.LessOrEqual(t, d, 60*time.Second)
		if i > 0 {
			assert.GreaterOrEqual(t, d, (*sleeps)[i-1])
		}
		total += d
	}
	assert.Greater(t, total, 60*time.Minute)
	assert.Equal(t, 60*time.Second, (*sleeps)[len(*sleeps)-1])
	assert.Len(t, r.Calls(), len(*sleeps)+1)
}

func TestWaitForResultsTolerated(t *testing.T) {
	tests := []struct {
		name  string
		first commandtest.Response
	}{
		{"request not found yet", commandtest.Response{ExitCode: 239, Stdout: notFoundOutput(t)}},
		{"network failure", commandtest.Response{ExitCode: 13, Stderr: "hostname lookup failed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := commandtest.New().On(infoCmd,
				tt.first,
				commandtest.Response{Stdout: infoOutput(t, "in progress")},
				commandtest.Response{Stdout: infoOutput(t, "success")},
			)
			n, sleeps := newTestNotarizer(r)

			ids, err := collect(n.WaitForResults(context.Background(), []string{"U"}, testConfig{}))
			require.NoError(t, err)
			assert.Equal(t, []string{"U"}, ids)
			assert.Len(t, r.Calls(), 3)
			assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, *sleeps)
		})
	}
}

func TestWaitForResultsUntoleratedError(t *testing.T) {
	r := commandtest.New().On(infoCmd, commandtest.Response{
		ExitCode: 239,
		Stdout: plistOutput(t, map[string]interface{}{
			"product-errors": []interface{}{map[string]interface{}{"code": 1, "message": "other"}},
		}),
	})
	n, _ := newTestNotarizer(r)

	_, err := collect(n.WaitForResults(context.Background(), []string{"U"}, testConfig{}))
	code, ok := commands.ExitCode(err)
	require.True(t, ok)
	assert.Equal(t, 239, code)
}

func TestWaitForResultsMultiple(t *testing.T) {
	polls := map[string]int{}
	r := commandtest.New().Handle(infoCmd, func(args []string) commandtest.Response {
		id := args[3]
		polls[id]++
		status := "in progress"
		if (id == "A" && polls[id] == 3) || (id == "B" && polls[id] == 2) || id == "C" {
			status = "success"
		}
		return commandtest.Response{Stdout: infoOutput(t, status)}
	})
	n, sleeps := newTestNotarizer(r)

	ids, err := collect(n.WaitForResults(context.Background(), []string{"A", "B", "C"}, testConfig{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, ids)
	assert.Equal(t, map[string]int{"A": 3, "B": 2, "C": 1}, polls)
	assert.Len(t, *sleeps, 2)
}

func TestWaitForResultsFailFast(t *testing.T) {
	r := commandtest.New().Handle(infoCmd, func(args []string) commandtest.Response {
		if args[3] == "B" {
			return commandtest.Response{Stdout: infoOutput(t, "invalid")}
		}
		return commandtest.Response{Stdout: infoOutput(t, "in progress")}
	})
	n, _ := newTestNotarizer(r)

	ids, err := collect(n.WaitForResults(context.Background(), []string{"A", "B", "C"}, testConfig{}))
	assert.Empty(t, ids)
	var ne *NotarizationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, []string{"B"}, ne.UUIDs)
	assert.Len(t, r.Calls(), 2)
}

func TestWaitForResultsStopEarly(t *testing.T) {
	r := commandtest.New().On(infoCmd, commandtest.Response{Stdout: infoOutput(t, "success")})
	n, _ := newTestNotarizer(r)

	for id, err := range n.WaitForResults(context.Background(), []string{"A", "B"}, testConfig{}) {
		require.NoError(t, err)
		assert.Equal(t, "A", id)
		break
	}
	assert.Len(t, r.Calls(), 1)
}

func TestWaitForResultsCancelled(t *testing.T) {
	r := commandtest.New().On(infoCmd, commandtest.Response{Stdout: infoOutput(t, "in progress")})
	n := New(r)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := collect(n.WaitForResults(ctx, []string{"U"}, testConfig{}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaple(t *testing.T) {
	tests := []struct {
		name      string
		codes     []int
		wantCalls int
		wantErr   bool
	}{
		{name: "success", wantCalls: 1},
		{name: "cloudkit then success", codes: []int{65}, wantCalls: 2},
		{name: "dns twice then success", codes: []int{68, 68}, wantCalls: 3},
		{name: "exhausted", codes: []int{65, 68, 65}, wantCalls: 3, wantErr: true},
		{name: "fatal", codes: []int{1}, wantCalls: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var responses []commandtest.Response
			for _, c := range tt.codes {
				responses = append(responses, commandtest.Response{ExitCode: c})
			}
			responses = append(responses, commandtest.Response{})
			r := commandtest.New().On(stapleCmd, responses...)
			n, _ := newTestNotarizer(r)

			err := n.Staple(context.Background(), "/$W/App.app")
			assert.Len(t, r.Calls(), tt.wantCalls)
			assert.Equal(t, []string{"xcrun", "stapler", "staple", "--verbose", "/$W/App.app"}, r.Calls()[0])
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStapleBundledParts(t *testing.T) {
	r := commandtest.New()
	n, _ := newTestNotarizer(r)

	parts := map[string]*model.CodeSignedProduct{
		"app":       {Path: "Foo.app"},
		"helper":    {Path: "Foo.app/Contents/Frameworks/F.framework/Helpers/Helper.app"},
		"nested":    {Path: "Foo.app/Contents/Frameworks/F.framework/Helpers/Helper.app/Contents/Bar.app"},
		"xpc":       {Path: "Foo.app/Contents/Frameworks/F.framework/XPCServices/S.xpc"},
		"framework": {Path: "Foo.app/Contents/Frameworks/F.framework"},
		"dylib":     {Path: "Foo.app/Contents/Frameworks/F.framework/Libraries/libEGL.dylib"},
		"crashpad":  {Path: "Foo.app/Contents/Frameworks/F.framework/Helpers/chrome_crashpad_handler"},
	}

	require.NoError(t, n.StapleBundledParts(context.Background(), parts, model.Paths{Work: "/$W"}))
	var stapled []string
	for _, c := range r.Calls() {
		stapled = append(stapled, c[len(c)-1])
	}
	assert.Equal(t, []string{
		"/$W/Foo.app/Contents/Frameworks/F.framework/XPCServices/S.xpc",
		"/$W/Foo.app/Contents/Frameworks/F.framework/Helpers/Helper.app/Contents/Bar.app",
		"/$W/Foo.app/Contents/Frameworks/F.framework/Helpers/Helper.app",
		"/$W/Foo.app",
	}, stapled)
}

func TestStapleBundledPartsStopsOnError(t *testing.T) {
	r := commandtest.New().On(stapleCmd, commandtest.Response{ExitCode: 1})
	n, _ := newTestNotarizer(r)

	parts := map[string]*model.CodeSignedProduct{
		"app":    {Path: "Foo.app"},
		"helper": {Path: "Foo.app/Contents/Helpers/Helper.app"},
	}
	err := n.StapleBundledParts(context.Background(), parts, model.Paths{Work: "/$W"})
	assert.Error(t, err)
	assert.Len(t, r.Calls(), 1)
}

func TestNotarizationErrorMessage(t *testing.T) {
	err := error(&NotarizationError{UUIDs: []string{"A", "B"}, Reason: "timed out waiting for notarization requests"})
	assert.Equal(t, "notarization: timed out waiting for notarization requests: A, B", err.Error())

	err = &NotarizationError{Reason: "bad output"}
	assert.Equal(t, "notarization: bad output", err.Error())
	assert.False(t, errors.Is(err, context.Canceled))
}

func TestClassifiers(t *testing.T) {
	for _, c := range []int{13, 176, 236, 240, 250} {
		assert.True(t, submitRetryable(c), c)
	}
	for _, c := range []int{0, 1, 65, 239} {
		assert.False(t, submitRetryable(c), c)
	}
	assert.True(t, stapleRetryable(65))
	assert.True(t, stapleRetryable(68))
	assert.False(t, stapleRetryable(13))

	assert.True(t, pollTolerable(13, nil))
	assert.True(t, pollTolerable(239, []byte(notFoundOutput(t))))
	assert.False(t, pollTolerable(239, nil))
	assert.False(t, pollTolerable(176, nil))
}
