// Package notarize submits signed artifacts to Apple's notary service, waits
// for the verdicts and staples the resulting tickets.
package notarize

import (
	"context"
	"fmt"
	"iter"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/aluedeke/go-macsign/pkg/commands"
	"github.com/aluedeke/go-macsign/pkg/model"
)

const (
	// DefaultTimeout bounds the total time spent waiting for results.
	DefaultTimeout = 60 * time.Minute

	pollInitialInterval = 5 * time.Second
	pollMaxInterval     = 60 * time.Second

	// maxAttempts applies to submit and staple.
	maxAttempts = 3
)

const (
	statusInProgress = "in progress"
	statusSuccess    = "success"
)

// Config is the part of a signing configuration the notary tools use.
type Config interface {
	NotaryUser() string
	NotaryPassword() string
	NotaryASCProvider() string
	BaseBundleID() string
}

// NotarizationError reports a notarization request that did not succeed.
type NotarizationError struct {
	UUIDs      []string
	Status     string
	LogFileURL string
	Reason     string
}

func (e *NotarizationError) Error() string {
	uuids := strings.Join(e.UUIDs, ", ")
	if e.Status != "" {
		msg := fmt.Sprintf("notarization request %s failed with status %q", uuids, e.Status)
		if e.LogFileURL != "" {
			msg += ". Log file: " + e.LogFileURL
		}
		return msg
	}
	if uuids == "" {
		return "notarization: " + e.Reason
	}
	return fmt.Sprintf("notarization: %s: %s", e.Reason, uuids)
}

// Notarizer drives altool and stapler.
type Notarizer struct {
	Runner commands.Runner

	// Clock measures elapsed polling time. Nil means the system clock.
	Clock backoff.Clock
	// Sleep waits between polling rounds. Nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Timeout overrides DefaultTimeout when non-zero.
	Timeout time.Duration
}

// New returns a Notarizer that runs tools through r.
func New(r commands.Runner) *Notarizer {
	return &Notarizer{Runner: r}
}

func (n *Notarizer) clock() backoff.Clock {
	if n.Clock != nil {
		return n.Clock
	}
	return backoff.SystemClock
}

func (n *Notarizer) timeout() time.Duration {
	if n.Timeout > 0 {
		return n.Timeout
	}
	return DefaultTimeout
}

func (n *Notarizer) sleep(ctx context.Context, d time.Duration) error {
	if n.Sleep != nil {
		return n.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func credentialArgs(cfg Config) []string {
	args := []string{
		"--username", cfg.NotaryUser(),
		"--password", cfg.NotaryPassword(),
		"--output-format", "xml",
	}
	if p := cfg.NotaryASCProvider(); p != "" {
		args = append(args, "--asc-provider", p)
	}
	return args
}

// retryExitCodes runs op up to maxAttempts times while it fails with an exit
// code that retryable accepts. Any other failure is returned immediately.
func retryExitCodes(ctx context.Context, what string, retryable func(int) bool, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxAttempts-1), ctx)
	return backoff.RetryNotify(
		func() error {
			err := op()
			if err == nil {
				return nil
			}
			if code, ok := commands.ExitCode(err); ok && retryable(code) {
				return err
			}
			return backoff.Permanent(err)
		},
		b,
		func(err error, _ time.Duration) {
			code, _ := commands.ExitCode(err)
			log.Warnf("%s failed with exit status %d, retrying", what, code)
		},
	)
}

// Submit uploads path for notarization and returns the request UUID.
func (n *Notarizer) Submit(ctx context.Context, path string, cfg Config) (string, error) {
	args := []string{
		"xcrun", "altool", "--notarize-app",
		"--file", path,
		"--primary-bundle-id", cfg.BaseBundleID(),
	}
	args = append(args, credentialArgs(cfg)...)

	var stdout []byte
	err := retryExitCodes(ctx, "notarization upload of "+filepath.Base(path), submitRetryable, func() error {
		out, err := commands.RunCommandOutput(ctx, n.Runner, args...)
		stdout = out
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit %s for notarization: %w", path, err)
	}

	out, err := parseOutput(stdout)
	if err != nil {
		return "", &NotarizationError{Reason: err.Error()}
	}
	id, err := uuid.Parse(out.Upload.RequestUUID)
	if err != nil {
		return "", &NotarizationError{Reason: fmt.Sprintf("invalid RequestUUID %q: %v", out.Upload.RequestUUID, err)}
	}
	log.Infof("Submitted %s for notarization, request UUID: %s", filepath.Base(path), id)
	return out.Upload.RequestUUID, nil
}

// WaitForResults polls the notary service until every request in uuids has
// finished. It yields each UUID whose notarization succeeded, in the order
// they complete. The first request to fail, or running out of time, yields a
// *NotarizationError and ends the sequence even if other requests are still
// pending.
func (n *Notarizer) WaitForResults(ctx context.Context, uuids []string, cfg Config) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		pending := append([]string(nil), uuids...)
		if len(pending) == 0 {
			return
		}

		schedule := &backoff.ExponentialBackOff{
			InitialInterval:     pollInitialInterval,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         pollMaxInterval,
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               n.clock(),
		}
		schedule.Reset()

		for {
			var stillPending []string
			for _, id := range pending {
				done, err := n.poll(ctx, id, cfg)
				if err != nil {
					yield("", err)
					return
				}
				if !done {
					stillPending = append(stillPending, id)
					continue
				}
				if !yield(id, nil) {
					return
				}
			}
			pending = stillPending
			if len(pending) == 0 {
				return
			}

			if schedule.GetElapsedTime() > n.timeout() {
				yield("", &NotarizationError{UUIDs: pending, Reason: "timed out waiting for notarization requests"})
				return
			}
			if err := n.sleep(ctx, schedule.NextBackOff()); err != nil {
				yield("", err)
				return
			}
		}
	}
}

// poll checks one request. done is true once it has succeeded.
func (n *Notarizer) poll(ctx context.Context, id string, cfg Config) (done bool, err error) {
	args := append([]string{"xcrun", "altool", "--notarization-info", id}, credentialArgs(cfg)...)

	res, err := n.Runner.Run(ctx, commands.Cmd{Args: args})
	if err != nil {
		code, ok := commands.ExitCode(err)
		if !ok {
			return false, err
		}
		if pollTolerable(code, res.Stdout) {
			log.Infof("Notarization request %s not available yet (exit status %d), waiting", id, code)
			return false, nil
		}
		return false, fmt.Errorf("failed to get notarization status of %s: %w", id, err)
	}

	out, err := parseOutput(res.Stdout)
	if err != nil {
		return false, &NotarizationError{UUIDs: []string{id}, Reason: err.Error()}
	}

	switch out.Info.Status {
	case statusInProgress:
		return false, nil
	case statusSuccess:
		log.Infof("Notarization request %s succeeded", id)
		return true, nil
	default:
		return false, &NotarizationError{
			UUIDs:      []string{id},
			Status:     out.Info.Status,
			LogFileURL: out.Info.LogFileURL,
		}
	}
}

// Staple attaches the notarization ticket to path.
func (n *Notarizer) Staple(ctx context.Context, path string) error {
	err := retryExitCodes(ctx, "stapling "+filepath.Base(path), stapleRetryable, func() error {
		return commands.RunCommand(ctx, n.Runner, "xcrun", "stapler", "staple", "--verbose", path)
	})
	if err != nil {
		return fmt.Errorf("failed to staple %s: %w", path, err)
	}
	return nil
}

// StapleBundledParts staples every .app and .xpc bundle in parts, deepest
// path first so nested bundles carry their tickets before their container.
func (n *Notarizer) StapleBundledParts(ctx context.Context, parts map[string]*model.CodeSignedProduct, paths model.Paths) error {
	var bundles []string
	for _, p := range parts {
		if p.IsBundle() {
			bundles = append(bundles, p.Path)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(bundles)))

	for _, b := range bundles {
		if err := n.Staple(ctx, filepath.Join(paths.Work, b)); err != nil {
			return err
		}
	}
	return nil
}
