// Package commandtest provides a scripted commands.Runner for tests.
package commandtest

import (
	"context"
	"strings"
	"sync"

	"github.com/aluedeke/go-macsign/pkg/commands"
)

// Response is a scripted outcome for one command.
type Response struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Err is returned as a start failure instead of a Result.
	Err error
}

// Handler decides the outcome of a command.
type Handler func(args []string) Response

// Runner records every command and answers from a handler chain. The first
// rule whose prefix matches the command's argv answers it. Unmatched commands
// succeed with empty output.
type Runner struct {
	mu    sync.Mutex
	calls [][]string
	rules []rule
}

type rule struct {
	prefix    []string
	responses []Response
	handler   Handler
}

// New returns an empty Runner.
func New() *Runner {
	return &Runner{}
}

// On scripts responses for commands whose argv starts with prefix. Each
// matching call consumes one response; the last one repeats.
func (r *Runner) On(prefix []string, responses ...Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{prefix: prefix, responses: responses})
	return r
}

// Handle routes commands whose argv starts with prefix to h.
func (r *Runner) Handle(prefix []string, h Handler) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{prefix: prefix, handler: h})
	return r
}

func (r *Runner) Run(_ context.Context, cmd commands.Cmd) (commands.Result, error) {
	r.mu.Lock()
	args := append([]string(nil), cmd.Args...)
	r.calls = append(r.calls, args)
	resp := r.respond(args)
	r.mu.Unlock()

	if resp.Err != nil {
		return commands.Result{}, resp.Err
	}
	res := commands.Result{
		ExitCode: resp.ExitCode,
		Stdout:   []byte(resp.Stdout),
		Stderr:   []byte(resp.Stderr),
	}
	if res.ExitCode != 0 {
		return res, &commands.ExitError{Args: args, Result: res}
	}
	return res, nil
}

func (r *Runner) respond(args []string) Response {
	for i := range r.rules {
		rl := &r.rules[i]
		if !hasPrefix(args, rl.prefix) {
			continue
		}
		if rl.handler != nil {
			return rl.handler(args)
		}
		if len(rl.responses) == 0 {
			return Response{}
		}
		resp := rl.responses[0]
		if len(rl.responses) > 1 {
			rl.responses = rl.responses[1:]
		}
		return resp
	}
	return Response{}
}

func hasPrefix(args, prefix []string) bool {
	if len(prefix) > len(args) {
		return false
	}
	for i, p := range prefix {
		if args[i] != p {
			return false
		}
	}
	return true
}

// Calls returns every recorded argv in order.
func (r *Runner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsWithPrefix returns the recorded argvs starting with prefix.
func (r *Runner) CallsWithPrefix(prefix ...string) [][]string {
	var out [][]string
	for _, c := range r.Calls() {
		if hasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Joined returns each recorded argv joined by spaces.
func (r *Runner) Joined() []string {
	var out []string
	for _, c := range r.Calls() {
		out = append(out, strings.Join(c, " "))
	}
	return out
}
