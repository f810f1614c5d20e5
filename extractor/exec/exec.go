// Package exec runs an external extraction binary as a creditgate.Extractor.
//
// The binary receives the file path and tier through its argument template
// and must print one JSON document on stdout.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ineyio/creditgate"
)

const (
	defaultTimeout   = 2 * time.Minute
	maxStderrInError = 512
)

// ErrInvalidOutput is returned when the worker did not print a JSON document.
var ErrInvalidOutput = errors.New("exec: worker output is not valid JSON")

// Extractor invokes a command per extraction.
type Extractor struct {
	name    string
	command string
	args    []string
	timeout time.Duration
	env     []string
}

var _ creditgate.Extractor = (*Extractor)(nil)

// Option configures an Extractor.
type Option func(*Extractor)

// WithName sets the extractor name. Defaults to the command.
func WithName(name string) Option {
	return func(e *Extractor) { e.name = name }
}

// WithArgs sets the argument template. "{path}" and "{tier}" are substituted
// per request. Defaults to "{path}".
func WithArgs(args ...string) Option {
	return func(e *Extractor) { e.args = args }
}

// WithTimeout bounds a single invocation.
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.timeout = d }
}

// WithEnv sets extra environment entries in KEY=VALUE form.
func WithEnv(env ...string) Option {
	return func(e *Extractor) { e.env = env }
}

// New creates an Extractor running command.
func New(command string, opts ...Option) *Extractor {
	e := &Extractor{
		name:    command,
		command: command,
		args:    []string{"{path}"},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Extractor) Name() string { return e.name }

func (e *Extractor) Extract(ctx context.Context, req creditgate.ExtractRequest) (creditgate.ExtractResponse, error) {
	if req.Path == "" {
		return creditgate.ExtractResponse{}, fmt.Errorf("exec: empty file path")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	r := strings.NewReplacer("{path}", req.Path, "{tier}", req.Tier)
	args := make([]string, len(e.args))
	for i, a := range e.args {
		args[i] = r.Replace(a)
	}

	cmd := exec.CommandContext(ctx, e.command, args...)
	if len(e.env) > 0 {
		cmd.Env = append(cmd.Environ(), e.env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return creditgate.ExtractResponse{}, fmt.Errorf("exec: %s: %w", e.name, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderrInError {
			msg = msg[:maxStderrInError]
		}
		return creditgate.ExtractResponse{}, fmt.Errorf("exec: %s: %w: %s", e.name, err, msg)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(out) {
		return creditgate.ExtractResponse{}, ErrInvalidOutput
	}
	return creditgate.ExtractResponse{Payload: out}, nil
}
