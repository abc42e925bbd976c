// Package runner is the client side of the code execution service. The
// evaluation engine only sees the Runner contract; the Docker implementation
// and the target output cache live here.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/gema-lab-api/internal/models"
)

// ErrUnsupportedLanguage indicates no runtime is configured for the language.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Request describes a single program execution.
type Request struct {
	Source   string
	Language models.Language
	Stdin    string
	Timeout  time.Duration
}

// Result is what the program produced. Timeouts and non-zero exits are
// reported here, not as errors.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the program did not finish cleanly.
func (r Result) Failed() bool {
	return r.TimedOut || r.ExitCode != 0
}

// Runner executes a program with the given input. A returned error means the
// execution infrastructure failed, not the program.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}
