// Package agent invokes the external coding agent used for remediation.
package agent

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable means the agent cannot be invoked at all, either because it
// is not installed or because its circuit is open.
var ErrUnavailable = errors.New("agent unavailable")

type Request struct {
	Prompt  string
	WorkDir string
	Timeout time.Duration
}

type Result struct {
	Success       bool
	Response      string
	FilesModified []string
}

// Agent runs one remediation prompt against a working directory. An error
// means the agent could not produce a result; an unsuccessful Result means it
// ran and did not fix the problem.
type Agent interface {
	Run(ctx context.Context, req Request) (Result, error)
}
