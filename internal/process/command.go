package process

import (
	"errors"
	"os/exec"
	"strings"

	"github.com/google/shlex"
)

// ErrEmptyCommand is returned when a command string has no tokens.
var ErrEmptyCommand = errors.New("empty command")

// BuildCommand turns a command line into an *exec.Cmd. Commands of the form
// "cd <dir> && ..." need a shell and run under /bin/sh -c; everything else is
// tokenized with POSIX quoting rules and executed directly.
func BuildCommand(command, workDir string) (*exec.Cmd, error) {
	cmdStr := strings.TrimSpace(command)
	if cmdStr == "" {
		return nil, ErrEmptyCommand
	}
	var cmd *exec.Cmd
	if strings.HasPrefix(cmdStr, "cd ") {
		// #nosec G204
		cmd = exec.Command("/bin/sh", "-c", cmdStr)
	} else {
		parts, err := shlex.Split(cmdStr)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			return nil, ErrEmptyCommand
		}
		// #nosec G204
		cmd = exec.Command(parts[0], parts[1:]...)
	}
	if workDir != "" {
		cmd.Dir = workDir
	}
	SetProcessGroup(cmd)
	return cmd, nil
}

// Classify refines the level of an output line from its content:
// "error", "exception" or "traceback" mean error, "warn" means warning.
func Classify(line, defaultLevel string) string {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "error"), strings.Contains(l, "exception"), strings.Contains(l, "traceback"):
		return "error"
	case strings.Contains(l, "warn"):
		return "warning"
	}
	return defaultLevel
}

// ExitCode extracts the exit status from the error returned by cmd.Wait.
// A nil error is 0; termination by signal or an unknown failure is -1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
