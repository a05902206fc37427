package env

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Merge copies base and applies each layer over it in order. Empty keys are
// dropped.
func Merge(base Var, layers ...Var) []string {
	m := make(Var, len(base))
	for k, v := range base {
		m[k] = v
	}
	for _, l := range layers {
		for k, v := range l {
			if k == "" {
				continue
			}
			m[k] = v
		}
	}
	return m.Pairs()
}

// Pairs renders the map as sorted K=V strings.
func (v Var) Pairs() []string {
	out := make([]string, 0, len(v))
	for k, val := range v {
		out = append(out, k+"="+val)
	}
	sort.Strings(out)
	return out
}

// Compose builds a cron job environment: OS env, then the variables from
// envFile (relative paths resolve against workDir), then vars. A missing or
// unreadable env file is logged and skipped.
func Compose(envFile, workDir string, vars map[string]string) []string {
	var fileVars Var
	if envFile != "" {
		p := envFile
		if !filepath.IsAbs(p) && workDir != "" {
			p = filepath.Join(workDir, p)
		}
		m, err := ParseFile(p)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Warn("env file not found", "path", p)
		case err != nil:
			slog.Error("load env file", "path", p, "error", err)
		default:
			fileVars = m
		}
	}
	return Merge(fromPairs(os.Environ()), fileVars, Var(vars))
}

// ParseFile reads a .env style file.
func ParseFile(path string) (Var, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse reads KEY=VALUE lines. Blank lines and lines starting with '#' are
// skipped, an "export " prefix is dropped, and one pair of matching surrounding
// quotes is removed from the value.
func Parse(r io.Reader) (Var, error) {
	m := make(Var)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		m[k] = unquote(strings.TrimSpace(v))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan env: %w", err)
	}
	return m, nil
}

// LoadDotEnv sets variables from path into the process environment unless
// they are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	m, err := ParseFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for k, v := range m {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

func unquote(v string) string {
	if n := len(v); n >= 2 {
		if (v[0] == '"' && v[n-1] == '"') || (v[0] == '\'' && v[n-1] == '\'') {
			return v[1 : n-1]
		}
	}
	return v
}

func fromPairs(kvs []string) Var {
	base := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	return base
}
