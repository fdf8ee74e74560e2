package agentloop

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/martinemde/cinch/toolexec"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// DirEntry represents a filesystem directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// GrepOptions configures grep behavior.
type GrepOptions struct {
	GlobFilter      string `json:"glob_filter,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty"`
}

// ExecutionEnvironment abstracts where tool operations run.
type ExecutionEnvironment interface {
	// File operations.
	ReadFile(path string, offset, limit int) (string, error)
	ReadRaw(path string) (string, error)
	WriteFile(path string, content string) error
	FileExists(path string) bool
	ListDirectory(path string, depth int) ([]DirEntry, error)

	// Command execution.
	ExecCommand(ctx context.Context, command string, timeoutMs int, workingDir string, envVars map[string]string) (*ExecResult, error)

	// Search operations.
	Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error)
	Glob(pattern string, path string) ([]string, error)

	// Metadata.
	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that should be excluded by default.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always included regardless of filtering.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

// skippedDirs are never descended into by grep and glob.
var skippedDirs = map[string]bool{
	".git": true, "node_modules": true, "target": true, "vendor": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// filterEnvironment returns the process environment without secrets.
func filterEnvironment() []string {
	var filtered []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// LocalExecutionEnvironment runs tools on the local machine.
type LocalExecutionEnvironment struct {
	workingDir string
	platform   string
	osVersion  string
}

// NewLocalExecutionEnvironment creates a local execution environment. An
// empty workingDir uses the process working directory.
func NewLocalExecutionEnvironment(workingDir string) *LocalExecutionEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}
	return &LocalExecutionEnvironment{
		workingDir: workingDir,
		platform:   runtime.GOOS,
		osVersion:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Initialize creates the working directory.
func (e *LocalExecutionEnvironment) Initialize() error {
	return os.MkdirAll(e.workingDir, 0o755)
}

func (e *LocalExecutionEnvironment) WorkingDirectory() string { return e.workingDir }
func (e *LocalExecutionEnvironment) Platform() string         { return e.platform }
func (e *LocalExecutionEnvironment) OSVersion() string        { return e.osVersion }

func (e *LocalExecutionEnvironment) resolvePath(path string) string {
	return toolexec.ResolvePath(e.workingDir, path)
}

// ReadFile returns line-numbered content. offset is 1-based; limit <= 0
// reads to the end.
func (e *LocalExecutionEnvironment) ReadFile(path string, offset, limit int) (string, error) {
	raw, err := e.ReadRaw(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(raw, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	startLine := 0
	if offset > 0 {
		startLine = offset - 1
	}
	if startLine >= len(lines) {
		return "", nil
	}
	endLine := len(lines)
	if limit > 0 && startLine+limit < endLine {
		endLine = startLine + limit
	}

	var sb strings.Builder
	for i := startLine; i < endLine; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	if endLine < len(lines) {
		fmt.Fprintf(&sb, "[%d more lines; continue with offset=%d]\n", len(lines)-endLine, endLine+1)
	}
	return sb.String(), nil
}

// ReadRaw returns the file content unchanged.
func (e *LocalExecutionEnvironment) ReadRaw(path string) (string, error) {
	data, err := os.ReadFile(e.resolvePath(path))
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	return string(data), nil
}

func (e *LocalExecutionEnvironment) WriteFile(path string, content string) error {
	resolved := e.resolvePath(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("write_file: failed to create directory: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (e *LocalExecutionEnvironment) FileExists(path string) bool {
	_, err := os.Stat(e.resolvePath(path))
	return err == nil
}

// ListDirectory lists path. depth > 1 descends into subdirectories; nested
// entries are named relative to path.
func (e *LocalExecutionEnvironment) ListDirectory(path string, depth int) ([]DirEntry, error) {
	root := e.resolvePath(path)
	if depth <= 0 {
		depth = 1
	}
	var result []DirEntry
	var walk func(dir, prefix string, level int) error
	walk = func(dir, prefix string, level int) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("list_dir: %w", err)
		}
		for _, entry := range entries {
			de := DirEntry{Name: prefix + entry.Name(), IsDir: entry.IsDir()}
			if info, err := entry.Info(); err == nil && !entry.IsDir() {
				de.Size = info.Size()
			}
			result = append(result, de)
			if entry.IsDir() && level < depth && !skippedDirs[entry.Name()] {
				if err := walk(filepath.Join(dir, entry.Name()), de.Name+"/", level+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(root, "", 1); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *LocalExecutionEnvironment) ExecCommand(ctx context.Context, command string, timeoutMs int, workingDir string, envVars map[string]string) (*ExecResult, error) {
	if workingDir == "" {
		workingDir = e.workingDir
	} else {
		workingDir = e.resolvePath(workingDir)
	}

	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	shell := "/bin/bash"
	shellArg := "-c"
	if runtime.GOOS == "windows" {
		shell = "cmd.exe"
		shellArg = "/c"
	}

	cmd := exec.CommandContext(ctx, shell, shellArg, command)
	cmd.Dir = workingDir
	// Own process group so a timeout kills the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := filterEnvironment()
	for k, v := range envVars {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
			if cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("exec_command: %w", err)
		}
	}
	return result, nil
}

// Grep searches file contents under path with a Go regular expression and
// returns "file:line:text" matches relative to the working directory.
func (e *LocalExecutionEnvironment) Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error) {
	root := e.workingDir
	if path != "" {
		root = e.resolvePath(path)
	}
	if options.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("grep: invalid pattern: %w", err)
	}

	var sb strings.Builder
	count := 0
	errLimit := errors.New("limit reached")
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel := e.relative(p)
		if options.GlobFilter != "" && !matchGlobFilter(options.GlobFilter, rel) {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for line := 1; scanner.Scan(); line++ {
			text := scanner.Text()
			if strings.IndexByte(text, 0) >= 0 {
				// Binary file.
				return nil
			}
			if re.MatchString(text) {
				fmt.Fprintf(&sb, "%s:%d:%s\n", rel, line, text)
				count++
				if options.MaxResults > 0 && count >= options.MaxResults {
					return errLimit
				}
			}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errLimit) {
		return sb.String(), walkErr
	}
	return sb.String(), nil
}

func matchGlobFilter(filter, rel string) bool {
	if ok, _ := doublestar.Match(filter, filepath.ToSlash(rel)); ok {
		return true
	}
	ok, _ := doublestar.Match(filter, filepath.Base(rel))
	return ok
}

// Glob returns files under path matching a doublestar pattern, newest first.
func (e *LocalExecutionEnvironment) Glob(pattern string, path string) ([]string, error) {
	base := e.workingDir
	if path != "" {
		base = e.resolvePath(path)
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("glob: invalid pattern %q", pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(base), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}

	type match struct {
		path    string
		modTime time.Time
	}
	found := make([]match, 0, len(matches))
	for _, m := range matches {
		if hasSkippedDir(m) {
			continue
		}
		full := filepath.Join(base, filepath.FromSlash(m))
		var mt time.Time
		if info, err := os.Stat(full); err == nil {
			mt = info.ModTime()
		}
		found = append(found, match{path: e.relative(full), modTime: mt})
	}
	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].modTime.Equal(found[j].modTime) {
			return found[i].modTime.After(found[j].modTime)
		}
		return found[i].path < found[j].path
	})
	result := make([]string, len(found))
	for i, m := range found {
		result[i] = m.path
	}
	return result, nil
}

func hasSkippedDir(slashPath string) bool {
	for _, part := range strings.Split(slashPath, "/") {
		if skippedDirs[part] {
			return true
		}
	}
	return false
}

func (e *LocalExecutionEnvironment) relative(p string) string {
	rel, err := filepath.Rel(e.workingDir, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return rel
}
