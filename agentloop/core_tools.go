package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/martinemde/cinch/toolexec"
	"github.com/martinemde/cinch/unifiedllm"
)

const (
	defaultReadLimit        = 2000
	defaultGrepResults      = 100
	defaultCommandTimeoutMs = 10000
	maxCommandTimeoutMs     = 600000
)

var schemaReflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// SchemaFor generates a tool parameter schema from an argument struct.
// Fields without omitempty are required.
func SchemaFor(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(schemaReflector.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("reflect schema for %T: %v", v, err))
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		panic(fmt.Sprintf("decode schema for %T: %v", v, err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// toolKind flags how the pipeline treats a built-in tool.
type toolKind struct {
	cacheable bool
	mutation  bool
	readsFile bool
}

// typedTool decodes arguments into A before running.
type typedTool[A any] struct {
	def  unifiedllm.ToolDefinition
	kind toolKind
	run  func(ctx context.Context, args A) (string, error)
}

func newTypedTool[A any](name, description string, kind toolKind, run func(context.Context, A) (string, error)) *typedTool[A] {
	return &typedTool[A]{
		def: unifiedllm.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  SchemaFor(new(A)),
		},
		kind: kind,
		run:  run,
	}
}

func (t *typedTool[A]) Definition() unifiedllm.ToolDefinition { return t.def }
func (t *typedTool[A]) Cacheable() bool                       { return t.kind.cacheable }
func (t *typedTool[A]) Mutation() bool                        { return t.kind.mutation }
func (t *typedTool[A]) ReadsFile() bool                       { return t.kind.readsFile }

func (t *typedTool[A]) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args A
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", t.def.Name, err)
		}
	}
	return t.run(ctx, args)
}

type readFileArgs struct {
	Path   string `json:"path" jsonschema_description:"File path, absolute or relative to the working directory."`
	Offset int    `json:"offset,omitempty" jsonschema_description:"1-based line number to start reading from."`
	Limit  int    `json:"limit,omitempty" jsonschema_description:"Maximum number of lines to read. Default: 2000."`
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema_description:"File path to write."`
	Content string `json:"content" jsonschema_description:"The full file content to write."`
}

type editFileArgs struct {
	Path       string `json:"path" jsonschema_description:"Path to the file to edit."`
	OldString  string `json:"old_string" jsonschema_description:"Exact text to find in the file."`
	NewString  string `json:"new_string" jsonschema_description:"Replacement text."`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema_description:"Replace all occurrences. Default: false."`
}

type shellArgs struct {
	Command     string `json:"command" jsonschema_description:"The command to run."`
	TimeoutMs   int    `json:"timeout_ms,omitempty" jsonschema_description:"Override the default command timeout in milliseconds."`
	Description string `json:"description,omitempty" jsonschema_description:"What this command does."`
}

type grepArgs struct {
	Pattern         string `json:"pattern" jsonschema_description:"Regular expression to search for."`
	Path            string `json:"path,omitempty" jsonschema_description:"Directory or file to search. Default: working directory."`
	GlobFilter      string `json:"glob_filter,omitempty" jsonschema_description:"File pattern filter such as *.go."`
	CaseInsensitive bool   `json:"case_insensitive,omitempty" jsonschema_description:"Case insensitive search. Default: false."`
	MaxResults      int    `json:"max_results,omitempty" jsonschema_description:"Maximum number of matching lines. Default: 100."`
}

type globArgs struct {
	Pattern string `json:"pattern" jsonschema_description:"Glob pattern such as **/*.ts."`
	Path    string `json:"path,omitempty" jsonschema_description:"Base directory. Default: working directory."`
}

type listDirArgs struct {
	Path  string `json:"path,omitempty" jsonschema_description:"Directory to list. Default: working directory."`
	Depth int    `json:"depth,omitempty" jsonschema_description:"How many levels to descend. Default: 1."`
}

// RegisterCoreTools registers read_file, write_file, edit_file, shell, grep,
// glob and list_dir, all delegating to env.
func RegisterCoreTools(reg *toolexec.Registry, env ExecutionEnvironment) {
	reg.MustRegister(CoreTools(env)...)
}

// CoreTools returns the built-in tools bound to env.
func CoreTools(env ExecutionEnvironment) []toolexec.Tool {
	return []toolexec.Tool{
		readFileTool(env),
		writeFileTool(env),
		editFileTool(env),
		shellTool(env, defaultCommandTimeoutMs, maxCommandTimeoutMs),
		grepTool(env),
		globTool(env),
		listDirTool(env),
	}
}

func readFileTool(env ExecutionEnvironment) toolexec.Tool {
	return newTypedTool("read_file",
		"Read a file from the filesystem. Returns line-numbered content. Read a file before editing or overwriting it.",
		toolKind{cacheable: true, readsFile: true},
		func(_ context.Context, args readFileArgs) (string, error) {
			if args.Path == "" {
				return "", fmt.Errorf("path is required")
			}
			limit := args.Limit
			if limit <= 0 {
				limit = defaultReadLimit
			}
			return env.ReadFile(args.Path, args.Offset, limit)
		})
}

func writeFileTool(env ExecutionEnvironment) toolexec.Tool {
	return newTypedTool("write_file",
		"Write content to a file. Creates the file and parent directories if needed. Existing files must be read first.",
		toolKind{mutation: true},
		func(_ context.Context, args writeFileArgs) (string, error) {
			if args.Path == "" {
				return "", fmt.Errorf("path is required")
			}
			if err := env.WriteFile(args.Path, args.Content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Successfully wrote %d bytes to %s", len(args.Content), args.Path), nil
		})
}

func editFileTool(env ExecutionEnvironment) toolexec.Tool {
	return newTypedTool("edit_file",
		"Replace an exact string occurrence in a file. The old_string must be unique in the file unless replace_all is true.",
		toolKind{mutation: true},
		func(_ context.Context, args editFileArgs) (string, error) {
			if args.Path == "" {
				return "", fmt.Errorf("path is required")
			}
			if args.OldString == "" {
				return "", fmt.Errorf("old_string is required")
			}
			raw, err := env.ReadRaw(args.Path)
			if err != nil {
				return "", fmt.Errorf("file not found: %s", args.Path)
			}

			count := strings.Count(raw, args.OldString)
			if count == 0 {
				return "", fmt.Errorf("old_string not found in %s", args.Path)
			}
			if count > 1 && !args.ReplaceAll {
				return "", fmt.Errorf("old_string found %d times in %s. Provide more context to make it unique, or set replace_all=true", count, args.Path)
			}

			replacements := 1
			updated := strings.Replace(raw, args.OldString, args.NewString, 1)
			if args.ReplaceAll {
				replacements = count
				updated = strings.ReplaceAll(raw, args.OldString, args.NewString)
			}
			if err := env.WriteFile(args.Path, updated); err != nil {
				return "", err
			}
			return fmt.Sprintf("Successfully replaced %d occurrence(s) in %s", replacements, args.Path), nil
		})
}

func shellTool(env ExecutionEnvironment, defaultTimeoutMs, maxTimeoutMs int) toolexec.Tool {
	return newTypedTool("shell",
		"Execute a shell command in the working directory. Returns stdout, stderr, and exit code.",
		toolKind{mutation: true},
		func(ctx context.Context, args shellArgs) (string, error) {
			if args.Command == "" {
				return "", fmt.Errorf("command is required")
			}
			timeoutMs := args.TimeoutMs
			if timeoutMs <= 0 {
				timeoutMs = defaultTimeoutMs
			}
			timeoutMs = min(timeoutMs, maxTimeoutMs)

			result, err := env.ExecCommand(ctx, args.Command, timeoutMs, "", nil)
			if err != nil {
				return "", err
			}

			var sb strings.Builder
			sb.WriteString(result.Output())
			if result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[ERROR: Command timed out after %dms. Partial output is shown above.\n"+
					"You can retry with a longer timeout by setting the timeout_ms parameter.]", timeoutMs)
			}
			if result.ExitCode != 0 && !result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
			}
			return sb.String(), nil
		})
}

func grepTool(env ExecutionEnvironment) toolexec.Tool {
	return newTypedTool("grep",
		"Search file contents using regex patterns. Returns matching lines with file paths and line numbers.",
		toolKind{cacheable: true},
		func(ctx context.Context, args grepArgs) (string, error) {
			if args.Pattern == "" {
				return "", fmt.Errorf("pattern is required")
			}
			maxResults := args.MaxResults
			if maxResults <= 0 {
				maxResults = defaultGrepResults
			}
			out, err := env.Grep(ctx, args.Pattern, args.Path, GrepOptions{
				GlobFilter:      args.GlobFilter,
				CaseInsensitive: args.CaseInsensitive,
				MaxResults:      maxResults,
			})
			if err != nil {
				return "", err
			}
			if out == "" {
				return "No matches found.", nil
			}
			return out, nil
		})
}

func globTool(env ExecutionEnvironment) toolexec.Tool {
	return newTypedTool("glob",
		"Find files matching a glob pattern. Returns file paths sorted by modification time (newest first).",
		toolKind{cacheable: true},
		func(_ context.Context, args globArgs) (string, error) {
			if args.Pattern == "" {
				return "", fmt.Errorf("pattern is required")
			}
			matches, err := env.Glob(args.Pattern, args.Path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched the pattern.", nil
			}
			return strings.Join(matches, "\n"), nil
		})
}

func listDirTool(env ExecutionEnvironment) toolexec.Tool {
	return newTypedTool("list_dir",
		"List the entries of a directory. Directories end with a slash.",
		toolKind{cacheable: true},
		func(_ context.Context, args listDirArgs) (string, error) {
			entries, err := env.ListDirectory(args.Path, args.Depth)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "Directory is empty.", nil
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&sb, "%s/\n", e.Name)
				} else {
					fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name, e.Size)
				}
			}
			return sb.String(), nil
		})
}
