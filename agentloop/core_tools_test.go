package agentloop

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/cinch/toolexec"
	"github.com/martinemde/cinch/unifiedllm"
)

type toolFixture struct {
	dir      string
	pipeline *toolexec.Pipeline
	round    int
}

func newToolFixture(t *testing.T) *toolFixture {
	t.Helper()
	dir := t.TempDir()
	env := NewLocalExecutionEnvironment(dir)
	reg := toolexec.NewRegistry()
	RegisterCoreTools(reg, env)
	return &toolFixture{
		dir: dir,
		pipeline: toolexec.NewPipeline(reg,
			toolexec.WithCache(toolexec.NewCache(0)),
			toolexec.WithReadTracker(toolexec.NewReadTracker()),
			toolexec.WithWorkDir(dir),
		),
	}
}

func (f *toolFixture) run(t *testing.T, name, args string) toolexec.Result {
	t.Helper()
	f.round++
	results := f.pipeline.Execute(context.Background(), f.round, []unifiedllm.ToolCall{toolCall("c1", name, args)})
	require.Len(t, results, 1)
	return results[0]
}

func (f *toolFixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCoreToolsRegistered(t *testing.T) {
	reg := toolexec.NewRegistry()
	RegisterCoreTools(reg, NewLocalExecutionEnvironment(t.TempDir()))
	assert.ElementsMatch(t,
		[]string{"read_file", "write_file", "edit_file", "shell", "grep", "glob", "list_dir"},
		reg.Names())
}

func TestSchemaForMarksRequiredFields(t *testing.T) {
	schema := SchemaFor(new(readFileArgs))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []interface{}{"path"}, schema["required"])
	props, ok := schema["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "offset")
	assert.NotContains(t, schema, "$schema")
}

func TestReadWriteEdit(t *testing.T) {
	f := newToolFixture(t)

	res := f.run(t, "write_file", `{"path":"notes/a.txt","content":"one\ntwo\nthree\n"}`)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "Successfully wrote 14 bytes")

	res = f.run(t, "read_file", `{"path":"notes/a.txt","offset":2,"limit":1}`)
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "2 | two\n[1 more lines; continue with offset=3]\n", res.Content)

	res = f.run(t, "edit_file", `{"path":"notes/a.txt","old_string":"two","new_string":"TWO"}`)
	require.False(t, res.IsError, res.Content)
	data, err := os.ReadFile(filepath.Join(f.dir, "notes/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\nTWO\nthree\n", string(data))
}

func TestWriteRequiresPriorRead(t *testing.T) {
	f := newToolFixture(t)
	f.write(t, "main.go", "package main\n")

	res := f.run(t, "write_file", `{"path":"main.go","content":"package other\n"}`)
	assert.True(t, res.IsError)
	assert.ErrorIs(t, res.Err, toolexec.ErrReadRequired)

	res = f.run(t, "read_file", `{"path":"main.go"}`)
	require.False(t, res.IsError, res.Content)
	res = f.run(t, "write_file", `{"path":"main.go","content":"package other\n"}`)
	assert.False(t, res.IsError, res.Content)
}

func TestEditFileErrors(t *testing.T) {
	f := newToolFixture(t)
	f.write(t, "dup.txt", "x x")
	f.run(t, "read_file", `{"path":"dup.txt"}`)

	res := f.run(t, "edit_file", `{"path":"dup.txt","old_string":"x","new_string":"y"}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "found 2 times")

	res = f.run(t, "edit_file", `{"path":"dup.txt","old_string":"z","new_string":"y"}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "not found")

	res = f.run(t, "edit_file", `{"path":"dup.txt","old_string":"x","new_string":"y","replace_all":true}`)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "replaced 2 occurrence(s)")
}

func TestGrepGlobListDir(t *testing.T) {
	f := newToolFixture(t)
	f.write(t, "src/a.go", "package src\nfunc Hello() {}\n")
	f.write(t, "src/b.txt", "hello world\n")
	f.write(t, "node_modules/dep/c.go", "func Hello() {}\n")

	res := f.run(t, "grep", `{"pattern":"Hello","glob_filter":"*.go"}`)
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, filepath.Join("src", "a.go")+":2:func Hello() {}\n", res.Content)

	res = f.run(t, "grep", `{"pattern":"hello","case_insensitive":true}`)
	require.False(t, res.IsError, res.Content)
	assert.Len(t, strings.Split(strings.TrimSpace(res.Content), "\n"), 2)

	res = f.run(t, "grep", `{"pattern":"absent"}`)
	assert.Equal(t, "No matches found.", res.Content)

	res = f.run(t, "glob", `{"pattern":"**/*.go"}`)
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, filepath.Join("src", "a.go"), res.Content)

	res = f.run(t, "list_dir", `{"path":"src"}`)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "a.go (")
	assert.Contains(t, res.Content, "b.txt (")

	res = f.run(t, "list_dir", `{"depth":2}`)
	assert.Contains(t, res.Content, "src/\n")
	assert.Contains(t, res.Content, "src/a.go (")
}

func TestShellTool(t *testing.T) {
	f := newToolFixture(t)

	res := f.run(t, "shell", `{"command":"echo hi && pwd"}`)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "hi\n")
	assert.Contains(t, res.Content, filepath.Base(f.dir))

	res = f.run(t, "shell", `{"command":"exit 3"}`)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "[Exit code: 3]")

	res = f.run(t, "shell", `{"command":"sleep 5","timeout_ms":50}`)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "timed out after 50ms")
}

func TestCoreToolsCacheReads(t *testing.T) {
	f := newToolFixture(t)
	f.write(t, "a.txt", "first\n")

	first := f.run(t, "read_file", `{"path":"a.txt"}`)
	second := f.run(t, "read_file", `{"path":"a.txt"}`)
	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Content, second.Content)

	f.run(t, "write_file", `{"path":"a.txt","content":"second\n"}`)
	third := f.run(t, "read_file", `{"path":"a.txt"}`)
	assert.False(t, third.CacheHit)
	assert.Equal(t, "1 | second\n", third.Content)
}
