package agentloop

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/cinch/unifiedllm"
)

const maxProjectDocBytes = 32 * 1024

const basePrompt = `You are an autonomous agent working in a local workspace. You complete the user's task by calling tools and then reply with a concise final answer.

Guidelines:
- Read a file before you edit or overwrite it; writes to unread files are rejected.
- Independent tool calls in one response run in parallel. To order a call after another, add "depends_on": "<call id>" to its arguments.
- Tool failures come back as results with hints. Adjust instead of repeating the same call.
- Old tool results may be cleared to save context; call the tool again if you need the content.
- When the task is done, answer without calling tools.`

// BuildSystemPrompt assembles the system prompt: base instructions, the
// environment block, project instruction files and extra text.
func BuildSystemPrompt(env ExecutionEnvironment, model string, memory MemoryConfig, extra string) string {
	parts := []string{basePrompt, BuildEnvironmentContext(env, model)}
	if docs := DiscoverProjectDocs(env.WorkingDirectory(), unifiedllm.ProviderFor(model)); docs != "" {
		parts = append(parts, "# Project instructions\n\n"+docs)
	}
	if mem := MemorySection(env, memory); mem != "" {
		parts = append(parts, mem)
	}
	if strings.TrimSpace(extra) != "" {
		parts = append(parts, "# User Instructions\n\n"+extra)
	}
	return strings.Join(parts, "\n\n")
}

// BuildEnvironmentContext renders the <environment> block.
func BuildEnvironmentContext(env ExecutionEnvironment, model string) string {
	repo := probeGit(env.WorkingDirectory())
	lines := [][2]string{
		{"Working directory", env.WorkingDirectory()},
		{"Is git repository", fmt.Sprint(repo.root != "")},
	}
	if repo.branch != "" {
		lines = append(lines, [2]string{"Git branch", repo.branch})
	}
	if repo.dirty > 0 {
		lines = append(lines, [2]string{"Uncommitted changes", fmt.Sprintf("%d files", repo.dirty)})
	}
	lines = append(lines,
		[2]string{"Platform", env.Platform()},
		[2]string{"OS version", env.OSVersion()},
		[2]string{"Today's date", time.Now().Format(time.DateOnly)},
	)
	if model != "" {
		lines = append(lines, [2]string{"Model", model})
	}

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	for _, l := range lines {
		fmt.Fprintf(&sb, "%s: %s\n", l[0], l[1])
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// projectDocNames lists the instruction files read for a provider. AGENTS.md
// applies to every provider.
func projectDocNames(provider string) []string {
	switch provider {
	case "anthropic", "":
		return []string{"AGENTS.md", "CLAUDE.md"}
	case "gemini":
		return []string{"AGENTS.md", "GEMINI.md"}
	case "openai":
		return []string{"AGENTS.md", ".codex/instructions.md"}
	}
	return []string{"AGENTS.md"}
}

const projectDocsTruncated = "[Project instructions truncated at 32KB]"

// DiscoverProjectDocs concatenates the provider's instruction files found in
// each directory from the git root (or workingDir) down to workingDir. The
// result is capped at maxProjectDocBytes.
func DiscoverProjectDocs(workingDir string, provider string) string {
	root := probeGit(workingDir).root
	if root == "" {
		root = workingDir
	}

	var docs []string
	left := maxProjectDocBytes
	for _, dir := range collectPathHierarchy(root, workingDir) {
		for _, name := range projectDocNames(provider) {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			if left <= 0 {
				return strings.Join(append(docs, projectDocsTruncated), "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > left {
				text = text[:left] + "\n" + projectDocsTruncated
			}
			left -= len(text)
			docs = append(docs, fmt.Sprintf("## %s (from %s)\n\n%s", name, dir, text))
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// collectPathHierarchy returns directories from root to target, inclusive.
// A target outside root yields only root.
func collectPathHierarchy(root, target string) []string {
	root, target = filepath.Clean(root), filepath.Clean(target)
	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return dirs
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		dirs = append(dirs, filepath.Join(dirs[len(dirs)-1], part))
	}
	return dirs
}

type gitInfo struct {
	root   string
	branch string
	dirty  int
}

// probeGit reports the repository containing dir. The zero value means dir
// is not in a repository or git is unavailable.
func probeGit(dir string) gitInfo {
	root := git(dir, "rev-parse", "--show-toplevel")
	if root == "" {
		return gitInfo{}
	}
	info := gitInfo{root: root, branch: git(dir, "rev-parse", "--abbrev-ref", "HEAD")}
	if status := git(dir, "status", "--porcelain"); status != "" {
		info.dirty = strings.Count(status, "\n") + 1
	}
	return info
}

func git(dir string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
