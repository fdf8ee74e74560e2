package toolexec

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/google/uuid"

	"github.com/martinemde/cinch/unifiedllm"
)

// ErrDependencyCycle is wrapped by the error BuildWaves returns when some
// calls could not be ordered.
var ErrDependencyCycle = errors.New("dependency cycle")

// SequentialPolicy adds implicit ordering between calls in one batch.
type SequentialPolicy int

const (
	// SequentialNone leaves calls unordered unless they declare depends_on.
	SequentialNone SequentialPolicy = iota
	// SequentialPerFile orders calls touching the same path around every
	// mutation of that path, and chains shell calls.
	SequentialPerFile
)

var alwaysSequentialTools = map[string]bool{"shell": true}

// CallClassifier tells Annotate which tools mutate and which file a call
// targets. A nil Mutation treats no tool as a mutation; a nil Path uses the
// cleaned "path" argument.
type CallClassifier struct {
	Mutation func(tool string) bool
	Path     func(args json.RawMessage) string
}

func (c CallClassifier) mutates(tool string) bool {
	return c.Mutation != nil && c.Mutation(tool)
}

func (c CallClassifier) path(args json.RawMessage) string {
	if c.Path != nil {
		return c.Path(args)
	}
	if p := stringField(args, "path"); p != "" {
		return filepath.Clean(p)
	}
	return ""
}

// AnnotatedCall is a tool call with the ids it must run after.
type AnnotatedCall struct {
	unifiedllm.ToolCall
	DependsOn []string
}

// Wave is a set of calls that may run concurrently.
type Wave []AnnotatedCall

// Annotate extracts declared depends_on ids and applies policy.
func Annotate(calls []unifiedllm.ToolCall, policy SequentialPolicy, cls CallClassifier) []AnnotatedCall {
	out := make([]AnnotatedCall, len(calls))
	for i, c := range calls {
		out[i] = AnnotatedCall{ToolCall: c}
		if dep := stringField(c.Arguments, "depends_on"); dep != "" {
			out[i].DependsOn = []string{dep}
		}
	}
	if policy == SequentialPerFile {
		injectSequentialDeps(out, cls)
	}
	return out
}

// injectSequentialDeps orders, in batch order, every call on a path after
// the last earlier mutation of that path, and every mutation after the
// earlier calls that touched the path since. An implicit edge is skipped when
// the earlier call already runs after the later one, so no cycle is added.
func injectSequentialDeps(calls []AnnotatedCall, cls CallClassifier) {
	byID := make(map[string]*AnnotatedCall, len(calls))
	for i := range calls {
		byID[calls[i].ID] = &calls[i]
	}
	after := func(c *AnnotatedCall, prev string) {
		if prev == "" || prev == c.ID || slices.Contains(c.DependsOn, prev) || runsAfter(byID, prev, c.ID) {
			return
		}
		c.DependsOn = append(c.DependsOn, prev)
	}

	lastMutation := map[string]string{}
	touched := map[string][]string{}
	lastShell := ""
	for i := range calls {
		c := &calls[i]
		if alwaysSequentialTools[c.Name] {
			after(c, lastShell)
			lastShell = c.ID
		}
		path := cls.path(c.Arguments)
		if path == "" {
			continue
		}
		after(c, lastMutation[path])
		if !cls.mutates(c.Name) {
			touched[path] = append(touched[path], c.ID)
			continue
		}
		for _, prev := range touched[path] {
			after(c, prev)
		}
		lastMutation[path] = c.ID
		touched[path] = nil
	}
}

// runsAfter reports whether from transitively depends on to.
func runsAfter(byID map[string]*AnnotatedCall, from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		c, ok := byID[id]
		if !ok {
			continue
		}
		for _, dep := range c.DependsOn {
			if dep == to {
				return true
			}
			stack = append(stack, dep)
		}
	}
	return false
}

// BuildWaves orders calls into waves with Kahn's algorithm. Calls keep their
// batch order inside a wave. A dependency on an id that is not in the batch
// is treated as already satisfied. Calls caught in a cycle, or downstream of
// one, are returned as unordered together with an error wrapping
// ErrDependencyCycle; the remaining waves are still valid.
func BuildWaves(calls []AnnotatedCall) ([]Wave, []AnnotatedCall, error) {
	if len(calls) == 0 {
		return nil, nil, nil
	}

	present := make(map[string]bool, len(calls))
	for _, c := range calls {
		present[c.ID] = true
	}

	inDegree := make(map[string]int, len(calls))
	dependents := map[string][]string{}
	for _, c := range calls {
		seen := map[string]bool{}
		for _, dep := range c.DependsOn {
			if !present[dep] || seen[dep] {
				continue
			}
			seen[dep] = true
			inDegree[c.ID]++
			dependents[dep] = append(dependents[dep], c.ID)
		}
	}

	ready := map[string]bool{}
	for _, c := range calls {
		if inDegree[c.ID] == 0 {
			ready[c.ID] = true
		}
	}

	var waves []Wave
	placed := map[string]bool{}
	for len(ready) > 0 {
		var wave Wave
		next := map[string]bool{}
		for _, c := range calls {
			if !ready[c.ID] || placed[c.ID] {
				continue
			}
			wave = append(wave, c)
			placed[c.ID] = true
			for _, dep := range dependents[c.ID] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next[dep] = true
				}
			}
		}
		if len(wave) > 0 {
			waves = append(waves, wave)
		}
		ready = next
	}

	if len(placed) == len(calls) {
		return waves, nil, nil
	}

	var stuck []AnnotatedCall
	for _, c := range calls {
		if !placed[c.ID] {
			stuck = append(stuck, c)
		}
	}
	return waves, stuck, fmt.Errorf("%w detected among tool calls: %d of %d calls could not be ordered",
		ErrDependencyCycle, len(stuck), len(calls))
}

func stringField(args json.RawMessage, key string) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(args, &m); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(m[key], &s); err != nil {
		return ""
	}
	return s
}

// stripDependsOn removes the scheduling-only depends_on key from arguments.
func stripDependsOn(args json.RawMessage) json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(args, &m); err != nil {
		return args
	}
	if _, ok := m["depends_on"]; !ok {
		return args
	}
	delete(m, "depends_on")
	out, err := json.Marshal(m)
	if err != nil {
		return args
	}
	return out
}

// NormalizeCallIDs gives every call a unique non-empty id so results can be
// matched to calls. Ids are rewritten in place only when missing or repeated.
func NormalizeCallIDs(calls []unifiedllm.ToolCall) {
	seen := make(map[string]bool, len(calls))
	for i := range calls {
		if calls[i].ID == "" || seen[calls[i].ID] {
			calls[i].ID = "call_" + uuid.NewString()[:8]
		}
		seen[calls[i].ID] = true
	}
}
