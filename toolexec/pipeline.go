package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/martinemde/cinch/unifiedllm"
)

// ErrReadRequired is returned when a mutation targets an existing file the
// model has not read in this run.
var ErrReadRequired = errors.New("must read before writing")

// ErrCancelled marks calls skipped because the run was cancelled before they started.
var ErrCancelled = errors.New("cancelled before execution")

const defaultMaxParallel = 8

// Result is the outcome of one tool call, ready to become a tool message.
type Result struct {
	CallID    string
	Name      string
	Arguments string
	Content   string
	IsError   bool
	CacheHit  bool
	Mutation  bool
	Duration  time.Duration
	Err       error
}

// Observer is notified as calls start and finish. Methods may be called from
// several goroutines at once.
type Observer interface {
	ToolStarted(call unifiedllm.ToolCall)
	ToolFinished(result Result)
}

// Pipeline executes batches of tool calls for one run.
type Pipeline struct {
	registry *Registry
	cache    *Cache
	tracker  *ReadTracker
	policy   SequentialPolicy
	limits   Limits
	workDir  string
	sem      *semaphore.Weighted
	flight   singleflight.Group
	observer Observer
	logger   *zap.Logger
	noCache  bool
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithCache shares a result cache between pipelines of the same run.
func WithCache(c *Cache) PipelineOption {
	return func(p *Pipeline) { p.cache = c }
}

// WithoutCache turns off result caching. Mutations still clear the cache.
func WithoutCache() PipelineOption {
	return func(p *Pipeline) { p.noCache = true }
}

// WithReadTracker shares a read tracker between pipelines of the same run.
func WithReadTracker(t *ReadTracker) PipelineOption {
	return func(p *Pipeline) { p.tracker = t }
}

// WithSequentialPolicy sets the implicit ordering policy.
func WithSequentialPolicy(policy SequentialPolicy) PipelineOption {
	return func(p *Pipeline) { p.policy = policy }
}

// WithLimits overrides output truncation limits.
func WithLimits(l Limits) PipelineOption {
	return func(p *Pipeline) { p.limits = l }
}

// WithWorkDir sets the directory relative paths are resolved against.
func WithWorkDir(dir string) PipelineOption {
	return func(p *Pipeline) { p.workDir = dir }
}

// WithMaxParallel bounds how many calls run at once.
func WithMaxParallel(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithObserver registers an Observer.
func WithObserver(o Observer) PipelineOption {
	return func(p *Pipeline) { p.observer = o }
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a Pipeline over registry.
func NewPipeline(registry *Registry, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		registry: registry,
		policy:   SequentialPerFile,
		sem:      semaphore.NewWeighted(defaultMaxParallel),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cache == nil {
		p.cache = NewCache(DefaultCacheEntries)
	}
	if p.tracker == nil {
		p.tracker = NewReadTracker()
	}
	if p.workDir == "" {
		p.workDir, _ = os.Getwd()
	}
	return p
}

// Cache returns the pipeline's result cache.
func (p *Pipeline) Cache() *Cache { return p.cache }

// Tracker returns the pipeline's read tracker.
func (p *Pipeline) Tracker() *ReadTracker { return p.tracker }

// Registry returns the tools this pipeline can execute.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Execute runs a batch of calls produced in round and returns one result per
// call in batch order. Independent calls run concurrently; dependent calls run
// in later waves. Tool failures become error results and never abort the
// batch. Cancellation is checked before each wave; calls already running are
// allowed to finish.
func (p *Pipeline) Execute(ctx context.Context, round int, calls []unifiedllm.ToolCall) []Result {
	results := make([]Result, len(calls))
	index := make(map[string]int, len(calls))
	for i, c := range calls {
		index[c.ID] = i
	}

	waves, stuck, cycleErr := BuildWaves(Annotate(calls, p.policy, CallClassifier{
		Mutation: p.isMutation,
		Path:     p.targetPath,
	}))
	for _, c := range stuck {
		args := string(stripDependsOn(c.Arguments))
		results[index[c.ID]] = Result{
			CallID:    c.ID,
			Name:      c.Name,
			Arguments: args,
			Content:   FormatFailure(c.Name, args, cycleErr.Error()),
			IsError:   true,
			Err:       cycleErr,
		}
	}

	for _, wave := range waves {
		if ctx.Err() != nil {
			for _, c := range wave {
				results[index[c.ID]] = cancelledResult(c.ToolCall)
			}
			continue
		}

		var g errgroup.Group
		for _, c := range wave {
			call := c.ToolCall
			g.Go(func() error {
				res := p.run(ctx, round, call)
				results[index[call.ID]] = res
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}

func cancelledResult(call unifiedllm.ToolCall) Result {
	return Result{
		CallID:    call.ID,
		Name:      call.Name,
		Arguments: string(call.Arguments),
		Content:   "Tool call skipped: the run was cancelled before it started.",
		IsError:   true,
		Err:       ErrCancelled,
	}
}

func (p *Pipeline) run(ctx context.Context, round int, call unifiedllm.ToolCall) Result {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return cancelledResult(call)
	}
	defer p.sem.Release(1)

	if p.observer != nil {
		p.observer.ToolStarted(call)
	}
	start := time.Now()
	res := p.execute(context.WithoutCancel(ctx), round, call)
	res.Duration = time.Since(start)

	p.logger.Debug("tool call finished",
		zap.String("tool", call.Name),
		zap.String("call_id", call.ID),
		zap.Int("round", round),
		zap.Bool("cache_hit", res.CacheHit),
		zap.Bool("error", res.IsError),
		zap.Duration("elapsed", res.Duration),
	)
	if p.observer != nil {
		p.observer.ToolFinished(res)
	}
	return res
}

func (p *Pipeline) execute(ctx context.Context, round int, call unifiedllm.ToolCall) Result {
	args := stripDependsOn(call.Arguments)
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	res := Result{CallID: call.ID, Name: call.Name, Arguments: string(args)}

	fail := func(err error) Result {
		res.IsError = true
		res.Err = err
		res.Content = FormatFailure(call.Name, res.Arguments, err.Error())
		return res
	}

	tool, ok := p.registry.Get(call.Name)
	if !ok {
		return fail(fmt.Errorf("unknown tool %q; available tools: %v", call.Name, p.registry.Names()))
	}
	res.Mutation = tool.Mutation()

	if err := p.registry.Validate(call.Name, args); err != nil {
		return fail(err)
	}

	cacheable := tool.Cacheable() && !p.noCache
	generation := p.cache.Generation()
	if cacheable {
		if cached, hit := p.cache.Get(call.Name, res.Arguments); hit {
			res.Content = cached
			res.CacheHit = true
			return res
		}
	}

	path := p.targetPath(args)
	if tool.Mutation() && path != "" {
		if info, err := os.Stat(path); err == nil && !info.IsDir() && !p.tracker.HasBeenRead(path) {
			return fail(fmt.Errorf("%w: %s exists but has not been read in this session", ErrReadRequired, path))
		}
	}

	var output string
	var err error
	if cacheable {
		var v interface{}
		v, err, _ = p.flight.Do(call.Name+"\x00"+res.Arguments, func() (interface{}, error) {
			return tool.Execute(ctx, args)
		})
		output, _ = v.(string)
	} else {
		output, err = tool.Execute(ctx, args)
	}
	if err != nil {
		return fail(err)
	}

	res.Content = p.limits.Truncate(call.Name, output)

	if cacheable && !p.cache.PutIfCurrent(generation, call.Name, res.Arguments, res.Content, round) {
		p.logger.Debug("result not cached: a mutation ran meanwhile",
			zap.String("tool", call.Name), zap.String("call_id", call.ID))
	}
	if tool.Mutation() {
		p.cache.InvalidateAll()
		if path != "" {
			if content, err := os.ReadFile(path); err == nil {
				p.tracker.RecordWrite(path, string(content))
			} else {
				p.tracker.Forget(path)
			}
		}
	} else if fr, ok := tool.(FileReader); ok && fr.ReadsFile() && path != "" {
		if content, err := os.ReadFile(path); err == nil {
			p.tracker.RecordRead(path, string(content))
		}
	}
	return res
}

func (p *Pipeline) isMutation(name string) bool {
	tool, ok := p.registry.Get(name)
	return ok && tool.Mutation()
}

// targetPath resolves the call's "path" argument to an absolute path.
func (p *Pipeline) targetPath(args json.RawMessage) string {
	path := stringField(args, "path")
	if path == "" {
		return ""
	}
	return ResolvePath(p.workDir, path)
}

// ResolvePath makes path absolute relative to workDir.
func ResolvePath(workDir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(workDir, path)
}
