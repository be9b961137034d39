package mapreduce

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/mapreduce/dlq"
	"github.com/deepnoodle-ai/mapreduce/internal/testgit"
	"github.com/stretchr/testify/require"
)

// fakeCommands answers shell commands by prefix. Unknown commands succeed
// with no output.
type fakeCommands struct {
	mu       sync.Mutex
	handlers map[string]func(cmd *Command) (*CommandResult, error)
	calls    []string
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{handlers: map[string]func(cmd *Command) (*CommandResult, error){}}
}

func (f *fakeCommands) on(prefix string, fn func(cmd *Command) (*CommandResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[prefix] = fn
}

func (f *fakeCommands) output(prefix, stdout string) {
	f.on(prefix, func(cmd *Command) (*CommandResult, error) {
		return &CommandResult{Stdout: stdout}, nil
	})
}

func (f *fakeCommands) RunCommand(ctx context.Context, cmd *Command) (*CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd.Shell)
	var handler func(cmd *Command) (*CommandResult, error)
	best := -1
	for prefix, fn := range f.handlers {
		if strings.HasPrefix(cmd.Shell, prefix) && len(prefix) > best {
			handler, best = fn, len(prefix)
		}
	}
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return &CommandResult{ExitCode: -1}, fmt.Errorf("command stopped: %w", err)
	}
	if handler == nil {
		return &CommandResult{}, nil
	}
	return handler(cmd)
}

func (f *fakeCommands) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// fakeAgent runs a function per attempt and writes a marker file into the
// item worktree so merges carry the item's work into the parent.
type fakeAgent struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, req *AgentRequest) (*AgentResult, error)
	calls map[int]int
}

func newFakeAgent(fn func(ctx context.Context, req *AgentRequest) (*AgentResult, error)) *fakeAgent {
	return &fakeAgent{fn: fn, calls: map[int]int{}}
}

func succeedAgent(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
	return &AgentResult{Output: fmt.Sprintf("done %v", req.Item.Value)}, nil
}

func (a *fakeAgent) RunAgent(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
	a.mu.Lock()
	a.calls[req.Item.Index]++
	a.mu.Unlock()
	res, err := a.fn(ctx, req)
	if err == nil && res != nil && res.ExitCode == 0 {
		marker := filepath.Join(req.WorktreePath, fmt.Sprintf("item-%d.txt", req.Item.Index))
		if werr := os.WriteFile(marker, []byte(res.Output), 0644); werr != nil {
			return nil, werr
		}
	}
	return res, err
}

func (a *fakeAgent) callsFor(index int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[index]
}

func (a *fakeAgent) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		n += c
	}
	return n
}

type harness struct {
	t        *testing.T
	storage  *Storage
	git      *testgit.Fake
	commands *fakeCommands
	agent    *fakeAgent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	storage, err := OpenStorage(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	return &harness{
		t:        t,
		storage:  storage,
		git:      testgit.New(),
		commands: newFakeCommands(),
		agent:    newFakeAgent(succeedAgent),
	}
}

func (h *harness) options(wf *Workflow, jobID string) ExecutionOptions {
	return ExecutionOptions{
		Workflow:      wf,
		JobID:         jobID,
		Storage:       h.storage,
		Git:           h.git,
		CommandRunner: h.commands,
		AgentRunner:   h.agent,
	}
}

func (h *harness) execution(wf *Workflow, jobID string) *Execution {
	h.t.Helper()
	e, err := NewExecution(h.options(wf, jobID))
	require.NoError(h.t, err)
	h.t.Cleanup(e.Close)
	return e
}

func (h *harness) checkpoint(jobID string) *Checkpoint {
	h.t.Helper()
	cp, err := h.checkpointer().LoadCheckpoint(context.Background(), jobID)
	require.NoError(h.t, err)
	require.NotNil(h.t, cp)
	return cp
}

func (h *harness) checkpointer() *FileCheckpointer {
	h.t.Helper()
	cp, err := h.storage.Checkpointer(0)
	require.NoError(h.t, err)
	return cp
}

func (h *harness) dlq() *dlq.Queue {
	h.t.Helper()
	q, err := h.storage.DLQ(nil)
	require.NoError(h.t, err)
	return q
}

// itemLines returns n input lines item-0 .. item-(n-1).
func itemLines(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "item-%d\n", i)
	}
	return sb.String()
}

// testWorkflow builds a workflow whose items come from the list-items
// command.
func testWorkflow(t *testing.T, mutate func(opts *Options)) *Workflow {
	t.Helper()
	opts := Options{
		Name: "test",
		Map: &MapConfig{
			Input:        "list-items",
			MaxParallel:  1,
			RetryLimit:   1,
			RetryBackoff: Duration(time.Millisecond),
			Agent:        []*Step{{Shell: "process ${item}"}},
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	wf, err := New(opts)
	require.NoError(t, err)
	return wf
}
