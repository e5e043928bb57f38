package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agent462/devherd/internal/adb"
	"github.com/agent462/devherd/internal/pool"
	"github.com/agent462/devherd/internal/process"
)

// scriptedRunner answers every bridge call with handler.
type scriptedRunner struct {
	handler func(cmd process.Command) *process.Result
}

func (s *scriptedRunner) Run(ctx context.Context, cmd process.Command) (*process.Result, error) {
	res := s.handler(cmd)
	res.Command = cmd.String()
	return res, nil
}

func newPool(t *testing.T, runner process.Runner, serials ...string) *pool.Pool[*adb.Device] {
	t.Helper()
	bridge := adb.NewBridge(runner)
	devs := make([]*adb.Device, len(serials))
	for i, s := range serials {
		devs[i] = adb.NewDevice(s, bridge)
	}
	p, err := pool.New(devs)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func echoTask(name string) Task {
	return Task{
		Name: name,
		Run: func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
			return &process.Result{Stdout: []byte(name + "@" + dev.Serial())}, nil
		},
	}
}

func TestRun_Success(t *testing.T) {
	p := newPool(t, nil, "s1", "s2")
	e := New(p)
	tasks := []Task{echoTask("a"), echoTask("b"), echoTask("c")}

	results := e.Run(context.Background(), tasks)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	runID := results[0].RunID
	if runID == "" {
		t.Error("run ID not set")
	}
	for i, r := range results {
		if r.Task != tasks[i].Name {
			t.Errorf("result[%d]: task %q, want %q", i, r.Task, tasks[i].Name)
		}
		if r.RunID != runID {
			t.Errorf("result[%d]: run ID %q differs from %q", i, r.RunID, runID)
		}
		if !r.Success() {
			t.Errorf("result[%d]: unexpected failure: %+v", i, r)
		}
		if want := r.Task + "@" + r.Serial; string(r.Stdout) != want {
			t.Errorf("result[%d]: stdout %q, want %q", i, r.Stdout, want)
		}
	}
	if s := p.Stats(); s.Idle != 2 {
		t.Errorf("devices not returned to pool: %+v", s)
	}
}

func TestRun_DistinctRunIDs(t *testing.T) {
	e := New(newPool(t, nil, "s1"))
	a := e.Run(context.Background(), []Task{echoTask("a")})
	b := e.Run(context.Background(), []Task{echoTask("a")})
	if a[0].RunID == b[0].RunID {
		t.Error("each run should get its own ID")
	}
}

func TestRun_PreservesTaskOrder(t *testing.T) {
	delays := map[string]time.Duration{"slow": 50 * time.Millisecond, "medium": 25 * time.Millisecond}
	e := New(newPool(t, nil, "s1", "s2", "s3"))
	var tasks []Task
	for _, name := range []string{"slow", "medium", "fast"} {
		tasks = append(tasks, Task{
			Name: name,
			Run: func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
				time.Sleep(delays[name])
				return &process.Result{}, nil
			},
		})
	}

	results := e.Run(context.Background(), tasks)
	for i, r := range results {
		if r.Task != tasks[i].Name {
			t.Errorf("result[%d]: expected task %q, got %q", i, tasks[i].Name, r.Task)
		}
	}
}

func TestRun_OneDevicePerTask(t *testing.T) {
	var mu sync.Mutex
	busy := map[string]bool{}
	var overlap atomic.Bool

	task := Task{
		Name: "exclusive",
		Run: func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
			mu.Lock()
			if busy[dev.Serial()] {
				overlap.Store(true)
			}
			busy[dev.Serial()] = true
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			busy[dev.Serial()] = false
			mu.Unlock()
			return &process.Result{}, nil
		},
	}
	tasks := make([]Task, 12)
	for i := range tasks {
		tasks[i] = task
	}

	e := New(newPool(t, nil, "s1", "s2", "s3"), WithConcurrency(8))
	for _, r := range e.Run(context.Background(), tasks) {
		if !r.Success() {
			t.Errorf("task failed: %+v", r)
		}
	}
	if overlap.Load() {
		t.Error("two tasks ran on the same device at once")
	}
}

func TestRun_ConcurrencyLimiting(t *testing.T) {
	var running, peak atomic.Int32
	task := Task{
		Name: "t",
		Run: func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
			cur := running.Add(1)
			for {
				prev := peak.Load()
				if cur <= prev || peak.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			running.Add(-1)
			return &process.Result{}, nil
		},
	}

	e := New(newPool(t, nil, "a", "b", "c", "d"), WithConcurrency(2))
	e.Run(context.Background(), []Task{task, task, task, task})

	if got := peak.Load(); got != 2 {
		t.Errorf("expected peak concurrency 2, got %d", got)
	}
}

func TestRun_PerTaskTimeout(t *testing.T) {
	blocking := Task{
		Name: "hang",
		Run: func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
			<-ctx.Done()
			return &process.Result{}, nil
		},
	}
	override := blocking
	override.Name = "override"
	override.Timeout = 20 * time.Millisecond

	e := New(newPool(t, nil, "s1", "s2"), WithTimeout(time.Hour))
	start := time.Now()
	results := e.Run(context.Background(), []Task{override})
	if time.Since(start) > 5*time.Second {
		t.Fatal("task timeout not applied")
	}
	if !errors.Is(results[0].Err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", results[0].Err)
	}

	e = New(newPool(t, nil, "s1"), WithTimeout(20*time.Millisecond))
	results = e.Run(context.Background(), []Task{blocking})
	if !errors.Is(results[0].Err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded from executor default, got %v", results[0].Err)
	}
}

func TestRun_TimedOutResultIsNotAnError(t *testing.T) {
	task := Task{
		Name:    "partial",
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
			<-ctx.Done()
			return &process.Result{Stdout: []byte("started\n"), TimedOut: true, ExitCode: -15}, nil
		},
	}
	r := New(newPool(t, nil, "s1")).Run(context.Background(), []Task{task})[0]
	if r.Err != nil {
		t.Errorf("Err = %v; the timed-out flag already carries the outcome", r.Err)
	}
	if !r.TimedOut || string(r.Stdout) != "started\n" || r.Success() {
		t.Errorf("result = %+v", r)
	}
}

func TestRun_ContextCancelledWhileQueued(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	hold := Task{
		Name: "hold",
		Run: func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
			close(started)
			<-release
			return &process.Result{}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := newPool(t, nil, "only")
	e := New(p, WithConcurrency(2))
	done := make(chan []*Result, 1)
	go func() { done <- e.Run(ctx, []Task{hold, echoTask("queued")}) }()

	<-started
	deadline := time.Now().Add(5 * time.Second)
	for p.Stats().Waiting == 0 {
		if time.Now().After(deadline) {
			t.Fatal("second task never queued on the pool")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	close(release)

	results := <-done
	if results[0].Err != nil {
		t.Errorf("held task: unexpected error %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, context.Canceled) {
		t.Errorf("queued task: expected Canceled, got %v", results[1].Err)
	}
	if results[1].Serial != "" {
		t.Errorf("queued task should not have a device, got %q", results[1].Serial)
	}
}

func TestRun_MixedResults(t *testing.T) {
	tasks := []Task{
		{Name: "ok", Run: func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
			return &process.Result{Stdout: []byte("ok")}, nil
		}},
		{Name: "fail", Run: func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
			return &process.Result{Stderr: []byte("error"), ExitCode: 1}, nil
		}},
		{Name: "start", Run: func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
			return nil, &process.StartError{Command: "adb", Err: fmt.Errorf("no such file")}
		}},
	}
	results := New(newPool(t, nil, "s1", "s2", "s3")).Run(context.Background(), tasks)

	if !results[0].Success() {
		t.Errorf("ok: %+v", results[0])
	}
	if results[1].ExitCode != 1 || results[1].Err != nil {
		t.Errorf("fail: exit=%d err=%v", results[1].ExitCode, results[1].Err)
	}
	var startErr *process.StartError
	if !errors.As(results[2].Err, &startErr) {
		t.Errorf("start: expected StartError, got %v", results[2].Err)
	}
}

func TestRun_ZeroTasks(t *testing.T) {
	results := New(newPool(t, nil, "s1")).Run(context.Background(), nil)
	if len(results) != 0 {
		t.Fatalf("expected 0 results, got %d", len(results))
	}
}

func TestRun_Events(t *testing.T) {
	var mu sync.Mutex
	counts := map[EventKind]int{}
	e := New(newPool(t, nil, "s1"), WithObserver(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		counts[ev.Kind]++
		if ev.Kind == EventFinished && ev.Result == nil {
			t.Error("finished event without result")
		}
		if ev.Kind == EventStarted && ev.Serial != "s1" {
			t.Errorf("started event serial %q", ev.Serial)
		}
	}))
	e.Run(context.Background(), []Task{echoTask("a"), echoTask("b")})

	for _, k := range []EventKind{EventQueued, EventStarted, EventFinished} {
		if counts[k] != 2 {
			t.Errorf("%s events = %d, want 2", k, counts[k])
		}
	}
}

func TestShellTask(t *testing.T) {
	runner := &scriptedRunner{handler: func(cmd process.Command) *process.Result {
		return &process.Result{Stdout: []byte("result\nAdbShellExitCode: 3\n")}
	}}
	task := ShellTask("probe", "ls /sdcard", 2*time.Second)
	r := New(newPool(t, runner, "s1")).Run(context.Background(), []Task{task})[0]

	if r.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", r.ExitCode)
	}
	if string(r.Stdout) != "result\n" {
		t.Errorf("Stdout = %q", r.Stdout)
	}
	if !strings.Contains(r.Command, "ls /sdcard") {
		t.Errorf("Command = %q", r.Command)
	}
}

func TestBroadcast_AcquiresEveryDevice(t *testing.T) {
	p := newPool(t, nil, "s1", "s2", "s3")
	var sawIdle atomic.Bool
	e := New(p)

	results, err := e.Broadcast(context.Background(), "props", func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
		if p.Stats().Idle != 0 {
			sawIdle.Store(true)
		}
		return &process.Result{Stdout: []byte(dev.Serial())}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if sawIdle.Load() {
		t.Error("a device was idle while the broadcast was running")
	}
	for i, want := range []string{"s1", "s2", "s3"} {
		if results[i].Serial != want || string(results[i].Stdout) != want {
			t.Errorf("result[%d] = %q/%q, want %q", i, results[i].Serial, results[i].Stdout, want)
		}
	}
	if s := p.Stats(); s.Idle != 3 || s.Held != 0 {
		t.Errorf("devices not released: %+v", s)
	}
}

func TestBroadcast_AcquireCancelled(t *testing.T) {
	p := newPool(t, nil, "s1", "s2")
	held, _ := p.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(p).Broadcast(ctx, "x", func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
		t.Error("fn must not run without every device")
		return nil, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}

	p.Release(held)
	if s := p.Stats(); s.Idle != 2 {
		t.Errorf("partially acquired devices leaked: %+v", s)
	}
}

func TestNew_Defaults(t *testing.T) {
	e := New(newPool(t, nil, "a", "b", "c"))
	if e.concurrency != 3 {
		t.Errorf("expected default concurrency = pool size 3, got %d", e.concurrency)
	}
	if e.timeout != 0 {
		t.Errorf("expected no default timeout, got %v", e.timeout)
	}
}

func TestOptions_IgnoreInvalid(t *testing.T) {
	e := New(newPool(t, nil, "a"), WithConcurrency(0), WithConcurrency(-1), WithTimeout(-time.Second))
	if e.concurrency != 1 {
		t.Errorf("expected concurrency 1, got %d", e.concurrency)
	}
	if e.timeout != 0 {
		t.Errorf("expected timeout 0, got %v", e.timeout)
	}
}
