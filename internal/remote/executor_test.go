package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dockhand/internal/core"
)

// fakeSession records commands and serves scripted results.
type fakeSession struct {
	mu       sync.Mutex
	commands []string
	files    map[string][]byte
	alive    bool
	closed   int
	onClose  func()
	runErr   error
	active   int32 // concurrent run calls, to detect interleaving
	maxSeen  int32
}

func newFakeSession() *fakeSession {
	return &fakeSession{files: make(map[string][]byte), alive: true}
}

func (f *fakeSession) run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	f.commands = append(f.commands, command)
	err := f.runErr
	f.mu.Unlock()

	// Hold the "channel" briefly so overlapping calls would be visible.
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	if err != nil {
		return Result{}, err
	}
	return Result{ExitCode: 0, Stdout: "ok"}, nil
}

func (f *fakeSession) upload(content []byte, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[remotePath] = content
	return nil
}

func (f *fakeSession) download(remotePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[remotePath]
	if !ok {
		return nil, &core.ConnectivityError{Err: errors.New("no such file")}
	}
	return content, nil
}

func (f *fakeSession) healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeSession) close() error {
	f.mu.Lock()
	f.closed++
	first := f.closed == 1
	cb := f.onClose
	f.mu.Unlock()
	if first && cb != nil {
		cb()
	}
	return nil
}

func testExecutor(connect func(core.Host) (session, error)) *Executor {
	e := NewExecutor()
	e.connect = connect
	return e
}

func testHost(name string) core.Host {
	return core.Host{Name: name, Address: "10.0.0.1", User: "manager", Role: core.RoleWorker}
}

func TestExecutorReusesSession(t *testing.T) {
	sess := newFakeSession()
	dials := 0
	e := testExecutor(func(core.Host) (session, error) {
		dials++
		return sess, nil
	})

	ctx := context.Background()
	host := testHost("worker-1")

	for i := 0; i < 3; i++ {
		if _, err := e.Run(ctx, host, "uptime", time.Second); err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
	}

	if dials != 1 {
		t.Errorf("Expected 1 dial for 3 commands, got %d", dials)
	}
	if len(sess.commands) != 3 {
		t.Errorf("Expected 3 commands, got %d", len(sess.commands))
	}
}

func TestExecutorRecreatesUnhealthySession(t *testing.T) {
	first := newFakeSession()
	second := newFakeSession()
	sessions := []*fakeSession{first, second}
	dials := 0
	e := testExecutor(func(core.Host) (session, error) {
		s := sessions[dials]
		dials++
		return s, nil
	})

	ctx := context.Background()
	host := testHost("worker-1")

	if _, err := e.Run(ctx, host, "echo 1", time.Second); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	// Break the pooled session; the health check must discard it.
	first.mu.Lock()
	first.alive = false
	first.mu.Unlock()

	if _, err := e.Run(ctx, host, "echo 2", time.Second); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	if dials != 2 {
		t.Errorf("Expected redial after failed health check, got %d dials", dials)
	}
	if first.closed == 0 {
		t.Error("Expected broken session to be closed")
	}
	if len(second.commands) != 1 || second.commands[0] != "echo 2" {
		t.Errorf("Expected second session to run the command, got %v", second.commands)
	}
}

func TestExecutorRetriesConnectivityErrors(t *testing.T) {
	dials := 0
	sess := newFakeSession()
	e := testExecutor(func(host core.Host) (session, error) {
		dials++
		if dials < 3 {
			return nil, fmt.Errorf("dial tcp %s: connection refused", host.SSHAddr())
		}
		return sess, nil
	})

	res, err := e.Run(context.Background(), testHost("worker-1"), "uptime", time.Second)
	if err != nil {
		t.Fatalf("Run should succeed after retries: %v", err)
	}
	if !res.Success() {
		t.Errorf("Expected success, got exit %d", res.ExitCode)
	}
	if dials != 3 {
		t.Errorf("Expected 3 dial attempts, got %d", dials)
	}
}

func TestExecutorDoesNotRetryAuthErrors(t *testing.T) {
	dials := 0
	e := testExecutor(func(core.Host) (session, error) {
		dials++
		return nil, errors.New("ssh: handshake failed: ssh: unable to authenticate")
	})

	_, err := e.Run(context.Background(), testHost("worker-1"), "uptime", time.Second)
	if err == nil {
		t.Fatal("Expected authentication error")
	}
	if !core.IsAuthentication(err) {
		t.Errorf("Expected AuthenticationError, got %T: %v", err, err)
	}
	if dials != 1 {
		t.Errorf("Auth failures must not be retried, got %d dials", dials)
	}
}

func TestExecutorGivesUpAfterAttemptLimit(t *testing.T) {
	dials := 0
	e := testExecutor(func(core.Host) (session, error) {
		dials++
		return nil, errors.New("dial tcp: i/o timeout")
	})
	e.attempts = 2

	_, err := e.Run(context.Background(), testHost("worker-1"), "uptime", time.Second)
	if err == nil {
		t.Fatal("Expected connectivity error after exhausting retries")
	}
	if !core.IsConnectivity(err) {
		t.Errorf("Expected ConnectivityError, got %T: %v", err, err)
	}
	if dials != 2 {
		t.Errorf("Expected exactly 2 attempts, got %d", dials)
	}
}

func TestExecutorSerializesSameHost(t *testing.T) {
	sess := newFakeSession()
	e := testExecutor(func(core.Host) (session, error) { return sess, nil })

	ctx := context.Background()
	host := testHost("worker-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e.Run(ctx, host, fmt.Sprintf("cmd-%d", n), time.Second)
		}(i)
	}
	wg.Wait()

	if sess.maxSeen > 1 {
		t.Errorf("Commands interleaved on one host: %d concurrent", sess.maxSeen)
	}
	if len(sess.commands) != 8 {
		t.Errorf("Expected 8 commands, got %d", len(sess.commands))
	}
}

func TestExecutorOneSessionPerHost(t *testing.T) {
	var mu sync.Mutex
	dialsPerHost := make(map[string]int)
	e := testExecutor(func(host core.Host) (session, error) {
		mu.Lock()
		dialsPerHost[host.Name]++
		mu.Unlock()
		return newFakeSession(), nil
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, name := range []string{"worker-1", "worker-2"} {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				e.Run(ctx, testHost(name), "uptime", time.Second)
			}(name)
		}
	}
	wg.Wait()

	for name, dials := range dialsPerHost {
		if dials != 1 {
			t.Errorf("Host %s dialed %d times, want 1", name, dials)
		}
	}
}

func TestExecutorUploadDownload(t *testing.T) {
	sess := newFakeSession()
	e := testExecutor(func(core.Host) (session, error) { return sess, nil })

	ctx := context.Background()
	host := testHost("worker-1")
	content := []byte("services:\n  grafana:\n    image: grafana/grafana:latest\n")

	if err := e.Upload(ctx, host, content, "/opt/stacks/grafana/docker-compose.yml"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	got, err := e.Download(ctx, host, "/opt/stacks/grafana/docker-compose.yml")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("Round-tripped content mismatch:\n%s", got)
	}
}

func TestExecutorReleaseIdempotent(t *testing.T) {
	sess := newFakeSession()
	e := testExecutor(func(core.Host) (session, error) { return sess, nil })

	ctx := context.Background()
	host := testHost("worker-1")
	if _, err := e.Run(ctx, host, "uptime", time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	e.Release(host)
	e.Release(host) // second release is a no-op

	if sess.closed != 1 {
		t.Errorf("Expected exactly one close, got %d", sess.closed)
	}
}

func TestExecutorReleaseNeverDuplicatesSessions(t *testing.T) {
	var mu sync.Mutex
	open, maxOpen := 0, 0
	e := testExecutor(func(core.Host) (session, error) {
		mu.Lock()
		open++
		if open > maxOpen {
			maxOpen = open
		}
		mu.Unlock()

		s := newFakeSession()
		s.onClose = func() {
			mu.Lock()
			open--
			mu.Unlock()
		}
		return s, nil
	})

	ctx := context.Background()
	host := testHost("worker-1")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := e.Run(ctx, host, "uptime", time.Second); err != nil {
					t.Errorf("Run failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			e.Release(host)
		}
	}()
	wg.Wait()

	if maxOpen > 1 {
		t.Errorf("Release raced a concurrent Run into %d live sessions, want at most 1", maxOpen)
	}
}
