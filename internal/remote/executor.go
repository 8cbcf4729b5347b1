package remote

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dockhand/internal/core"
)

const (
	defaultMaxAttempts = 4
	defaultDialTimeout = 10 * time.Second
)

// Result is the outcome of a remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited zero.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Output returns combined stdout/stderr for error reporting.
func (r Result) Output() string {
	out := strings.TrimSpace(r.Stdout)
	if errOut := strings.TrimSpace(r.Stderr); errOut != "" {
		if out != "" {
			out += "\n"
		}
		out += errOut
	}
	return out
}

// session is one authenticated channel to a host. The production
// implementation lives in session.go; tests substitute fakes.
type session interface {
	run(ctx context.Context, command string, timeout time.Duration) (Result, error)
	upload(content []byte, remotePath string) error
	download(remotePath string) ([]byte, error)
	healthy() bool
	close() error
}

// hostSession pairs a pooled session with the mutex that serializes every
// operation against its host. Commands on one host observe program order;
// different hosts proceed concurrently. A released entry is marked closed so
// an operation that already holds a reference redials through a fresh entry
// instead of reviving this one.
type hostSession struct {
	mu     sync.Mutex
	host   core.Host
	sess   session
	closed bool
}

// Executor maintains one reusable SSH session per host and executes commands
// and file transfers over it. Transient connectivity failures are retried
// with exponential backoff; authentication failures surface immediately.
type Executor struct {
	mu       sync.Mutex
	pool     map[string]*hostSession
	connect  func(host core.Host) (session, error)
	attempts uint64
}

// NewExecutor creates an executor with an empty session pool.
func NewExecutor() *Executor {
	return &Executor{
		pool:     make(map[string]*hostSession),
		connect:  connectSSH,
		attempts: defaultMaxAttempts,
	}
}

// acquire returns the pooled entry for a host, creating it if needed. The
// session itself is dialed lazily under the host lock.
func (e *Executor) acquire(host core.Host) *hostSession {
	e.mu.Lock()
	defer e.mu.Unlock()

	hs, ok := e.pool[host.Name]
	if !ok {
		hs = &hostSession{host: host}
		e.pool[host.Name] = hs
	}
	return hs
}

// ensureSession returns a live session for the entry, dialing or redialing as
// needed. Callers must hold hs.mu. A session that fails its health check is
// discarded and recreated.
func (e *Executor) ensureSession(hs *hostSession) (session, error) {
	if hs.sess != nil {
		if hs.sess.healthy() {
			return hs.sess, nil
		}
		log.Printf("[SSH] [%s] Session unhealthy, reconnecting", hs.host.Name)
		hs.sess.close()
		hs.sess = nil
	}

	sess, err := e.connect(hs.host)
	if err != nil {
		return nil, classifyConnectError(hs.host.Name, err)
	}
	hs.sess = sess
	log.Printf("[SSH] [%s] Session established (%s@%s)", hs.host.Name, hs.host.User, hs.host.SSHAddr())
	return sess, nil
}

// discard drops the entry's session after a transport failure so the next
// attempt redials. Callers must hold hs.mu.
func (hs *hostSession) discard() {
	if hs.sess != nil {
		hs.sess.close()
		hs.sess = nil
	}
}

// withSession runs op against a live session for the host, retrying
// connectivity failures with exponential backoff up to the attempt limit.
// Authentication errors are never retried.
func (e *Executor) withSession(ctx context.Context, host core.Host, op func(sess session) error) error {
	var hs *hostSession
	for {
		hs = e.acquire(host)
		hs.mu.Lock()
		if !hs.closed {
			break
		}
		// Entry was released while we waited for the lock; it is already
		// out of the pool, so acquire again for a fresh one.
		hs.mu.Unlock()
	}
	defer hs.mu.Unlock()

	attempt := func() error {
		sess, err := e.ensureSession(hs)
		if err != nil {
			if core.IsAuthentication(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		if err := op(sess); err != nil {
			if core.IsConnectivity(err) {
				hs.discard()
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, e.attempts-1), ctx))
}

// Run executes a command on the host and returns its exit code and output.
// A non-zero exit is reported in the Result, not as an error; errors are
// transport or authentication failures.
func (e *Executor) Run(ctx context.Context, host core.Host, command string, timeout time.Duration) (Result, error) {
	var result Result
	err := e.withSession(ctx, host, func(sess session) error {
		res, err := sess.run(ctx, command, timeout)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// Upload writes content to remotePath on the host, creating parent
// directories and overwriting any previous file.
func (e *Executor) Upload(ctx context.Context, host core.Host, content []byte, remotePath string) error {
	return e.withSession(ctx, host, func(sess session) error {
		return sess.upload(content, remotePath)
	})
}

// Download reads remotePath from the host.
func (e *Executor) Download(ctx context.Context, host core.Host, remotePath string) ([]byte, error) {
	var content []byte
	err := e.withSession(ctx, host, func(sess session) error {
		data, err := sess.download(remotePath)
		if err != nil {
			return err
		}
		content = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// Mkdir creates a directory (and parents) on the host. Idempotent.
func (e *Executor) Mkdir(ctx context.Context, host core.Host, path string) error {
	res, err := e.Run(ctx, host, fmt.Sprintf("mkdir -p %s", path), 30*time.Second)
	if err != nil {
		return err
	}
	if !res.Success() {
		return &core.RemoteCommandError{Host: host.Name, Command: "mkdir -p " + path, ExitCode: res.ExitCode, Output: res.Output()}
	}
	return nil
}

// FileExists checks whether a regular file exists on the host.
func (e *Executor) FileExists(ctx context.Context, host core.Host, path string) (bool, error) {
	res, err := e.Run(ctx, host, fmt.Sprintf("test -f %s && echo exists", path), 30*time.Second)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "exists", nil
}

// DirExists checks whether a directory exists on the host.
func (e *Executor) DirExists(ctx context.Context, host core.Host, path string) (bool, error) {
	res, err := e.Run(ctx, host, fmt.Sprintf("test -d %s && echo exists", path), 30*time.Second)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "exists", nil
}

// TestConnection verifies the host is reachable and marks its liveness.
func (e *Executor) TestConnection(ctx context.Context, host *core.Host) error {
	res, err := e.Run(ctx, *host, "echo ok", 15*time.Second)
	if err != nil {
		host.Alive = false
		return err
	}
	if !res.Success() {
		host.Alive = false
		return &core.RemoteCommandError{Host: host.Name, Command: "echo ok", ExitCode: res.ExitCode, Output: res.Output()}
	}
	host.Alive = true
	host.LastSeen = time.Now()
	return nil
}

// Release closes and forgets the session for a host. Idempotent.
func (e *Executor) Release(host core.Host) {
	e.mu.Lock()
	hs, ok := e.pool[host.Name]
	if ok {
		delete(e.pool, host.Name)
	}
	e.mu.Unlock()

	if ok {
		hs.mu.Lock()
		hs.closed = true
		hs.discard()
		hs.mu.Unlock()
		log.Printf("[SSH] [%s] Session released", host.Name)
	}
}

// CloseAll releases every pooled session.
func (e *Executor) CloseAll() {
	e.mu.Lock()
	pool := e.pool
	e.pool = make(map[string]*hostSession)
	e.mu.Unlock()

	for name, hs := range pool {
		hs.mu.Lock()
		hs.closed = true
		hs.discard()
		hs.mu.Unlock()
		log.Printf("[SSH] [%s] Session closed", name)
	}
}

// classifyConnectError sorts a dial failure into the retryable and fatal
// buckets. SSH reports bad credentials inside the handshake error string.
func classifyConnectError(host string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "private key") {
		return &core.AuthenticationError{Host: host, Err: err}
	}
	return &core.ConnectivityError{Host: host, Err: err}
}
