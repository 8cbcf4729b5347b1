package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"dockhand/internal/core"
)

// sshSession is the production session: one ssh.Client per host, with an
// SFTP subsystem opened lazily for file transfers.
type sshSession struct {
	host   core.Host
	client *ssh.Client

	sftpMu sync.Mutex
	sftpc  *sftp.Client

	closeOnce sync.Once
}

// connectSSH dials a host and authenticates with its configured private key.
func connectSSH(host core.Host) (session, error) {
	keyData, err := os.ReadFile(host.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", host.SSHKeyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", host.SSHKeyPath, err)
	}

	config := &ssh.ClientConfig{
		User:            host.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         defaultDialTimeout,
	}

	client, err := ssh.Dial("tcp", host.SSHAddr(), config)
	if err != nil {
		return nil, err
	}

	return &sshSession{host: host, client: client}, nil
}

// run executes one command over a fresh channel on the shared connection.
func (s *sshSession) run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return Result{}, &core.ConnectivityError{Host: s.host.Name, Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-runCtx.Done():
		sess.Signal(ssh.SIGKILL)
		sess.Close()
		return Result{}, &core.ConnectivityError{Host: s.host.Name, Err: runCtx.Err()}
	case err = <-done:
	}

	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		// Missing exit status or channel failure means the transport broke.
		return Result{}, &core.ConnectivityError{Host: s.host.Name, Err: err}
	}
	return result, nil
}

// ftp returns the lazily opened SFTP client.
func (s *sshSession) ftp() (*sftp.Client, error) {
	s.sftpMu.Lock()
	defer s.sftpMu.Unlock()

	if s.sftpc != nil {
		return s.sftpc, nil
	}

	client, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, &core.ConnectivityError{Host: s.host.Name, Err: err}
	}
	s.sftpc = client
	return client, nil
}

func (s *sshSession) upload(content []byte, remotePath string) error {
	client, err := s.ftp()
	if err != nil {
		return err
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return &core.ConnectivityError{Host: s.host.Name, Err: err}
		}
	}

	f, err := client.Create(remotePath)
	if err != nil {
		return &core.ConnectivityError{Host: s.host.Name, Err: err}
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return &core.ConnectivityError{Host: s.host.Name, Err: err}
	}
	return nil
}

func (s *sshSession) download(remotePath string) ([]byte, error) {
	client, err := s.ftp()
	if err != nil {
		return nil, err
	}

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, &core.ConnectivityError{Host: s.host.Name, Err: err}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, &core.ConnectivityError{Host: s.host.Name, Err: err}
	}
	return buf.Bytes(), nil
}

// healthy checks the connection with an OpenSSH keepalive before reuse.
func (s *sshSession) healthy() bool {
	_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// close is idempotent.
func (s *sshSession) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.sftpMu.Lock()
		if s.sftpc != nil {
			s.sftpc.Close()
			s.sftpc = nil
		}
		s.sftpMu.Unlock()
		err = s.client.Close()
	})
	return err
}
