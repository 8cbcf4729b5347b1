package certs

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"dockhand/internal/core"
	"dockhand/internal/remote"
)

// IssuedCert is the result of one issuance: a PEM chain, its key, and the
// leaf expiry.
type IssuedCert struct {
	CertPEM   []byte
	KeyPEM    []byte
	ExpiresAt time.Time
}

// Issuer obtains a certificate for a single domain.
type Issuer interface {
	Issue(ctx context.Context, domain string) (IssuedCert, error)
}

// Executor is the remote access needed to install certificates on the proxy
// host.
type Executor interface {
	Upload(ctx context.Context, host core.Host, content []byte, remotePath string) error
	Download(ctx context.Context, host core.Host, remotePath string) ([]byte, error)
	Mkdir(ctx context.Context, host core.Host, path string) error
	Run(ctx context.Context, host core.Host, command string, timeout time.Duration) (remote.Result, error)
	FileExists(ctx context.Context, host core.Host, path string) (bool, error)
}

// Manager tracks the certificate lifecycle for every routed domain: issue on
// first reference, renew below the validity threshold, mark expired past the
// deadline, drop when the last route goes away. Issued keypairs are installed
// on the proxy host where Traefik reads them.
type Manager struct {
	mu    sync.Mutex
	table map[string]*core.Certificate
	refs  map[string]int

	issuer       Issuer
	exec         Executor
	host         core.Host // proxy host
	certsPath    string
	threshold    time.Duration
	scanInterval time.Duration
	onTransition func(domain string)
	kick         chan struct{}
	now          func() time.Time
}

// NewManager creates a certificate manager installing under certsPath on the
// proxy host.
func NewManager(issuer Issuer, exec Executor, proxyHost core.Host, certsPath string, threshold, scanInterval time.Duration) *Manager {
	return &Manager{
		table:        make(map[string]*core.Certificate),
		refs:         make(map[string]int),
		issuer:       issuer,
		exec:         exec,
		host:         proxyHost,
		certsPath:    certsPath,
		threshold:    threshold,
		scanInterval: scanInterval,
		kick:         make(chan struct{}, 1),
		now:          time.Now,
	}
}

// SetOnTransition registers a callback fired after a domain changes state.
// The routing document is regenerated through it.
func (m *Manager) SetOnTransition(fn func(domain string)) { m.onTransition = fn }

// Track adds a reference to a domain. The first reference requests a
// certificate; issuance happens on the next scan.
func (m *Manager) Track(domain string) {
	m.mu.Lock()
	m.refs[domain]++
	if _, ok := m.table[domain]; !ok {
		m.table[domain] = &core.Certificate{Domain: domain, State: core.CertRequested}
		log.Printf("[CERT] [%s] Certificate requested", domain)
	}
	m.mu.Unlock()

	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Release drops a reference. The certificate is forgotten when the last
// reference goes; the installed files stay on disk until the domain is
// tracked again and reissued over them.
func (m *Manager) Release(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs[domain] > 1 {
		m.refs[domain]--
		return
	}
	delete(m.refs, domain)
	delete(m.table, domain)
	log.Printf("[CERT] [%s] Certificate released", domain)
}

// Usable reports whether the domain can be served over TLS right now. A
// renewing certificate still has its previous keypair installed.
func (m *Manager) Usable(domain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cert, ok := m.table[domain]
	return ok && cert.Usable()
}

// Status returns the certificate for a domain.
func (m *Manager) Status(domain string) (core.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cert, ok := m.table[domain]
	if !ok {
		return core.Certificate{}, fmt.Errorf("certificate %s: %w", domain, core.ErrNotFound)
	}
	return *cert, nil
}

// List returns a snapshot of every tracked certificate, sorted by domain.
func (m *Manager) List() []core.Certificate {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]core.Certificate, 0, len(m.table))
	for _, cert := range m.table {
		out = append(out, *cert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Restore recovers the lifecycle state of tracked domains from the keypairs
// installed on the proxy host. Track only marks a domain requested; after
// recovery a domain with a live keypair is valid again and the renewal scan
// picks up from its real expiry instead of reissuing. Domains without an
// installed certificate stay requested and are issued on the next scan.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	var domains []string
	for domain, cert := range m.table {
		if cert.State == core.CertRequested {
			domains = append(domains, domain)
		}
	}
	m.mu.Unlock()
	sort.Strings(domains)

	for _, domain := range domains {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.restoreDomain(ctx, domain); err != nil {
			log.Printf("[CERT] [%s] Recovery failed: %v", domain, err)
		}
	}
	return nil
}

// restoreDomain inspects one installed certificate and adopts its validity.
func (m *Manager) restoreDomain(ctx context.Context, domain string) error {
	certPath := fmt.Sprintf("%s/%s/cert.pem", m.certsPath, domain)
	exists, err := m.exec.FileExists(ctx, m.host, certPath)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	data, err := m.exec.Download(ctx, m.host, certPath)
	if err != nil {
		return err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return fmt.Errorf("installed certificate %s is not PEM", certPath)
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse installed certificate for %s: %w", domain, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cert, ok := m.table[domain]
	if !ok || cert.State != core.CertRequested {
		return nil
	}
	cert.IssuedAt = leaf.NotBefore
	cert.ExpiresAt = leaf.NotAfter
	if leaf.NotAfter.After(m.now()) {
		cert.State = core.CertValid
	} else {
		cert.State = core.CertExpired
	}
	log.Printf("[CERT] [%s] Recovered installed certificate (%s, expires %s)",
		domain, cert.State, leaf.NotAfter.Format(time.RFC3339))
	return nil
}

// Run drives the scan loop until the context ends. Track wakes it early so
// a fresh deployment does not wait a full interval.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()

	m.Sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sync(ctx)
		case <-m.kick:
			m.Sync(ctx)
		}
	}
}

// Sync performs one scan: flags expirations, starts renewals below the
// threshold, and works off every domain that needs an issuance. A failure on
// one domain never blocks the others.
func (m *Manager) Sync(ctx context.Context) {
	for _, domain := range m.pending() {
		if ctx.Err() != nil {
			return
		}
		if err := m.issue(ctx, domain); err != nil {
			log.Printf("[CERT] [%s] Issuance failed: %v", domain, err)
		}
	}
}

// pending applies the time-based transitions and returns the domains that
// need an issuance attempt.
func (m *Manager) pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []string
	for domain, cert := range m.table {
		switch cert.State {
		case core.CertValid:
			if !cert.ExpiresAt.After(now) {
				cert.State = core.CertExpired
				log.Printf("[CERT] [%s] Certificate expired", domain)
				m.notify(domain)
				out = append(out, domain)
			} else if cert.Remaining(now) < m.threshold {
				cert.State = core.CertRenewing
				log.Printf("[CERT] [%s] Renewal window entered (%s remaining)", domain, cert.Remaining(now).Round(time.Hour))
				out = append(out, domain)
			}
		case core.CertRenewing:
			if !cert.ExpiresAt.After(now) {
				cert.State = core.CertExpired
				log.Printf("[CERT] [%s] Certificate expired during renewal", domain)
				m.notify(domain)
			}
			out = append(out, domain)
		case core.CertRequested, core.CertPending, core.CertExpired:
			out = append(out, domain)
		}
	}
	sort.Strings(out)
	return out
}

// issue runs one issuance attempt for a domain and installs the result.
func (m *Manager) issue(ctx context.Context, domain string) error {
	m.mu.Lock()
	cert, ok := m.table[domain]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	// An expired certificate keeps its state across failed attempts so the
	// route stays visibly degraded.
	if cert.State == core.CertRequested {
		cert.State = core.CertPending
	}
	cert.LastAttempt = m.now()
	cert.Attempts++
	m.mu.Unlock()

	log.Printf("[CERT] [%s] Starting issuance", domain)
	issued, err := m.issuer.Issue(ctx, domain)
	if err != nil {
		ierr := &core.CertificateIssuanceError{Domain: domain, Err: err}
		m.mu.Lock()
		if cert, ok := m.table[domain]; ok {
			cert.LastError = ierr.Error()
		}
		m.mu.Unlock()
		return ierr
	}

	if err := m.install(ctx, domain, issued); err != nil {
		m.mu.Lock()
		if cert, ok := m.table[domain]; ok {
			cert.LastError = err.Error()
		}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	if cert, ok := m.table[domain]; ok {
		cert.State = core.CertValid
		cert.IssuedAt = m.now()
		cert.ExpiresAt = issued.ExpiresAt
		cert.LastError = ""
		cert.Attempts = 0
		m.notify(domain)
	}
	m.mu.Unlock()

	log.Printf("[CERT] [%s] Certificate issued, expires %s", domain, issued.ExpiresAt.Format(time.RFC3339))
	return nil
}

// install uploads the keypair to the proxy host where Traefik reads it.
func (m *Manager) install(ctx context.Context, domain string, issued IssuedCert) error {
	dir := fmt.Sprintf("%s/%s", m.certsPath, domain)
	if err := m.exec.Mkdir(ctx, m.host, dir); err != nil {
		return fmt.Errorf("failed to create certificate directory for %s: %w", domain, err)
	}
	if err := m.exec.Upload(ctx, m.host, issued.CertPEM, dir+"/cert.pem"); err != nil {
		return fmt.Errorf("failed to install certificate for %s: %w", domain, err)
	}
	if err := m.exec.Upload(ctx, m.host, issued.KeyPEM, dir+"/key.pem"); err != nil {
		return fmt.Errorf("failed to install key for %s: %w", domain, err)
	}
	res, err := m.exec.Run(ctx, m.host, fmt.Sprintf("chmod 600 %s/key.pem", dir), 15*time.Second)
	if err != nil {
		return err
	}
	if !res.Success() {
		return &core.RemoteCommandError{Host: m.host.Name, Command: "chmod 600 " + dir + "/key.pem", ExitCode: res.ExitCode, Output: res.Output()}
	}
	return nil
}

// notify fires the transition callback outside the lock. Callers must hold
// m.mu; the callback runs asynchronously so it can call back into public
// methods.
func (m *Manager) notify(domain string) {
	if m.onTransition != nil {
		go m.onTransition(domain)
	}
}
