package proxy

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"

	"dockhand/internal/config"
	"dockhand/internal/core"
	"dockhand/internal/remote"
)

// TraefikBasePath is the proxy installation directory on the proxy host.
const TraefikBasePath = "/opt/traefik"

const (
	dynamicDirPath    = TraefikBasePath + "/dynamic"
	DynamicConfigPath = dynamicDirPath + "/dockhand.yml"
	CertsBasePath     = TraefikBasePath + "/certs"

	// StatePath holds the persisted routing table. It lives outside the
	// dynamic directory so Traefik never reads it.
	StatePath = TraefikBasePath + "/dockhand-state.yml"
)

const writeTimeout = 30 * time.Second

// Executor is the remote access the proxy manager needs on the proxy host.
type Executor interface {
	Run(ctx context.Context, host core.Host, command string, timeout time.Duration) (remote.Result, error)
	Upload(ctx context.Context, host core.Host, content []byte, remotePath string) error
	Download(ctx context.Context, host core.Host, remotePath string) ([]byte, error)
	Mkdir(ctx context.Context, host core.Host, path string) error
	FileExists(ctx context.Context, host core.Host, path string) (bool, error)
}

// CertTracker is the certificate lifecycle the proxy reports domains to.
type CertTracker interface {
	Track(domain string)
	Release(domain string)
	Usable(domain string) bool
}

// DNSProvider keeps public DNS pointing at the proxy host.
type DNSProvider interface {
	EnsureRecord(ctx context.Context, hostname string) error
	DeleteRecord(ctx context.Context, hostname string) error
}

// Manager owns the routing table and mirrors it to the Traefik dynamic
// configuration file on the proxy host. All mutations are serialized; the
// in-memory table and the on-disk document never diverge.
type Manager struct {
	mu     sync.Mutex
	routes map[string]core.RouteEntry // keyed by hostname

	exec  Executor
	host  core.Host
	certs CertTracker // optional
	dns   DNSProvider // optional
	dash  *dashboard
}

// NewManager creates a proxy manager for the given proxy host.
func NewManager(exec Executor, proxyHost core.Host, domain string, traefikCfg config.TraefikConfig) *Manager {
	return &Manager{
		routes: make(map[string]core.RouteEntry),
		exec:   exec,
		host:   proxyHost,
		dash: &dashboard{
			enabled:  traefikCfg.DashboardEnabled,
			hostname: fmt.Sprintf("%s.%s", traefikCfg.DashboardSubdomain, domain),
			auth:     traefikCfg.DashboardAuth,
		},
	}
}

// SetCertTracker wires the certificate lifecycle in. Routes registered with
// TLS are tracked from then on.
func (m *Manager) SetCertTracker(certs CertTracker) { m.certs = certs }

// SetDNS wires a DNS provider in. Registered hostnames get an A record
// pointing at the proxy host.
func (m *Manager) SetDNS(dns DNSProvider) { m.dns = dns }

// stateDoc is the persisted routing table. The Traefik document cannot be
// mapped back to stacks, so the entries are stored next to it.
type stateDoc struct {
	Routes []core.RouteEntry `yaml:"routes"`
}

// Load seeds the routing table from the state persisted on the proxy host.
// Every invocation starts with an empty table; without this step the next
// registration would replace the live document with only its own route.
// TLS hostnames are re-tracked so the certificate lifecycle sees them.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.exec.FileExists(ctx, m.host, StatePath)
	if err != nil {
		return fmt.Errorf("failed to check routing state on %s: %w", m.host.Name, err)
	}
	if !exists {
		return nil
	}

	data, err := m.exec.Download(ctx, m.host, StatePath)
	if err != nil {
		return fmt.Errorf("failed to download routing state: %w", err)
	}
	var doc stateDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse routing state %s: %w", StatePath, err)
	}

	for _, rt := range doc.Routes {
		m.routes[rt.Hostname] = rt
		if rt.TLS && m.certs != nil {
			m.certs.Track(rt.Hostname)
		}
	}
	if len(doc.Routes) > 0 {
		log.Printf("[PROXY] Recovered %d routes from %s", len(doc.Routes), StatePath)
	}
	return nil
}

// Register installs a route and pushes the regenerated routing document to
// the proxy host. A second registration for the same hostname supersedes the
// first. On a persistent write failure the table is rolled back so memory
// still mirrors the live document.
func (m *Manager) Register(ctx context.Context, entry core.RouteEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, had := m.routes[entry.Hostname]
	if had && prev.Stack != entry.Stack {
		log.Printf("[PROXY] Route %s superseded: %s -> %s", entry.Hostname, prev.Stack, entry.Stack)
	}
	m.routes[entry.Hostname] = entry

	if err := m.writeLocked(ctx); err != nil {
		if had {
			m.routes[entry.Hostname] = prev
		} else {
			delete(m.routes, entry.Hostname)
		}
		return err
	}

	if entry.TLS && m.certs != nil {
		m.certs.Track(entry.Hostname)
	}
	if m.dns != nil {
		// DNS lag must not fail the deployment; the record is retried on
		// the next registration or resync.
		if err := m.dns.EnsureRecord(ctx, entry.Hostname); err != nil {
			log.Printf("[PROXY] DNS record for %s not ensured: %v", entry.Hostname, err)
		}
	}

	log.Printf("[PROXY] Route registered: %s -> %s", entry.Hostname, entry.BackendURL())
	return nil
}

// Remove deletes the route for a hostname and pushes the regenerated
// document. Removing an unknown hostname is a no-op.
func (m *Manager) Remove(ctx context.Context, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, had := m.routes[hostname]
	if !had {
		return nil
	}
	delete(m.routes, hostname)

	if err := m.writeLocked(ctx); err != nil {
		m.routes[hostname] = prev
		return err
	}

	if prev.TLS && m.certs != nil {
		m.certs.Release(hostname)
	}
	if m.dns != nil {
		if err := m.dns.DeleteRecord(ctx, hostname); err != nil {
			log.Printf("[PROXY] DNS record for %s not removed: %v", hostname, err)
		}
	}

	log.Printf("[PROXY] Route removed: %s", hostname)
	return nil
}

// Resync regenerates and pushes the routing document without changing the
// table. Called when certificate availability changes.
func (m *Manager) Resync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(ctx)
}

// Routes returns a snapshot of every route.
func (m *Manager) Routes() []core.RouteEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]core.RouteEntry, 0, len(m.routes))
	for _, rt := range m.routes {
		out = append(out, rt)
	}
	return out
}

// RoutesForHost returns the routes whose backend is the given host address.
func (m *Manager) RoutesForHost(backendHost string) []core.RouteEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []core.RouteEntry
	for _, rt := range m.routes {
		if rt.BackendHost == backendHost {
			out = append(out, rt)
		}
	}
	return out
}

// Lookup returns the route for a hostname.
func (m *Manager) Lookup(hostname string) (core.RouteEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.routes[hostname]
	if !ok {
		return core.RouteEntry{}, fmt.Errorf("route %s: %w", hostname, core.ErrNotFound)
	}
	return rt, nil
}

// writeLocked renders the routing document and replaces the live files
// atomically: upload to temp paths, then rename over the targets. Traefik
// watches the directory and only ever sees complete documents; the state
// file moves in the same command so it never lags the live document.
// Callers must hold m.mu.
func (m *Manager) writeLocked(ctx context.Context) error {
	routes := make([]core.RouteEntry, 0, len(m.routes))
	for _, rt := range m.routes {
		routes = append(routes, rt)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Hostname < routes[j].Hostname })

	var installed func(string) bool
	if m.certs != nil {
		installed = m.certs.Usable
	}
	doc, err := renderDynamic(routes, installed, m.dash)
	if err != nil {
		return &core.ConfigWriteError{Path: DynamicConfigPath, Err: err}
	}
	state, err := yaml.Marshal(stateDoc{Routes: routes})
	if err != nil {
		return &core.ConfigWriteError{Path: StatePath, Err: err}
	}

	tmpPath := DynamicConfigPath + ".tmp"
	stateTmpPath := StatePath + ".tmp"
	write := func() error {
		if err := m.exec.Upload(ctx, m.host, doc, tmpPath); err != nil {
			return err
		}
		if err := m.exec.Upload(ctx, m.host, state, stateTmpPath); err != nil {
			return err
		}
		cmd := fmt.Sprintf("mv -f %s %s && mv -f %s %s", tmpPath, DynamicConfigPath, stateTmpPath, StatePath)
		res, err := m.exec.Run(ctx, m.host, cmd, writeTimeout)
		if err != nil {
			return err
		}
		if !res.Success() {
			return &core.RemoteCommandError{Host: m.host.Name, Command: cmd, ExitCode: res.ExitCode, Output: res.Output()}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	if err := backoff.Retry(write, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx)); err != nil {
		return &core.ConfigWriteError{Path: DynamicConfigPath, Err: err}
	}
	return nil
}
