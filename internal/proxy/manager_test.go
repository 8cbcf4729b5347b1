package proxy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"dockhand/internal/config"
	"dockhand/internal/core"
	"dockhand/internal/remote"
)

type fakeExec struct {
	mu       sync.Mutex
	commands []string
	uploads  map[string][]byte
	stdout   string
	runErr   error
}

func newFakeExec() *fakeExec {
	return &fakeExec{uploads: make(map[string][]byte)}
}

func (f *fakeExec) Run(ctx context.Context, host core.Host, command string, timeout time.Duration) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if f.runErr != nil {
		return remote.Result{}, f.runErr
	}
	// Emulate renames so uploads behave like the proxy host's disk.
	for _, part := range strings.Split(command, " && ") {
		fields := strings.Fields(part)
		if len(fields) == 4 && fields[0] == "mv" && fields[1] == "-f" {
			if data, ok := f.uploads[fields[2]]; ok {
				f.uploads[fields[3]] = data
				delete(f.uploads, fields[2])
			}
		}
	}
	return remote.Result{Stdout: f.stdout}, nil
}

func (f *fakeExec) Download(ctx context.Context, host core.Host, remotePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.uploads[remotePath]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (f *fakeExec) FileExists(ctx context.Context, host core.Host, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, "test -f "+path)
	_, ok := f.uploads[path]
	return ok, nil
}

func (f *fakeExec) Upload(ctx context.Context, host core.Host, content []byte, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, "upload "+remotePath)
	f.uploads[remotePath] = content
	return nil
}

func (f *fakeExec) Mkdir(ctx context.Context, host core.Host, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, "mkdir -p "+path)
	return nil
}

func (f *fakeExec) lastDocument(t *testing.T) dynamicConfig {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.uploads[DynamicConfigPath]
	if !ok {
		t.Fatal("Routing document was never installed")
	}
	var doc dynamicConfig
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Routing document is not valid YAML: %v", err)
	}
	return doc
}

type fakeCerts struct {
	mu      sync.Mutex
	tracked map[string]int
	usable  map[string]bool
}

func newFakeCerts() *fakeCerts {
	return &fakeCerts{tracked: make(map[string]int), usable: make(map[string]bool)}
}

func (f *fakeCerts) Track(domain string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked[domain]++
}

func (f *fakeCerts) Release(domain string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked[domain]--
}

func (f *fakeCerts) Usable(domain string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usable[domain]
}

func testManager() (*Manager, *fakeExec, *fakeCerts) {
	exec := newFakeExec()
	certs := newFakeCerts()
	m := NewManager(exec, core.Host{Name: "proxy-1", Address: "10.0.0.1", Role: core.RoleProxy},
		"example.com", config.TraefikConfig{})
	m.SetCertTracker(certs)
	return m, exec, certs
}

func grafanaRoute() core.RouteEntry {
	return core.RouteEntry{
		Hostname:    "grafana.example.com",
		BackendHost: "10.0.0.2",
		BackendPort: 3000,
		Stack:       "grafana",
		TLS:         true,
	}
}

func TestRegisterWritesAtomically(t *testing.T) {
	m, exec, _ := testManager()

	if err := m.Register(context.Background(), grafanaRoute()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	exec.mu.Lock()
	commands := append([]string(nil), exec.commands...)
	exec.mu.Unlock()

	want := []string{
		"upload " + DynamicConfigPath + ".tmp",
		"upload " + StatePath + ".tmp",
		"mv -f " + DynamicConfigPath + ".tmp " + DynamicConfigPath +
			" && mv -f " + StatePath + ".tmp " + StatePath,
	}
	if len(commands) != len(want) {
		t.Fatalf("Expected %d operations, got %v", len(want), commands)
	}
	for i, cmd := range want {
		if commands[i] != cmd {
			t.Errorf("Operation %d: expected %q, got %q", i, cmd, commands[i])
		}
	}
}

func TestRegisterRendersDegradedRouteWithoutCert(t *testing.T) {
	m, exec, _ := testManager()

	if err := m.Register(context.Background(), grafanaRoute()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	doc := exec.lastDocument(t)
	r, ok := doc.HTTP.Routers["grafana-example-com"]
	if !ok {
		t.Fatalf("Router missing, got %v", doc.HTTP.Routers)
	}
	if r.Rule != "Host(`grafana.example.com`)" {
		t.Errorf("Unexpected rule %q", r.Rule)
	}
	if len(r.EntryPoints) != 1 || r.EntryPoints[0] != "web" {
		t.Errorf("Route without installed cert must use the web entrypoint, got %v", r.EntryPoints)
	}
	if r.TLS != nil {
		t.Error("Route without installed cert must not enable TLS")
	}
	svc, ok := doc.HTTP.Services["grafana-example-com"]
	if !ok {
		t.Fatal("Service missing")
	}
	if got := svc.LoadBalancer.Servers[0].URL; got != "http://10.0.0.2:3000" {
		t.Errorf("Unexpected backend URL %q", got)
	}
	if doc.TLS != nil {
		t.Error("No certificates should be listed without an installed cert")
	}
}

func TestResyncPromotesRouteOnceCertUsable(t *testing.T) {
	m, exec, certs := testManager()

	if err := m.Register(context.Background(), grafanaRoute()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	certs.usable["grafana.example.com"] = true
	if err := m.Resync(context.Background()); err != nil {
		t.Fatalf("Resync failed: %v", err)
	}

	doc := exec.lastDocument(t)
	r := doc.HTTP.Routers["grafana-example-com"]
	if len(r.EntryPoints) != 1 || r.EntryPoints[0] != "websecure" {
		t.Errorf("Route with installed cert must use websecure, got %v", r.EntryPoints)
	}
	if r.TLS == nil {
		t.Error("Route with installed cert must enable TLS")
	}
	if doc.TLS == nil || len(doc.TLS.Certificates) != 1 {
		t.Fatalf("Expected one certificate entry, got %+v", doc.TLS)
	}
	cert := doc.TLS.Certificates[0]
	if cert.CertFile != "/certs/grafana.example.com/cert.pem" || cert.KeyFile != "/certs/grafana.example.com/key.pem" {
		t.Errorf("Unexpected certificate paths: %+v", cert)
	}
}

func TestRegisterSupersedesHostname(t *testing.T) {
	m, exec, _ := testManager()

	if err := m.Register(context.Background(), grafanaRoute()); err != nil {
		t.Fatalf("First register failed: %v", err)
	}
	second := grafanaRoute()
	second.BackendHost = "10.0.0.3"
	second.Stack = "grafana-new"
	if err := m.Register(context.Background(), second); err != nil {
		t.Fatalf("Second register failed: %v", err)
	}

	if len(m.Routes()) != 1 {
		t.Fatalf("Expected one route, got %d", len(m.Routes()))
	}
	doc := exec.lastDocument(t)
	if len(doc.HTTP.Routers) != 1 {
		t.Errorf("Expected one router, got %d", len(doc.HTTP.Routers))
	}
	if got := doc.HTTP.Services["grafana-example-com"].LoadBalancer.Servers[0].URL; got != "http://10.0.0.3:3000" {
		t.Errorf("Superseding route must win, got backend %q", got)
	}
}

func TestRemoveReleasesCert(t *testing.T) {
	m, _, certs := testManager()

	if err := m.Register(context.Background(), grafanaRoute()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if certs.tracked["grafana.example.com"] != 1 {
		t.Fatalf("Expected domain tracked once, got %d", certs.tracked["grafana.example.com"])
	}

	if err := m.Remove(context.Background(), "grafana.example.com"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if certs.tracked["grafana.example.com"] != 0 {
		t.Errorf("Expected domain released, got %d refs", certs.tracked["grafana.example.com"])
	}
	if len(m.Routes()) != 0 {
		t.Error("Route must be gone after Remove")
	}

	// Removing again is a no-op.
	if err := m.Remove(context.Background(), "grafana.example.com"); err != nil {
		t.Errorf("Second Remove failed: %v", err)
	}
}

func TestRegisterRollsBackOnWriteFailure(t *testing.T) {
	m, exec, certs := testManager()
	exec.runErr = errors.New("disk full")

	err := m.Register(context.Background(), grafanaRoute())
	if err == nil {
		t.Fatal("Expected write failure to fail registration")
	}
	var cwe *core.ConfigWriteError
	if !errors.As(err, &cwe) {
		t.Errorf("Expected ConfigWriteError, got %v", err)
	}
	if len(m.Routes()) != 0 {
		t.Error("Failed registration must not leave the route in the table")
	}
	if certs.tracked["grafana.example.com"] != 0 {
		t.Error("Failed registration must not track a certificate")
	}
}

func TestDashboardRouter(t *testing.T) {
	exec := newFakeExec()
	m := NewManager(exec, core.Host{Name: "proxy-1", Address: "10.0.0.1"}, "example.com", config.TraefikConfig{
		DashboardEnabled:   true,
		DashboardSubdomain: "traefik",
		DashboardAuth:      "admin:$apr1$abcdefgh$123456789",
	})

	if err := m.Resync(context.Background()); err != nil {
		t.Fatalf("Resync failed: %v", err)
	}

	doc := exec.lastDocument(t)
	r, ok := doc.HTTP.Routers["dashboard"]
	if !ok {
		t.Fatal("Dashboard router missing")
	}
	if r.Service != "api@internal" {
		t.Errorf("Dashboard must route to api@internal, got %q", r.Service)
	}
	if !strings.Contains(r.Rule, "traefik.example.com") {
		t.Errorf("Dashboard rule must match the dashboard hostname, got %q", r.Rule)
	}
	if len(r.Middlewares) != 1 || r.Middlewares[0] != "dashboard-auth" {
		t.Errorf("Dashboard must be behind basic auth, got %v", r.Middlewares)
	}
	mw, ok := doc.HTTP.Middlewares["dashboard-auth"]
	if !ok || mw.BasicAuth == nil || len(mw.BasicAuth.Users) != 1 {
		t.Fatalf("Expected basic auth middleware, got %+v", doc.HTTP.Middlewares)
	}
}

func TestBootstrapLaysOutProxyHost(t *testing.T) {
	m, exec, _ := testManager()

	if err := m.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	for _, path := range []string{
		TraefikBasePath + "/traefik.yml",
		TraefikBasePath + "/docker-compose.yml",
		DynamicConfigPath,
		StatePath,
	} {
		if _, ok := exec.uploads[path]; !ok {
			t.Errorf("Expected upload of %s", path)
		}
	}

	static := string(exec.uploads[TraefikBasePath+"/traefik.yml"])
	if !strings.Contains(static, "directory: /dynamic") {
		t.Error("Static config must point the file provider at the dynamic directory")
	}

	var sawStart bool
	for _, cmd := range exec.commands {
		if strings.Contains(cmd, "docker compose pull && docker compose up -d") {
			sawStart = true
		}
	}
	if !sawStart {
		t.Error("Bootstrap must start the traefik container")
	}
}

func TestLoadRecoversRoutesAcrossInvocations(t *testing.T) {
	// One fakeExec stands in for the proxy host's disk; two managers stand
	// in for two CLI invocations.
	exec := newFakeExec()
	host := core.Host{Name: "proxy-1", Address: "10.0.0.1", Role: core.RoleProxy}

	first := NewManager(exec, host, "example.com", config.TraefikConfig{})
	first.SetCertTracker(newFakeCerts())
	if err := first.Register(context.Background(), grafanaRoute()); err != nil {
		t.Fatalf("First register failed: %v", err)
	}

	second := NewManager(exec, host, "example.com", config.TraefikConfig{})
	certs := newFakeCerts()
	second.SetCertTracker(certs)
	if err := second.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := second.Register(context.Background(), core.RouteEntry{
		Hostname:    "n8n.example.com",
		BackendHost: "10.0.0.3",
		BackendPort: 5678,
		Stack:       "n8n",
		TLS:         true,
	}); err != nil {
		t.Fatalf("Second register failed: %v", err)
	}

	// The live document must keep the route registered by the earlier
	// invocation.
	doc := exec.lastDocument(t)
	for _, name := range []string{"grafana-example-com", "n8n-example-com"} {
		if _, ok := doc.HTTP.Routers[name]; !ok {
			t.Errorf("Router %s missing after recovery, got %v", name, doc.HTTP.Routers)
		}
	}
	if len(second.Routes()) != 2 {
		t.Errorf("Expected 2 routes after recovery, got %d", len(second.Routes()))
	}
	if certs.tracked["grafana.example.com"] != 1 {
		t.Errorf("Recovered TLS hostname must be re-tracked, got %d refs", certs.tracked["grafana.example.com"])
	}
}

func TestLoadWithoutStateFile(t *testing.T) {
	m, _, certs := testManager()

	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load on a fresh proxy host must succeed: %v", err)
	}
	if len(m.Routes()) != 0 {
		t.Errorf("Expected empty table, got %d routes", len(m.Routes()))
	}
	if len(certs.tracked) != 0 {
		t.Errorf("Nothing should be tracked, got %v", certs.tracked)
	}
}

func TestTraefikOperations(t *testing.T) {
	m, exec, _ := testManager()
	exec.stdout = "traefik   running"

	status, err := m.TraefikStatus(context.Background())
	if err != nil {
		t.Fatalf("TraefikStatus failed: %v", err)
	}
	if !strings.Contains(status, "running") {
		t.Errorf("Expected container status output, got %q", status)
	}
	if _, err := m.TraefikLogs(context.Background(), 50); err != nil {
		t.Fatalf("TraefikLogs failed: %v", err)
	}
	if err := m.RestartTraefik(context.Background()); err != nil {
		t.Fatalf("RestartTraefik failed: %v", err)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	want := []string{
		"cd " + TraefikBasePath + " && docker compose ps",
		"cd " + TraefikBasePath + " && docker compose logs --tail 50 traefik",
		"cd " + TraefikBasePath + " && docker compose restart traefik",
	}
	for i, cmd := range want {
		if exec.commands[i] != cmd {
			t.Errorf("Operation %d: expected %q, got %q", i, cmd, exec.commands[i])
		}
	}
}
