package core

import (
	"fmt"
	"strings"
	"time"
)

// HostRole describes what a host is used for.
type HostRole string

const (
	RoleProxy  HostRole = "proxy"
	RoleWorker HostRole = "worker"
)

// Host is a machine reachable over SSH. Hosts come from the static host
// directory; the core only ever mutates the runtime liveness fields.
type Host struct {
	Name       string   `yaml:"name"`
	Address    string   `yaml:"address"`
	User       string   `yaml:"user"`
	SSHKeyPath string   `yaml:"ssh_key"`
	SSHPort    int      `yaml:"ssh_port"`
	Role       HostRole `yaml:"role"`

	// Runtime state (not persisted)
	Alive    bool      `yaml:"-"`
	LastSeen time.Time `yaml:"-"`
}

// SSHAddr returns the address:port to dial for SSH.
func (h Host) SSHAddr() string {
	port := h.SSHPort
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", h.Address, port)
}

// StackInfo describes a deployable stack.
type StackInfo struct {
	Name        string
	DisplayName string
	Description string
	DefaultPort int
	RequiredEnv []string
	OptionalEnv map[string]string
}

// StackConfig holds the runtime parameters for one deployment of a stack.
type StackConfig struct {
	Subdomain string
	Env       map[string]string
	Port      int // host port published for routing; 0 means the stack default
}

// StackDefinition is the capability pair every stack provides: a read-only
// descriptor and a pure compose generator.
type StackDefinition interface {
	Info() StackInfo
	GenerateCompose(cfg StackConfig) string
}

// DeployState is the lifecycle state of a DeploymentRecord.
type DeployState string

const (
	StatePending           DeployState = "pending"
	StateValidating        DeployState = "validating"
	StateDirectoryEnsured  DeployState = "directory_ensured"
	StateManifestUploaded  DeployState = "manifest_uploaded"
	StateImagesPulled      DeployState = "images_pulled"
	StateContainersStarted DeployState = "containers_started"
	StateRouteRegistered   DeployState = "route_registered"
	StateFailed            DeployState = "failed"
)

// Terminal reports whether the state is an end state.
func (s DeployState) Terminal() bool {
	return s == StateRouteRegistered || s == StateFailed
}

// DeploymentRecord tracks one (host, stack) deployment. Re-deploying the same
// pair mutates the existing record in place.
type DeploymentRecord struct {
	ID          string
	Host        string
	Stack       string
	State       DeployState
	Transitions map[DeployState]time.Time
	LastError   string
	Canceled    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Transition moves the record to a new state and stamps it.
func (r *DeploymentRecord) Transition(s DeployState) {
	now := time.Now()
	if r.Transitions == nil {
		r.Transitions = make(map[DeployState]time.Time)
	}
	r.State = s
	r.Transitions[s] = now
	r.UpdatedAt = now
}

// RouteEntry maps a public hostname (and optional path prefix) to a backend.
// At most one entry is active per hostname. Entries are persisted on the
// proxy host so a later invocation recovers the full table.
type RouteEntry struct {
	Hostname    string `yaml:"hostname"`
	PathPrefix  string `yaml:"path_prefix,omitempty"`
	BackendHost string `yaml:"backend_host"`
	BackendPort int    `yaml:"backend_port"`
	Stack       string `yaml:"stack"`
	TLS         bool   `yaml:"tls"`
}

// BackendURL returns the load-balancer server URL for the routing document.
func (r RouteEntry) BackendURL() string {
	return fmt.Sprintf("http://%s:%d", r.BackendHost, r.BackendPort)
}

// RouterRule renders the Traefik matching rule for this entry.
func (r RouteEntry) RouterRule() string {
	rule := fmt.Sprintf("Host(`%s`)", r.Hostname)
	if p := strings.TrimSpace(r.PathPrefix); p != "" && p != "/" {
		rule += fmt.Sprintf(" && PathPrefix(`%s`)", p)
	}
	return rule
}

// CertState is the lifecycle state of a tracked certificate.
type CertState string

const (
	CertRequested CertState = "requested"
	CertPending   CertState = "pending"
	CertValid     CertState = "valid"
	CertRenewing  CertState = "renewing"
	CertExpired   CertState = "expired"
)

// Certificate tracks the TLS certificate for one domain. Certificates are
// shared by every RouteEntry on that domain and dropped once unreferenced.
type Certificate struct {
	Domain      string
	State       CertState
	IssuedAt    time.Time
	ExpiresAt   time.Time
	LastAttempt time.Time
	Attempts    int
	LastError   string
}

// Remaining returns how much validity is left at the given instant.
func (c Certificate) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// Usable reports whether routes on this domain may be served with TLS.
// A renewing certificate still has its previous keypair installed.
func (c Certificate) Usable() bool {
	return c.State == CertValid || c.State == CertRenewing
}
