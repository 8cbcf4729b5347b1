package core

import (
	"testing"
	"time"
)

func TestRouterRule(t *testing.T) {
	tests := []struct {
		name  string
		entry RouteEntry
		want  string
	}{
		{"host only", RouteEntry{Hostname: "grafana.example.com"}, "Host(`grafana.example.com`)"},
		{"root prefix ignored", RouteEntry{Hostname: "a.example.com", PathPrefix: "/"}, "Host(`a.example.com`)"},
		{"with prefix", RouteEntry{Hostname: "a.example.com", PathPrefix: "/api"}, "Host(`a.example.com`) && PathPrefix(`/api`)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.RouterRule(); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestBackendURL(t *testing.T) {
	entry := RouteEntry{BackendHost: "10.0.0.2", BackendPort: 3000}
	if got := entry.BackendURL(); got != "http://10.0.0.2:3000" {
		t.Errorf("Unexpected backend URL %q", got)
	}
}

func TestDeployStateTerminal(t *testing.T) {
	for state, terminal := range map[DeployState]bool{
		StatePending:           false,
		StateValidating:        false,
		StateContainersStarted: false,
		StateRouteRegistered:   true,
		StateFailed:            true,
	} {
		if state.Terminal() != terminal {
			t.Errorf("%s: expected Terminal()=%v", state, terminal)
		}
	}
}

func TestCertificateUsable(t *testing.T) {
	for state, usable := range map[CertState]bool{
		CertRequested: false,
		CertPending:   false,
		CertValid:     true,
		CertRenewing:  true,
		CertExpired:   false,
	} {
		cert := Certificate{State: state}
		if cert.Usable() != usable {
			t.Errorf("%s: expected Usable()=%v", state, usable)
		}
	}
}

func TestHostSSHAddr(t *testing.T) {
	h := Host{Address: "10.0.0.1"}
	if got := h.SSHAddr(); got != "10.0.0.1:22" {
		t.Errorf("Expected default port 22, got %q", got)
	}
	h.SSHPort = 2222
	if got := h.SSHAddr(); got != "10.0.0.1:2222" {
		t.Errorf("Expected explicit port, got %q", got)
	}
}

func TestTransitionStamps(t *testing.T) {
	rec := DeploymentRecord{}
	before := time.Now()
	rec.Transition(StateValidating)

	if rec.State != StateValidating {
		t.Errorf("Expected state validating, got %s", rec.State)
	}
	stamp, ok := rec.Transitions[StateValidating]
	if !ok {
		t.Fatal("Transition not recorded")
	}
	if stamp.Before(before) {
		t.Error("Transition stamp in the past")
	}
	if rec.UpdatedAt != stamp {
		t.Error("UpdatedAt must match the transition stamp")
	}
}
