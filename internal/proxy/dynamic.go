package proxy

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"dockhand/internal/core"
)

// Traefik file-provider document. The whole file is regenerated from the
// route table on every change; nothing is patched in place.
type dynamicConfig struct {
	HTTP httpConfig `yaml:"http"`
	TLS  *tlsConfig `yaml:"tls,omitempty"`
}

type httpConfig struct {
	Routers     map[string]router     `yaml:"routers"`
	Services    map[string]service    `yaml:"services,omitempty"`
	Middlewares map[string]middleware `yaml:"middlewares,omitempty"`
}

type router struct {
	Rule        string     `yaml:"rule"`
	Service     string     `yaml:"service"`
	EntryPoints []string   `yaml:"entryPoints"`
	Middlewares []string   `yaml:"middlewares,omitempty"`
	TLS         *routerTLS `yaml:"tls,omitempty"`
}

type routerTLS struct{}

type service struct {
	LoadBalancer loadBalancer `yaml:"loadBalancer"`
}

type loadBalancer struct {
	Servers []serverURL `yaml:"servers"`
}

type serverURL struct {
	URL string `yaml:"url"`
}

type middleware struct {
	BasicAuth *basicAuth `yaml:"basicAuth,omitempty"`
}

type basicAuth struct {
	Users []string `yaml:"users"`
}

type tlsConfig struct {
	Certificates []certificateFile `yaml:"certificates"`
}

type certificateFile struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// routerName turns a hostname into a Traefik object key.
func routerName(hostname string) string {
	return strings.ReplaceAll(hostname, ".", "-")
}

// renderDynamic builds the routing document for a set of routes. A route is
// served over TLS only when its certificate is installed; until then it
// stays reachable over plain HTTP so a slow issuance never blanks a site.
func renderDynamic(routes []core.RouteEntry, certInstalled func(domain string) bool, dash *dashboard) ([]byte, error) {
	sort.Slice(routes, func(i, j int) bool { return routes[i].Hostname < routes[j].Hostname })

	doc := dynamicConfig{
		HTTP: httpConfig{
			Routers:  make(map[string]router),
			Services: make(map[string]service),
		},
	}

	var certs []certificateFile
	for _, rt := range routes {
		name := routerName(rt.Hostname)
		secure := rt.TLS && certInstalled != nil && certInstalled(rt.Hostname)

		r := router{
			Rule:        rt.RouterRule(),
			Service:     name,
			EntryPoints: []string{"web"},
		}
		if secure {
			r.EntryPoints = []string{"websecure"}
			r.TLS = &routerTLS{}
			certs = append(certs, certificateFile{
				CertFile: fmt.Sprintf("/certs/%s/cert.pem", rt.Hostname),
				KeyFile:  fmt.Sprintf("/certs/%s/key.pem", rt.Hostname),
			})
		}
		doc.HTTP.Routers[name] = r
		doc.HTTP.Services[name] = service{
			LoadBalancer: loadBalancer{Servers: []serverURL{{URL: rt.BackendURL()}}},
		}
	}

	if dash != nil && dash.enabled {
		r := router{
			Rule:        fmt.Sprintf("Host(`%s`)", dash.hostname),
			Service:     "api@internal",
			EntryPoints: []string{"web"},
		}
		if dash.auth != "" {
			doc.HTTP.Middlewares = map[string]middleware{
				"dashboard-auth": {BasicAuth: &basicAuth{Users: []string{dash.auth}}},
			}
			r.Middlewares = []string{"dashboard-auth"}
		}
		if certInstalled != nil && certInstalled(dash.hostname) {
			r.EntryPoints = []string{"websecure"}
			r.TLS = &routerTLS{}
			certs = append(certs, certificateFile{
				CertFile: fmt.Sprintf("/certs/%s/cert.pem", dash.hostname),
				KeyFile:  fmt.Sprintf("/certs/%s/key.pem", dash.hostname),
			})
		}
		doc.HTTP.Routers["dashboard"] = r
	}

	if len(certs) > 0 {
		doc.TLS = &tlsConfig{Certificates: certs}
	}
	return yaml.Marshal(doc)
}

// dashboard is the optional Traefik dashboard exposure.
type dashboard struct {
	enabled  bool
	hostname string
	auth     string // htpasswd-format user:hash
}
