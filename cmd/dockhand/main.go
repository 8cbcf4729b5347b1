package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"dockhand/internal/certs"
	"dockhand/internal/config"
	"dockhand/internal/core"
	"dockhand/internal/deploy"
	"dockhand/internal/dns"
	"dockhand/internal/proxy"
	"dockhand/internal/remote"
	"dockhand/internal/stacks"
)

const maxConcurrentDeploys = 4

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: dockhand [-config DIR] COMMAND [ARGS]

Commands:
  deploy         Deploy a stack to a host
  undeploy       Stop a stack and remove its route
  status         Show routes, certificates and container state
  stacks         List available stacks
  hosts          Test connectivity to every host
  proxy-init     Install and start Traefik on the proxy host
  proxy-logs     Show the Traefik container log
  proxy-restart  Restart the Traefik container
  run            Run the certificate renewal loop in the foreground
`)
}

func main() {
	configDir := flag.String("config", "config", "configuration directory")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(*configDir)
	if err != nil {
		log.Fatalf("[MAIN] %v", err)
	}
	defer app.exec.CloseAll()

	switch args[0] {
	case "deploy":
		err = app.cmdDeploy(ctx, args[1:])
	case "undeploy":
		err = app.cmdUndeploy(ctx, args[1:])
	case "status":
		err = app.cmdStatus(ctx)
	case "stacks":
		err = app.cmdStacks()
	case "hosts":
		err = app.cmdHosts(ctx)
	case "proxy-init":
		err = app.cmdProxyInit(ctx)
	case "proxy-logs":
		err = app.cmdProxyLogs(ctx, args[1:])
	case "proxy-restart":
		err = app.cmdProxyRestart(ctx)
	case "run":
		err = app.cmdRun(ctx)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("[MAIN] %v", err)
	}
}

// app bundles every component; all wiring happens here and nowhere else.
type app struct {
	settings config.Settings
	hosts    config.Hosts
	exec     *remote.Executor
	catalog  *stacks.Catalog
	proxyMgr *proxy.Manager
	certMgr  *certs.Manager
	pipeline *deploy.Pipeline
	runner   *deploy.Runner
}

func newApp(configDir string) (*app, error) {
	settings, err := config.LoadSettings(configDir)
	if err != nil {
		return nil, err
	}
	if settings.Domain == "" {
		return nil, fmt.Errorf("domain is not configured (settings.yml or DOCKHAND_DOMAIN)")
	}

	hosts, err := config.LoadHosts(configDir)
	if err != nil {
		return nil, err
	}
	proxyHost, ok := hosts.ProxyHost()
	if !ok {
		return nil, fmt.Errorf("no host with role %q in hosts.yml", core.RoleProxy)
	}

	exec := remote.NewExecutor()

	dnsClient, err := dns.NewClient(settings.Cloudflare, proxyHost.Address)
	if err != nil {
		return nil, err
	}

	issuer := certs.NewACMEIssuer(
		settings.SSL.DirectoryURL,
		settings.Email,
		filepath.Join(configDir, "acme_account.key"),
		dnsClient,
	)
	certMgr := certs.NewManager(issuer, exec, proxyHost, proxy.CertsBasePath,
		settings.Certs.RenewalThreshold(), settings.Certs.ScanInterval())

	proxyMgr := proxy.NewManager(exec, proxyHost, settings.Domain, settings.Traefik)
	proxyMgr.SetCertTracker(certMgr)
	proxyMgr.SetDNS(dnsClient)

	certMgr.SetOnTransition(func(domain string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := proxyMgr.Resync(ctx); err != nil {
			log.Printf("[MAIN] Routing resync after %s transition failed: %v", domain, err)
		}
	})

	catalog := stacks.Default()
	records := deploy.NewRecordStore()
	pipeline := deploy.NewPipeline(exec, proxyMgr, catalog, records, settings.Domain)

	return &app{
		settings: settings,
		hosts:    hosts,
		exec:     exec,
		catalog:  catalog,
		proxyMgr: proxyMgr,
		certMgr:  certMgr,
		pipeline: pipeline,
		runner:   deploy.NewRunner(pipeline, maxConcurrentDeploys),
	}, nil
}

// recoverState seeds the in-memory tables from the proxy host. Every
// invocation starts empty; skipping this would make the next routing write
// drop routes registered by earlier invocations.
func (a *app) recoverState(ctx context.Context) error {
	if err := a.proxyMgr.Load(ctx); err != nil {
		return err
	}
	return a.certMgr.Restore(ctx)
}

// envFlag collects repeated -env KEY=VALUE flags.
type envFlag map[string]string

func (e envFlag) String() string { return "" }

func (e envFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", v)
	}
	e[key] = value
	return nil
}

func (a *app) cmdDeploy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	hostName := fs.String("host", "", "target host name")
	stackName := fs.String("stack", "", "stack to deploy")
	subdomain := fs.String("subdomain", "", "public subdomain")
	port := fs.Int("port", 0, "published host port (0 = stack default)")
	env := envFlag{}
	fs.Var(env, "env", "environment variable KEY=VALUE (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *hostName == "" || *stackName == "" || *subdomain == "" {
		return fmt.Errorf("deploy requires -host, -stack and -subdomain")
	}

	host, err := a.hosts.ByName(*hostName)
	if err != nil {
		return err
	}
	if err := a.recoverState(ctx); err != nil {
		return err
	}

	cfg := core.StackConfig{Subdomain: *subdomain, Port: *port, Env: env}
	rec, err := a.runner.Deploy(ctx, host, *stackName, cfg)
	if err != nil {
		return err
	}

	// Issue the certificate right away instead of waiting for the loop.
	a.certMgr.Sync(ctx)

	fmt.Printf("Deployed %s to %s (%s)\n", rec.Stack, rec.Host, rec.State)
	fmt.Printf("  https://%s.%s\n", *subdomain, a.settings.Domain)
	return nil
}

func (a *app) cmdUndeploy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("undeploy", flag.ExitOnError)
	hostName := fs.String("host", "", "target host name")
	stackName := fs.String("stack", "", "stack to undeploy")
	removeFiles := fs.Bool("remove-files", false, "also delete the stack directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *hostName == "" || *stackName == "" {
		return fmt.Errorf("undeploy requires -host and -stack")
	}

	host, err := a.hosts.ByName(*hostName)
	if err != nil {
		return err
	}
	if err := a.recoverState(ctx); err != nil {
		return err
	}
	if err := a.runner.Undeploy(ctx, host, *stackName, *removeFiles); err != nil {
		return err
	}
	fmt.Printf("Undeployed %s from %s\n", *stackName, *hostName)
	return nil
}

func (a *app) cmdStatus(ctx context.Context) error {
	if err := a.recoverState(ctx); err != nil {
		return err
	}

	routes := a.proxyMgr.Routes()
	sort.Slice(routes, func(i, j int) bool { return routes[i].Hostname < routes[j].Hostname })

	fmt.Println("Routes:")
	if len(routes) == 0 {
		fmt.Println("  (none)")
	}
	for _, rt := range routes {
		serving := "http"
		if rt.TLS {
			if a.certMgr.Usable(rt.Hostname) {
				serving = "https"
			} else {
				serving = "degraded (no usable certificate)"
			}
		}
		fmt.Printf("  %-32s -> %-24s %-12s %s\n", rt.Hostname, rt.BackendURL(), rt.Stack, serving)
	}

	fmt.Println("Certificates:")
	certList := a.certMgr.List()
	if len(certList) == 0 {
		fmt.Println("  (none)")
	}
	for _, cert := range certList {
		line := fmt.Sprintf("  %-32s %s", cert.Domain, cert.State)
		if !cert.ExpiresAt.IsZero() {
			line += fmt.Sprintf("  expires %s", cert.ExpiresAt.Format("2006-01-02"))
		}
		fmt.Println(line)
	}

	fmt.Println("Containers:")
	if len(routes) == 0 {
		fmt.Println("  (none)")
	}
	seen := make(map[string]bool)
	for _, rt := range routes {
		key := rt.BackendHost + "/" + rt.Stack
		if seen[key] {
			continue
		}
		seen[key] = true

		host, ok := a.hostByAddress(rt.BackendHost)
		if !ok {
			fmt.Printf("  %s: no host with address %s in hosts.yml\n", rt.Stack, rt.BackendHost)
			continue
		}
		out, err := a.pipeline.ContainerStatus(ctx, host, rt.Stack)
		if err != nil {
			fmt.Printf("  %s on %s: %v\n", rt.Stack, host.Name, err)
			continue
		}
		fmt.Printf("  %s on %s:\n%s\n", rt.Stack, host.Name, indent(out, "    "))
	}

	fmt.Println("Traefik:")
	if out, err := a.proxyMgr.TraefikStatus(ctx); err != nil {
		fmt.Printf("  unreachable: %v\n", err)
	} else {
		fmt.Println(indent(out, "  "))
	}
	return nil
}

func (a *app) hostByAddress(addr string) (core.Host, bool) {
	for _, h := range a.hosts.Hosts {
		if h.Address == addr {
			return h, true
		}
	}
	return core.Host{}, false
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := range lines {
		lines[i] = prefix + lines[i]
	}
	return strings.Join(lines, "\n")
}

func (a *app) cmdStacks() error {
	for _, def := range a.catalog.List() {
		info := def.Info()
		fmt.Printf("%-12s %-18s port %-5d  %s\n", info.Name, info.DisplayName, info.DefaultPort, info.Description)
		if len(info.RequiredEnv) > 0 {
			fmt.Printf("             requires: %s\n", strings.Join(info.RequiredEnv, ", "))
		}
	}
	return nil
}

func (a *app) cmdHosts(ctx context.Context) error {
	for i := range a.hosts.Hosts {
		host := &a.hosts.Hosts[i]
		if err := a.exec.TestConnection(ctx, host); err != nil {
			fmt.Printf("%-12s %-16s %-8s unreachable: %v\n", host.Name, host.Address, host.Role, err)
			continue
		}
		fmt.Printf("%-12s %-16s %-8s ok\n", host.Name, host.Address, host.Role)
	}
	return nil
}

func (a *app) cmdProxyInit(ctx context.Context) error {
	if err := a.recoverState(ctx); err != nil {
		return err
	}
	return a.proxyMgr.Bootstrap(ctx)
}

func (a *app) cmdProxyLogs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("proxy-logs", flag.ExitOnError)
	tail := fs.Int("tail", 100, "number of log lines")
	if err := fs.Parse(args); err != nil {
		return err
	}
	out, err := a.proxyMgr.TraefikLogs(ctx, *tail)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func (a *app) cmdProxyRestart(ctx context.Context) error {
	if err := a.proxyMgr.RestartTraefik(ctx); err != nil {
		return err
	}
	fmt.Println("Traefik restarted")
	return nil
}

func (a *app) cmdRun(ctx context.Context) error {
	// Seed the tables from the proxy host; the loop would otherwise scan an
	// empty table until a deployment happens in this process.
	if err := a.recoverState(ctx); err != nil {
		return err
	}
	log.Printf("[MAIN] Certificate loop running (scan every %s)", a.settings.Certs.ScanInterval())
	a.certMgr.Run(ctx)
	log.Printf("[MAIN] Shutting down")
	return nil
}
