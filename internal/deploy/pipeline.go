package deploy

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"dockhand/internal/core"
	"dockhand/internal/remote"
	"dockhand/internal/stacks"
)

// StacksBasePath is where stack directories live on worker hosts.
const StacksBasePath = "/opt/stacks"

const (
	pullTimeout    = 10 * time.Minute
	composeTimeout = 5 * time.Minute
)

var subdomainRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Executor is the remote access the pipeline needs.
type Executor interface {
	Run(ctx context.Context, host core.Host, command string, timeout time.Duration) (remote.Result, error)
	Upload(ctx context.Context, host core.Host, content []byte, remotePath string) error
	Mkdir(ctx context.Context, host core.Host, path string) error
}

// Router is the routing table the pipeline registers deployments with.
type Router interface {
	Register(ctx context.Context, entry core.RouteEntry) error
	Remove(ctx context.Context, hostname string) error
	RoutesForHost(backendHost string) []core.RouteEntry
}

// Pipeline drives a deployment through its states. Each remote step is
// idempotent so a failed deployment can simply be re-run.
type Pipeline struct {
	exec    Executor
	router  Router
	catalog *stacks.Catalog
	records *RecordStore
	domain  string
}

// NewPipeline creates a deployment pipeline.
func NewPipeline(exec Executor, router Router, catalog *stacks.Catalog, records *RecordStore, domain string) *Pipeline {
	return &Pipeline{
		exec:    exec,
		router:  router,
		catalog: catalog,
		records: records,
		domain:  domain,
	}
}

// deployment is the in-flight state threaded through the pipeline steps.
type deployment struct {
	host    core.Host
	def     core.StackDefinition
	info    core.StackInfo
	cfg     core.StackConfig
	rec     *core.DeploymentRecord
	path    string
	started bool
}

type step struct {
	state core.DeployState
	run   func(ctx context.Context, d *deployment) error
}

// Deploy runs the full pipeline for one stack on one host. The returned
// record is also kept in the store; on failure it carries the error and the
// returned error is non-nil.
func (p *Pipeline) Deploy(ctx context.Context, host core.Host, stackName string, cfg core.StackConfig) (*core.DeploymentRecord, error) {
	rec := p.records.Ensure(host.Name, stackName)
	d := &deployment{host: host, cfg: cfg, rec: rec}

	log.Printf("[DEPLOY] [%s] Deploying %s", host.Name, stackName)

	rec.Transition(core.StateValidating)
	if err := p.validate(d); err != nil {
		return p.fail(d, err)
	}

	steps := []step{
		{core.StateDirectoryEnsured, p.stepEnsureDirectory},
		{core.StateManifestUploaded, p.stepUploadManifest},
		{core.StateImagesPulled, p.stepPullImages},
		{core.StateContainersStarted, p.stepStartContainers},
		{core.StateRouteRegistered, p.stepRegisterRoute},
	}
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			rec.Canceled = true
			return p.fail(d, fmt.Errorf("%w: %v", core.ErrCanceled, err))
		}
		if err := st.run(ctx, d); err != nil {
			return p.fail(d, err)
		}
		rec.Transition(st.state)
		log.Printf("[DEPLOY] [%s] %s: %s", host.Name, stackName, st.state)
	}

	log.Printf("[DEPLOY] [%s] %s deployed at https://%s.%s", host.Name, stackName, d.cfg.Subdomain, p.domain)
	return rec, nil
}

// fail marks the record failed and undoes the only step that leaves the host
// actively serving, stopping containers that were started. Uploaded files
// stay behind for inspection and are overwritten by the next attempt.
func (p *Pipeline) fail(d *deployment, err error) (*core.DeploymentRecord, error) {
	d.rec.LastError = err.Error()
	d.rec.Transition(core.StateFailed)
	log.Printf("[DEPLOY] [%s] %s failed: %v", d.host.Name, d.rec.Stack, err)

	if d.started {
		ctx, cancel := context.WithTimeout(context.Background(), composeTimeout)
		defer cancel()
		if derr := p.compose(ctx, d.host, d.path, "down"); derr != nil {
			log.Printf("[DEPLOY] [%s] Rollback of %s failed: %v", d.host.Name, d.rec.Stack, derr)
		}
	}
	return d.rec, err
}

// validate resolves the stack definition and normalizes the config. It never
// touches the remote host.
func (p *Pipeline) validate(d *deployment) error {
	def, err := p.catalog.Get(d.rec.Stack)
	if err != nil {
		return &core.ValidationError{Reason: fmt.Sprintf("unknown stack %q", d.rec.Stack)}
	}
	d.def = def
	d.info = def.Info()
	d.path = fmt.Sprintf("%s/%s", StacksBasePath, d.info.Name)

	sub := strings.ToLower(strings.TrimSpace(d.cfg.Subdomain))
	if sub == "" {
		return &core.ValidationError{Reason: "subdomain is required"}
	}
	if !subdomainRe.MatchString(sub) {
		return &core.ValidationError{Reason: fmt.Sprintf("invalid subdomain %q", sub)}
	}
	d.cfg.Subdomain = sub

	env := make(map[string]string, len(d.cfg.Env)+len(d.info.OptionalEnv)+1)
	for k, v := range d.cfg.Env {
		env[k] = v
	}
	for k, v := range d.info.OptionalEnv {
		if _, ok := env[k]; !ok {
			env[k] = v
		}
	}
	env["DOMAIN"] = p.domain

	var missing []string
	for _, key := range d.info.RequiredEnv {
		if strings.TrimSpace(env[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &core.ValidationError{Reason: fmt.Sprintf("missing required env: %s", strings.Join(missing, ", "))}
	}
	d.cfg.Env = env

	if d.cfg.Port == 0 {
		d.cfg.Port = d.info.DefaultPort
	}
	if d.cfg.Port < 1 || d.cfg.Port > 65535 {
		return &core.ValidationError{Reason: fmt.Sprintf("invalid port %d", d.cfg.Port)}
	}
	for _, rt := range p.router.RoutesForHost(d.host.Address) {
		if rt.BackendPort == d.cfg.Port && rt.Stack != d.rec.Stack {
			return &core.ValidationError{
				Reason: fmt.Sprintf("port %d on %s already claimed by %s", d.cfg.Port, d.host.Name, rt.Stack),
			}
		}
	}
	return nil
}

func (p *Pipeline) stepEnsureDirectory(ctx context.Context, d *deployment) error {
	return p.exec.Mkdir(ctx, d.host, d.path)
}

func (p *Pipeline) stepUploadManifest(ctx context.Context, d *deployment) error {
	compose := d.def.GenerateCompose(d.cfg)
	if err := p.exec.Upload(ctx, d.host, []byte(compose), d.path+"/docker-compose.yml"); err != nil {
		return err
	}
	return p.exec.Upload(ctx, d.host, []byte(renderEnvFile(d.cfg.Env)), d.path+"/.env")
}

func (p *Pipeline) stepPullImages(ctx context.Context, d *deployment) error {
	cmd := fmt.Sprintf("cd %s && docker compose pull", d.path)
	res, err := p.exec.Run(ctx, d.host, cmd, pullTimeout)
	if err != nil {
		return err
	}
	if !res.Success() {
		return &core.RemoteCommandError{Host: d.host.Name, Command: cmd, ExitCode: res.ExitCode, Output: res.Output()}
	}
	return nil
}

func (p *Pipeline) stepStartContainers(ctx context.Context, d *deployment) error {
	if err := p.compose(ctx, d.host, d.path, "up -d"); err != nil {
		return err
	}
	d.started = true
	return nil
}

func (p *Pipeline) stepRegisterRoute(ctx context.Context, d *deployment) error {
	entry := core.RouteEntry{
		Hostname:    fmt.Sprintf("%s.%s", d.cfg.Subdomain, p.domain),
		BackendHost: d.host.Address,
		BackendPort: d.cfg.Port,
		Stack:       d.rec.Stack,
		TLS:         true,
	}
	return p.router.Register(ctx, entry)
}

// Undeploy stops a stack's containers and removes its route. Files under the
// stack directory are kept unless removeFiles is set.
func (p *Pipeline) Undeploy(ctx context.Context, host core.Host, stackName string, removeFiles bool) error {
	def, err := p.catalog.Get(stackName)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/%s", StacksBasePath, def.Info().Name)

	log.Printf("[DEPLOY] [%s] Undeploying %s", host.Name, stackName)
	if err := p.compose(ctx, host, path, "down"); err != nil {
		return err
	}

	for _, rt := range p.router.RoutesForHost(host.Address) {
		if rt.Stack != stackName {
			continue
		}
		if err := p.router.Remove(ctx, rt.Hostname); err != nil {
			return err
		}
	}

	if removeFiles {
		cmd := fmt.Sprintf("rm -rf %s", path)
		res, err := p.exec.Run(ctx, host, cmd, 30*time.Second)
		if err != nil {
			return err
		}
		if !res.Success() {
			return &core.RemoteCommandError{Host: host.Name, Command: cmd, ExitCode: res.ExitCode, Output: res.Output()}
		}
	}

	p.records.Delete(host.Name, stackName)
	log.Printf("[DEPLOY] [%s] %s undeployed", host.Name, stackName)
	return nil
}

// ContainerStatus returns the compose status lines for a stack on a host.
func (p *Pipeline) ContainerStatus(ctx context.Context, host core.Host, stackName string) (string, error) {
	def, err := p.catalog.Get(stackName)
	if err != nil {
		return "", err
	}
	cmd := fmt.Sprintf("cd %s/%s && docker compose ps", StacksBasePath, def.Info().Name)
	res, err := p.exec.Run(ctx, host, cmd, 30*time.Second)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", &core.RemoteCommandError{Host: host.Name, Command: cmd, ExitCode: res.ExitCode, Output: res.Output()}
	}
	return res.Stdout, nil
}

// compose runs a docker compose subcommand in the stack directory.
func (p *Pipeline) compose(ctx context.Context, host core.Host, dir, args string) error {
	cmd := fmt.Sprintf("cd %s && docker compose %s", dir, args)
	res, err := p.exec.Run(ctx, host, cmd, composeTimeout)
	if err != nil {
		return err
	}
	if !res.Success() {
		return &core.RemoteCommandError{Host: host.Name, Command: cmd, ExitCode: res.ExitCode, Output: res.Output()}
	}
	return nil
}

// renderEnvFile writes env pairs in sorted order so uploads are stable
// across runs.
func renderEnvFile(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}
	return b.String()
}
