// Package deploy publishes generated apps through external deployers, one at a
// time, with a bounded timeout per invocation.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/appfleet/pkg/api"
)

// Deployer publishes one generated app to one target.
type Deployer interface {
	Name() string
	// Verify checks credentials once per stage. An error fails every
	// deployment for this target without running any command.
	Verify(ctx context.Context) error
	// Prepare repairs the artifact directory so the target accepts it.
	Prepare(res api.JobResult) error
	// Deploy publishes the artifact and returns its URL.
	Deploy(ctx context.Context, res api.JobResult) (string, error)
}

// Observer is told about every recorded deployment.
type Observer interface {
	OnDeploy(res api.DeploymentResult)
}

const (
	DefaultTimeout = 2 * time.Minute
	DefaultPause   = 3 * time.Second
)

// Stage runs deployers sequentially over successful job results.
type Stage struct {
	Deployers []Deployer
	Timeout   time.Duration
	Pause     time.Duration
	Observer  Observer

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

func NewStage(deployers ...Deployer) *Stage {
	return &Stage{Deployers: deployers, Timeout: DefaultTimeout, Pause: DefaultPause}
}

// DeployAll deploys every successful result to every deployer and returns one
// DeploymentResult per pair. Failed results are skipped. Individual failures,
// timeouts and cancellation are recorded, never returned.
func (s *Stage) DeployAll(ctx context.Context, results []api.JobResult) []api.DeploymentResult {
	var successful []api.JobResult
	for _, r := range results {
		if r.Succeeded {
			successful = append(successful, r)
		}
	}
	if len(successful) == 0 || len(s.Deployers) == 0 {
		return nil
	}
	log.Info().Int("apps", len(successful)).Int("targets", len(s.Deployers)).Msg("Starting deployment stage")

	verified := map[string]error{}
	for _, d := range s.Deployers {
		verified[d.Name()] = s.verify(ctx, d)
	}

	pacer := &Pacer{Interval: s.Pause, Sleep: s.Sleep}
	out := make([]api.DeploymentResult, 0, len(successful)*len(s.Deployers))
	for _, res := range successful {
		for _, d := range s.Deployers {
			var dr api.DeploymentResult
			switch {
			case verified[d.Name()] != nil:
				dr = s.failed(res.JobID, d.Name(), fmt.Sprintf("auth verification failed: %v", verified[d.Name()]))
			case ctx.Err() != nil:
				dr = s.failed(res.JobID, d.Name(), fmt.Sprintf("cancelled before deploy: %v", ctx.Err()))
			default:
				if err := pacer.Wait(ctx); err != nil {
					dr = s.failed(res.JobID, d.Name(), fmt.Sprintf("cancelled before deploy: %v", err))
					break
				}
				dr = s.deployOne(ctx, d, res)
			}
			s.record(dr)
			out = append(out, dr)
		}
	}

	deployed := 0
	for _, dr := range out {
		if dr.Deployed {
			deployed++
		}
	}
	log.Info().Int("deployed", deployed).Int("total", len(out)).Msg("Deployment stage complete")
	return out
}

func (s *Stage) verify(ctx context.Context, d Deployer) (err error) {
	vctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("verify panicked: %v", r)
		}
	}()
	err = d.Verify(vctx)
	if err != nil && errors.Is(vctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", s.timeout(), err)
	}
	if err != nil {
		log.Error().Err(err).Str("target", d.Name()).Msg("Deployment auth verification failed")
	} else {
		log.Debug().Str("target", d.Name()).Msg("Deployment auth verified")
	}
	return err
}

func (s *Stage) deployOne(ctx context.Context, d Deployer, res api.JobResult) (dr api.DeploymentResult) {
	defer func() {
		if r := recover(); r != nil {
			dr = s.failed(res.JobID, d.Name(), fmt.Sprintf("deployer panicked: %v", r))
		}
	}()
	if err := d.Prepare(res); err != nil {
		return s.failed(res.JobID, d.Name(), fmt.Sprintf("prepare: %v", err))
	}
	dctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	url, err := d.Deploy(dctx, res)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return s.failed(res.JobID, d.Name(), fmt.Sprintf("deployment timed out after %s", s.timeout()))
		}
		return s.failed(res.JobID, d.Name(), err.Error())
	}
	if strings.TrimSpace(url) == "" {
		return s.failed(res.JobID, d.Name(), "deployer reported no url")
	}
	return api.DeploymentResult{JobID: res.JobID, Target: d.Name(), Deployed: true, URL: strings.TrimSpace(url), At: s.now()}
}

func (s *Stage) failed(jobID, target, msg string) api.DeploymentResult {
	return api.DeploymentResult{JobID: jobID, Target: target, Error: msg, At: s.now()}
}

func (s *Stage) record(dr api.DeploymentResult) {
	if dr.Deployed {
		log.Info().Str("job", dr.JobID).Str("target", dr.Target).Str("url", dr.URL).Msg("Deployed app")
	} else {
		log.Warn().Str("job", dr.JobID).Str("target", dr.Target).Str("error", dr.Error).Msg("Deployment failed")
	}
	if s.Observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("Deploy observer panicked")
		}
	}()
	s.Observer.OnDeploy(dr)
}

func (s *Stage) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

func (s *Stage) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ExtractURL returns the first https URL in output whose host is domain or a
// subdomain of it. A line like "Production: https://x.vercel.app [3s]" yields
// "https://x.vercel.app". Without such a URL, the first bare host such as
// "x.vercel.app" is returned with an https scheme. It returns "" when nothing
// in output parses as a URL on domain.
func ExtractURL(output, domain string) string {
	var bare string
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, domain) {
			continue
		}
		for _, field := range strings.Fields(line) {
			field = strings.TrimRight(field, ".,;")
			if !strings.Contains(field, domain) {
				continue
			}
			if strings.HasPrefix(field, "https://") {
				if onDomain(field, domain) {
					return field
				}
				continue
			}
			if bare == "" && !strings.Contains(field, "://") && onDomain("https://"+field, domain) {
				bare = "https://" + field
			}
		}
	}
	return bare
}

// onDomain reports whether raw is an https URL on a subdomain of domain, or on
// domain itself with a non-empty path.
func onDomain(raw, domain string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.User != nil {
		return false
	}
	host := u.Hostname()
	if strings.HasSuffix(host, "."+domain) {
		return true
	}
	return host == domain && strings.Trim(u.Path, "/") != ""
}

// Registry holds deployers by name.
type Registry struct {
	deployers map[string]Deployer
}

func NewRegistry() *Registry {
	return &Registry{deployers: map[string]Deployer{}}
}

func (r *Registry) Register(d Deployer) {
	r.deployers[d.Name()] = d
}

func (r *Registry) Get(name string) (Deployer, error) {
	d, ok := r.deployers[name]
	if !ok {
		return nil, fmt.Errorf("deployer not registered: %s", name)
	}
	return d, nil
}

// Select resolves names in order.
func (r *Registry) Select(names []string) ([]Deployer, error) {
	out := make([]Deployer, 0, len(names))
	for _, n := range names {
		d, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.deployers))
	for n := range r.deployers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
