// Package dispatch is the outermost routing edge: it resolves every inbound
// request to exactly one internal service through three tiers (hostname
// table, longest path prefix, AI classification) and either invokes the
// target in-process or forwards it over HTTP.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tier identifies which resolution tier produced a routing decision.
type Tier string

const (
	TierHostname Tier = "hostname"
	TierPath     Tier = "path"
	TierAI       Tier = "ai"
	TierDefault  Tier = "default"
)

// DefaultService receives requests no tier could place.
const DefaultService = "gateway"

// correlationHeader threads the request correlation ID through egress calls.
const correlationHeader = "X-Correlation-ID"

// TierHeader records which resolution tier placed a request on every
// downstream call. Its presence marks the request as already dispatched, so
// a catch-all that delegates to the dispatcher can treat a second miss as
// terminal instead of resolving again.
const TierHeader = "X-Dispatch-Tier"

// Classifier is the AI tier: given request context and the service
// catalogue keys, return one service key.
type Classifier interface {
	ClassifyRequest(ctx context.Context, host, path, hint string, services []string) (string, error)
}

// RoutingError reports a dispatch failure with the tiers that were tried.
type RoutingError struct {
	Host      string
	Path      string
	Attempted []Tier
	Cause     error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("dispatch: no route for %s%s (tried %v): %v", e.Host, e.Path, e.Attempted, e.Cause)
}

func (e *RoutingError) Unwrap() error { return e.Cause }

// prefixRule is one path-prefix table entry.
type prefixRule struct {
	prefix  string
	service string
}

// Config is the dispatcher's routing state, data-driven so tables can come
// from configuration.
type Config struct {
	// Hostnames maps exact hostnames to service keys.
	Hostnames map[string]string
	// Prefixes maps path prefixes to service keys; longest prefix wins.
	Prefixes map[string]string
	// Catalogue maps service keys to one-line descriptions fed to the AI
	// tier. Every routable service must appear here.
	Catalogue map[string]string
	// EgressTimeout bounds forwarded requests.
	EgressTimeout time.Duration
}

// DefaultConfig is the production routing table.
func DefaultConfig() Config {
	return Config{
		Hostnames: map[string]string{
			"id.chitty.cc":     "identity",
			"sync.chitty.cc":   "sync-hub",
			"router.chitty.cc": "dispatcher",
			"mail.chitty.cc":   "email-pipeline",
		},
		Prefixes: map[string]string{
			"/api/todos": "sync-hub",
			"/session":   "sync-hub",
			"/agents":    "agent-substrate",
			"/ingest":    "evidence-pipeline",
			"/pipeline":  "identity",
			"/email":     "email-pipeline",
		},
		Catalogue: map[string]string{
			"identity":          "identifier minting and validation",
			"sync-hub":          "session and todo synchronization",
			"agent-substrate":   "persistent AI agent completions",
			"evidence-pipeline": "evidence ingestion and analysis",
			"email-pipeline":    "inbound email classification and routing",
			"dispatcher":        "request routing itself",
			DefaultService:      "general AI gateway passthrough",
		},
		EgressTimeout: 30 * time.Second,
	}
}

// Dispatcher resolves and forwards requests. Counters are kept per
// (target, tier) both in Prometheus and in a local snapshot for
// /router/stats.
type Dispatcher struct {
	hostnames  map[string]string
	prefixes   []prefixRule
	catalogue  map[string]string
	classifier Classifier
	logger     *slog.Logger

	bindings  map[string]http.Handler
	endpoints map[string]string
	client    *http.Client

	counterVec *prometheus.CounterVec
	mu         sync.Mutex
	counts     map[string]map[string]uint64 // target → tier → count
}

// New builds a dispatcher. classifier may be nil, disabling the AI tier.
func New(cfg Config, classifier Classifier, reg prometheus.Registerer, logger *slog.Logger) *Dispatcher {
	prefixes := make([]prefixRule, 0, len(cfg.Prefixes))
	for p, svc := range cfg.Prefixes {
		prefixes = append(prefixes, prefixRule{prefix: p, service: svc})
	}
	sort.Slice(prefixes, func(i, j int) bool {
		return len(prefixes[i].prefix) > len(prefixes[j].prefix)
	})

	timeout := cfg.EgressTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chittyrouter_dispatch_total",
		Help: "Dispatched requests by target service and resolution tier.",
	}, []string{"target", "tier"})
	if reg != nil {
		reg.MustRegister(counterVec)
	}

	return &Dispatcher{
		hostnames:  cfg.Hostnames,
		prefixes:   prefixes,
		catalogue:  cfg.Catalogue,
		classifier: classifier,
		logger:     logger,
		bindings:   make(map[string]http.Handler),
		endpoints:  make(map[string]string),
		client:     &http.Client{Timeout: timeout},
		counterVec: counterVec,
		counts:     make(map[string]map[string]uint64),
	}
}

// Bind registers an in-process handler for a service. Bound services are
// invoked directly instead of over HTTP.
func (d *Dispatcher) Bind(service string, h http.Handler) {
	d.bindings[service] = h
}

// SetEndpoint registers the public base URL for an unbound service.
func (d *Dispatcher) SetEndpoint(service, baseURL string) {
	d.endpoints[service] = strings.TrimRight(baseURL, "/")
}

// Resolve maps (host, path) to a service through the three tiers. The
// returned tier names the one that matched; errors carry every attempted
// tier.
func (d *Dispatcher) Resolve(ctx context.Context, host, path, hint string) (string, Tier, error) {
	host = stripPort(host)

	if svc, ok := d.hostnames[host]; ok {
		return svc, TierHostname, nil
	}

	for _, rule := range d.prefixes {
		if strings.HasPrefix(path, rule.prefix) {
			return rule.service, TierPath, nil
		}
	}

	if d.classifier != nil {
		keys := make([]string, 0, len(d.catalogue))
		for k := range d.catalogue {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		svc, err := d.classifier.ClassifyRequest(ctx, host, path, hint, keys)
		if err == nil {
			if _, known := d.catalogue[svc]; known {
				return svc, TierAI, nil
			}
			d.logger.Warn("dispatch: classifier returned unknown service", "service", svc)
		} else {
			d.logger.Warn("dispatch: classifier failed", "error", err)
		}
	}

	return DefaultService, TierDefault, nil
}

// Dispatch resolves the request and hands it to the target: in-process when
// a binding exists, HTTP egress otherwise. The correlation ID is stamped on
// every downstream call.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, correlationID string) error {
	service, tier, err := d.Resolve(r.Context(), r.Host, r.URL.Path, r.Header.Get("Content-Type"))
	if err != nil {
		return err
	}
	d.count(service, tier)

	if h, ok := d.bindings[service]; ok {
		r.Header.Set(correlationHeader, correlationID)
		r.Header.Set(TierHeader, string(tier))
		h.ServeHTTP(w, r)
		return nil
	}

	base, ok := d.endpoints[service]
	if !ok {
		return &RoutingError{
			Host:      r.Host,
			Path:      r.URL.Path,
			Attempted: []Tier{TierHostname, TierPath, TierAI},
			Cause:     fmt.Errorf("no binding or endpoint for service %q", service),
		}
	}
	return d.forward(w, r, base, correlationID, tier)
}

// forward issues the egress call and copies the response back verbatim.
func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, base, correlationID string, tier Tier) error {
	url := base + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		return fmt.Errorf("dispatch: build egress request: %w", err)
	}
	req.Header = r.Header.Clone()
	req.Header.Set(correlationHeader, correlationID)
	req.Header.Set(TierHeader, string(tier))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: egress to %s: %w", url, err)
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		d.logger.Warn("dispatch: copy egress response", "error", err)
	}
	return nil
}

func (d *Dispatcher) count(target string, tier Tier) {
	d.counterVec.WithLabelValues(target, string(tier)).Inc()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.counts[target] == nil {
		d.counts[target] = make(map[string]uint64)
	}
	d.counts[target][string(tier)]++
}

// ServiceCount reports the size of the routable catalogue.
func (d *Dispatcher) ServiceCount() int { return len(d.catalogue) }

// Stats returns a snapshot of per-(target, tier) dispatch counts.
func (d *Dispatcher) Stats() map[string]map[string]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]map[string]uint64, len(d.counts))
	for target, tiers := range d.counts {
		cp := make(map[string]uint64, len(tiers))
		for tier, n := range tiers {
			cp[tier] = n
		}
		out[target] = cp
	}
	return out
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
