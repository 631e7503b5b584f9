// Package proxy rewrites request paths before they reach the file server.
// Rules are evaluated in declaration order and the first matching prefix
// wins.
package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/ccheshirecat/wasmharness/internal/harness/config"
)

// Rule is a compiled ProxyRule.
type Rule struct {
	From   string
	To     string
	remote *url.URL
}

// Remote reports whether the rule forwards to another origin.
func (r Rule) Remote() bool { return r.remote != nil }

// Table holds rules in declaration order.
type Table struct {
	rules []Rule
}

// New compiles the declared rules.
func New(rules []config.ProxyRule) (*Table, error) {
	t := &Table{rules: make([]Rule, 0, len(rules))}
	for _, r := range rules {
		if !strings.HasPrefix(r.FromPath, "/") {
			return nil, fmt.Errorf("proxy: from path %q must start with /", r.FromPath)
		}
		rule := Rule{From: r.FromPath, To: r.ToPath}
		if !strings.HasPrefix(r.ToPath, "/") {
			u, err := url.Parse(r.ToPath)
			if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
				return nil, fmt.Errorf("proxy: invalid target %q", r.ToPath)
			}
			rule.remote = u
		}
		t.rules = append(t.rules, rule)
	}
	return t, nil
}

// Rules returns a copy of the compiled rules.
func (t *Table) Rules() []Rule {
	return append([]Rule(nil), t.rules...)
}

// Match returns the first rule whose From is a prefix of path, together with
// the rewritten path (or URL, for remote rules).
func (t *Table) Match(path string) (Rule, string, bool) {
	for _, r := range t.rules {
		if strings.HasPrefix(path, r.From) {
			return r, r.To + strings.TrimPrefix(path, r.From), true
		}
	}
	return Rule{}, "", false
}

// Middleware applies the table ahead of next. Local rewrites are re-dispatched
// to next; remote rules are forwarded with a reverse proxy.
func (t *Table) Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	proxies := make(map[string]*httputil.ReverseProxy)
	for _, r := range t.rules {
		if r.remote != nil {
			proxies[r.From] = newReverseProxy(r.remote, logger)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			rule, rewritten, ok := t.Match(req.URL.Path)
			if !ok {
				next.ServeHTTP(w, req)
				return
			}

			if rule.remote != nil {
				target, err := url.Parse(rewritten)
				if err != nil {
					http.Error(w, "bad proxy target", http.StatusBadGateway)
					return
				}
				out := req.Clone(req.Context())
				out.URL.Path = target.Path
				out.URL.RawPath = ""
				logger.Debug("proxy forward", "from", req.URL.Path, "to", rewritten)
				proxies[rule.From].ServeHTTP(w, out)
				return
			}

			logger.Debug("proxy rewrite", "from", req.URL.Path, "to", rewritten)
			out := req.Clone(req.Context())
			out.URL.Path = rewritten
			out.URL.RawPath = ""
			out.RequestURI = out.URL.RequestURI()
			next.ServeHTTP(w, out)
		})
	}
}

func newReverseProxy(target *url.URL, logger *slog.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			path := pr.Out.URL.Path
			pr.SetURL(&url.URL{Scheme: target.Scheme, Host: target.Host})
			pr.Out.URL.Path = path
			pr.Out.Host = target.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("proxy upstream error", "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}
