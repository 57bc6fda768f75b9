package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	corsAllowMethods  = "GET, HEAD, POST, PATCH, DELETE, OPTIONS"
	corsAllowHeaders  = "Authorization, Content-Type, Range, X-Request-ID"
	corsExposeHeaders = "Content-Range, Accept-Ranges, Content-Length, Content-Type, Content-Disposition, X-Request-ID"
	corsMaxAge        = "600"
)

// CORSAllowlist answers cross-origin requests only for the configured
// origins. Entries are exact origins such as "http://localhost:3000" or a
// single wildcard label such as "https://*.studio.example.com". Ports must
// match the entry; an entry without one allows the default port only.
// Requests from other origins are still served but without CORS headers;
// their preflights are refused.
func CORSAllowlist(origins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(origins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")
			allowed := policy.allows(origin)

			if r.Method == http.MethodOptions {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type wildcardOrigin struct {
	scheme string
	suffix string
	port   string
}

type originPolicy struct {
	exact     map[string]bool
	wildcards []wildcardOrigin
}

func newOriginPolicy(origins []string) *originPolicy {
	p := &originPolicy{exact: make(map[string]bool)}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		scheme, rest, ok := strings.Cut(strings.ToLower(o), "://")
		if !ok {
			continue
		}
		if strings.HasPrefix(rest, "*.") {
			host, port := splitHostPort(rest[1:])
			p.wildcards = append(p.wildcards, wildcardOrigin{scheme: scheme, suffix: host, port: port})
			continue
		}
		if norm, ok := normalizeOrigin(o); ok {
			p.exact[norm] = true
		}
	}
	return p
}

func (p *originPolicy) allows(origin string) bool {
	norm, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	if p.exact[norm] {
		return true
	}

	u, _ := url.Parse(norm)
	host, port := u.Hostname(), u.Port()
	for _, wc := range p.wildcards {
		if u.Scheme != wc.scheme {
			continue
		}
		if port != wc.port {
			continue
		}
		label, found := strings.CutSuffix(host, wc.suffix)
		if found && isDNSLabel(label) {
			return true
		}
	}
	return false
}

// normalizeOrigin lowercases a scheme://host[:port] origin and rejects
// anything with a path, query, credentials or a non-numeric port.
func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}
	if port := u.Port(); port != "" {
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			return "", false
		}
	} else if strings.HasSuffix(u.Host, ":") {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

func splitHostPort(hostport string) (string, string) {
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		return hostport[:i], hostport[i+1:]
	}
	return hostport, ""
}

func isDNSLabel(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			return false
		}
	}
	return true
}
