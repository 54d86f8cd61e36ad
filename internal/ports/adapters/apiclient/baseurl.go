package apiclient

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint names a remote service and the hosts its base URL may point at.
type Endpoint struct {
	EnvPrefix    string // e.g. "RUNWAY" for RUNWAY_BASE_URL / RUNWAY_ALLOWED_HOSTS
	DefaultURL   string
	DefaultHosts []string
}

// NormalizeBaseURL trims whitespace and trailing slashes, falling back to def.
func NormalizeBaseURL(baseURL, def string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = def
	}
	return strings.TrimRight(baseURL, "/")
}

// ValidateBaseURL rejects base URLs that are not absolute https URLs on an
// allowed host. allowedHosts overrides the endpoint defaults when non-empty.
func ValidateBaseURL(ep Endpoint, baseURL string, allowedHosts []string) error {
	name := ep.EnvPrefix + "_BASE_URL"
	baseURL = NormalizeBaseURL(baseURL, ep.DefaultURL)

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("invalid %s %q: absolute URL with host is required", name, baseURL)
	}
	if u.User != nil {
		return fmt.Errorf("invalid %s %q: userinfo is not allowed", name, baseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("invalid %s %q: query and fragment are not allowed", name, baseURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("invalid %s %q: host is required", name, baseURL)
	}

	switch scheme {
	case "https":
	default:
		return fmt.Errorf("invalid %s %q: https is required", name, baseURL)
	}

	allowed := normalizeAllowedHosts(allowedHosts, ep.DefaultHosts)
	if _, ok := allowed[host]; !ok {
		return fmt.Errorf("invalid %s %q: host %q is not in %s_ALLOWED_HOSTS", name, baseURL, host, ep.EnvPrefix)
	}
	return nil
}

func normalizeAllowedHosts(allowedHosts, defaults []string) map[string]struct{} {
	out := make(map[string]struct{}, len(allowedHosts))
	for _, h := range allowedHosts {
		v := strings.ToLower(strings.TrimSpace(h))
		v = strings.TrimPrefix(v, "http://")
		v = strings.TrimPrefix(v, "https://")
		v = strings.Trim(v, "/")
		if v == "" {
			continue
		}
		if i := strings.Index(v, ":"); i >= 0 {
			v = v[:i]
		}
		out[v] = struct{}{}
	}
	if len(out) == 0 {
		for _, h := range defaults {
			out[strings.ToLower(h)] = struct{}{}
		}
	}
	return out
}
