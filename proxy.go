package mcpprobe

import (
	"fmt"
	"net/url"
)

// ProxyConfig controls optional CORS-relay rewriting of every URL the client
// dials. When enabled, the relay is expected at Prefix + targetURL and to
// forward method, headers and body transparently.
type ProxyConfig struct {
	Enabled bool
	Prefix  string
}

// effectiveURL applies the proxy prefix to rawURL. It is pure: rawURL passes
// through untouched when the proxy is disabled, and the prefix is prepended
// exactly once when it is enabled.
func effectiveURL(rawURL string, cfg ProxyConfig) string {
	if !cfg.Enabled || cfg.Prefix == "" {
		return rawURL
	}
	return cfg.Prefix + rawURL
}

// resolveEndpoint resolves ref, which may be relative, against base. Callers
// must pass the original un-proxied base URL here and apply effectiveURL to
// the result afterwards; resolving against a proxied URL would bake the
// prefix into the wrong part of the final address.
func resolveEndpoint(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL %q: %w", base, err)
	}
	resolved, err := baseURL.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", ref, err)
	}
	if resolved.String() == "" {
		return "", fmt.Errorf("empty endpoint URL")
	}
	return resolved.String(), nil
}
