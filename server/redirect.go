package server

import (
	"net/url"
	"strings"
)

// redirectPolicy decides where the browser may be sent after login.
type redirectPolicy struct {
	origins map[string]bool
}

func newRedirectPolicy(publicURL string, origins []string) redirectPolicy {
	p := redirectPolicy{origins: make(map[string]bool, len(origins)+1)}
	for _, o := range append([]string{publicURL}, origins...) {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			p.origins[strings.ToLower(u.Scheme+"://"+u.Host)] = true
		}
	}
	return p
}

// allowed accepts a same-site path ("/x", not "//x") or an absolute http(s)
// URL on a listed origin.
func (p redirectPolicy) allowed(target string) bool {
	if target == "" || strings.ContainsAny(target, "\\\x00\r\n\t") {
		return false
	}
	u, err := url.Parse(target)
	if err != nil || u.User != nil {
		return false
	}
	if strings.HasPrefix(target, "/") {
		return !strings.HasPrefix(target, "//") && u.Host == "" && u.Scheme == ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return p.origins[strings.ToLower(u.Scheme+"://"+u.Host)]
}
