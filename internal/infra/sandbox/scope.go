package sandbox

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"custodian/internal/domain"
)

// Parameter keys subject to scope checks at the boundary, before
// anything reaches the driver.
var (
	pathParamKeys   = map[string]struct{}{"path": {}, "file": {}, "attachment": {}, "download_to": {}}
	domainParamKeys = map[string]struct{}{"domain": {}, "url": {}}
)

func checkScopes(params map[string]any, limits domain.SandboxLimits) (string, bool) {
	for key, value := range params {
		str, ok := value.(string)
		if !ok {
			continue
		}
		if _, isPath := pathParamKeys[key]; isPath {
			if reason, ok := pathAllowed(str, limits); !ok {
				return reason, false
			}
		}
		if _, isDomain := domainParamKeys[key]; isDomain {
			host := str
			if strings.Contains(str, "://") {
				parsed, err := url.Parse(str)
				if err != nil {
					return fmt.Sprintf("unparseable url %q", str), false
				}
				host = parsed.Hostname()
			}
			if !domainAllowed(host, limits.AllowedDomains) {
				return fmt.Sprintf("domain %q outside network scope", host), false
			}
		}
	}
	return "", true
}

// pathAllowed applies blocked patterns first, then the allow list. An
// empty allow list permits any path not explicitly blocked, matching the
// driver's own working-area confinement.
func pathAllowed(candidate string, limits domain.SandboxLimits) (string, bool) {
	cleaned := path.Clean(candidate)
	for _, blocked := range limits.BlockedPaths {
		if pathMatches(cleaned, blocked) {
			return fmt.Sprintf("path %q is blocked (%s)", candidate, blocked), false
		}
	}
	if len(limits.AllowedPaths) == 0 {
		return "", true
	}
	for _, allowed := range limits.AllowedPaths {
		if pathMatches(cleaned, allowed) {
			return "", true
		}
	}
	return fmt.Sprintf("path %q outside filesystem scope", candidate), false
}

// pathMatches supports three pattern forms: "**" wildcards matched
// segment-wise, directory prefixes ending in "/", and plain prefixes.
func pathMatches(candidate, pattern string) bool {
	if strings.Contains(pattern, "**") {
		return wildcardMatch(candidate, pattern)
	}
	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(candidate, strings.TrimSuffix(pattern, "/")+"/")
	}
	return strings.HasPrefix(candidate, pattern)
}

func wildcardMatch(candidate, pattern string) bool {
	parts := strings.Split(pattern, "**")
	rest := candidate
	for i, part := range parts {
		if part == "" {
			continue
		}
		switch {
		case i == 0:
			if !strings.HasPrefix(rest, part) {
				return false
			}
			rest = rest[len(part):]
		case i == len(parts)-1:
			return strings.HasSuffix(rest, part)
		default:
			idx := strings.Index(rest, part)
			if idx < 0 {
				return false
			}
			rest = rest[idx+len(part):]
		}
	}
	return true
}

// domainAllowed accepts exact matches and subdomains of an allowed
// domain. Everything else is outside the network scope.
func domainAllowed(host string, allowed []string) bool {
	if host == "" {
		return false
	}
	for _, domainName := range allowed {
		if host == domainName || strings.HasSuffix(host, "."+domainName) {
			return true
		}
	}
	return false
}
