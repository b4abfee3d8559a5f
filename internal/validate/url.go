package validate

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URL validation errors
var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrDisallowedScheme = errors.New("URL scheme not allowed")
	ErrPrivateHost      = errors.New("URL points at a private address")
)

// URLConstraints defines validation constraints for URLs.
type URLConstraints struct {
	AllowedSchemes []string // e.g., []string{"https", "http"}
	BlockPrivate   bool     // reject localhost and private IP literals
	MaxLength      int      // 0 = no limit
}

// ReturnURLConstraints apply to the public origin that payment gateways
// redirect customers back to. Plain http is accepted for local development.
var ReturnURLConstraints = URLConstraints{
	AllowedSchemes: []string{"https", "http"},
	MaxLength:      2048,
}

// LinkURLConstraints apply to links sent to customers in LINE messages and
// hosted checkout pages: https on a public host only.
var LinkURLConstraints = URLConstraints{
	AllowedSchemes: []string{"https"},
	BlockPrivate:   true,
	MaxLength:      2048,
}

// URL validates a URL against the given constraints.
// Returns the validated URL string and an error if validation fails.
func URL(urlStr string, constraints URLConstraints) (string, error) {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return "", ErrEmpty
	}
	if constraints.MaxLength > 0 && len(urlStr) > constraints.MaxLength {
		return "", fmt.Errorf("%w: URL exceeds %d characters", ErrStringTooLong, constraints.MaxLength)
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if len(constraints.AllowedSchemes) > 0 {
		schemeAllowed := false
		for _, scheme := range constraints.AllowedSchemes {
			if parsedURL.Scheme == scheme {
				schemeAllowed = true
				break
			}
		}
		if !schemeAllowed {
			return "", fmt.Errorf("%w: got %q, allowed: %v", ErrDisallowedScheme, parsedURL.Scheme, constraints.AllowedSchemes)
		}
	}

	hostname := parsedURL.Hostname()
	if hostname == "" {
		return "", fmt.Errorf("%w: missing hostname", ErrInvalidURL)
	}

	if constraints.BlockPrivate && isPrivateHost(hostname) {
		return "", fmt.Errorf("%w: %s", ErrPrivateHost, hostname)
	}
	return urlStr, nil
}

// isPrivateHost rejects localhost and private IP literals. Names are not
// resolved; config is validated at startup, possibly without DNS.
func isPrivateHost(hostname string) bool {
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
