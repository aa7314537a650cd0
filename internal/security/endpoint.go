package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateAttachmentURL checks a user-supplied URL before it is stored
// and replayed to other participants. Only http(s) with a public host is
// accepted; IP literals pointing at loopback, private or link-local
// ranges are rejected so a stored attachment can never be used to probe
// the platform's own network.
func ValidateAttachmentURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".internal") {
		return fmt.Errorf("URL host %q is not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("URL host %q is not a public address", host)
		}
	}
	return nil
}
