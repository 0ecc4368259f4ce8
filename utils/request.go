package utils

import (
	"net"
	"net/http"
	"strings"
)

// singleIPHeaders are consulted in order before X-Forwarded-For.
var singleIPHeaders = []string{"CF-Connecting-IP", "X-Real-IP"}

type DeviceInfo struct {
	DeviceType string
	Browser    string
	OS         string
}

// ClickSource summarises who opened a tracking link. It is logged, never stored.
type ClickSource struct {
	IP     string
	Device *DeviceInfo
}

func NewClickSource(r *http.Request) ClickSource {
	return ClickSource{IP: GetClientIP(r), Device: ParseUserAgent(r.UserAgent())}
}

// LogAttrs returns the source as slog key/value pairs.
func (s ClickSource) LogAttrs() []any {
	return []any{
		"ip", s.IP,
		"device", s.Device.DeviceType,
		"browser", s.Device.Browser,
		"os", s.Device.OS,
	}
}

// GetClientIP prefers proxy headers, then the rightmost public hop of
// X-Forwarded-For, then the socket peer.
func GetClientIP(r *http.Request) string {
	for _, h := range singleIPHeaders {
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get(h))); ip != nil {
			return ip.String()
		}
	}

	if ip := rightmostPublic(r.Header.Get("X-Forwarded-For")); ip != "" {
		return ip
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func rightmostPublic(xff string) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil || ip.IsPrivate() || ip.IsLoopback() || ip.IsMulticast() {
			continue
		}
		return ip.String()
	}
	return ""
}

func ParseUserAgent(userAgent string) *DeviceInfo {
	ua := strings.ToLower(userAgent)
	return &DeviceInfo{
		DeviceType: firstMatch(ua, deviceRules, "Desktop"),
		Browser:    firstMatch(ua, browserRules, "Unknown"),
		OS:         firstMatch(ua, osRules, "Unknown"),
	}
}

type uaRule struct {
	name    string
	markers []string
}

var (
	deviceRules = []uaRule{
		{"Tablet", []string{"tablet", "ipad"}},
		{"Mobile", []string{"mobile"}},
	}
	// Edge and Opera carry "chrome" in their UA, so they come first.
	browserRules = []uaRule{
		{"Edge", []string{"edg"}},
		{"Opera", []string{"opr", "opera"}},
		{"Chrome", []string{"chrome"}},
		{"Firefox", []string{"firefox"}},
		{"Safari", []string{"safari"}},
	}
	osRules = []uaRule{
		{"Android", []string{"android"}},
		{"iOS", []string{"iphone", "ipad"}},
		{"Windows", []string{"windows"}},
		{"macOS", []string{"mac os"}},
		{"Linux", []string{"linux"}},
	}
)

func firstMatch(ua string, rules []uaRule, fallback string) string {
	for _, r := range rules {
		for _, m := range r.markers {
			if strings.Contains(ua, m) {
				return r.name
			}
		}
	}
	return fallback
}
