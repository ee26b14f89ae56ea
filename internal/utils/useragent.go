package utils

import (
	"strings"

	ua "github.com/mssola/user_agent"
)

// Device types recorded on payment audits
const (
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceDesktop = "desktop"
	DeviceServer  = "server"
	DeviceUnknown = "unknown"
)

// DeviceInfo holds parsed information from a User-Agent string
type DeviceInfo struct {
	DeviceType string `json:"device_type"`
	OS         string `json:"os"`
	Browser    string `json:"browser"`
	IsBot      bool   `json:"is_bot"`
}

// Gateway webhooks come from HTTP client libraries rather than browsers
var serverClients = []string{
	"stripe/",
	"go-http-client",
	"okhttp",
	"java/",
	"python-requests",
	"curl/",
	"guzzlehttp",
	"axios",
}

var tabletIndicators = []string{"ipad", "tablet", "kindle", "nexus 7", "nexus 9", "nexus 10", "sm-t"}

// ParseUserAgent parses a User-Agent string and extracts device information
func ParseUserAgent(userAgent string) DeviceInfo {
	if userAgent == "" || userAgent == "Unknown" {
		return DeviceInfo{DeviceType: DeviceUnknown, OS: "Unknown", Browser: "Unknown"}
	}

	lower := strings.ToLower(userAgent)
	for _, client := range serverClients {
		if strings.Contains(lower, client) {
			return DeviceInfo{DeviceType: DeviceServer, OS: "Unknown", Browser: "Unknown"}
		}
	}

	parser := ua.New(userAgent)
	info := DeviceInfo{
		IsBot:   parser.Bot(),
		OS:      "Unknown",
		Browser: "Unknown",
	}
	if os := parser.OSInfo(); os.Name != "" {
		info.OS = strings.TrimSpace(os.Name + " " + os.Version)
	}
	if name, version := parser.Browser(); name != "" {
		info.Browser = strings.TrimSpace(name + " " + version)
	}

	switch {
	case isTablet(lower):
		info.DeviceType = DeviceTablet
	case parser.Mobile():
		info.DeviceType = DeviceMobile
	default:
		info.DeviceType = DeviceDesktop
	}
	return info
}

func isTablet(lowerUA string) bool {
	for _, indicator := range tabletIndicators {
		if strings.Contains(lowerUA, indicator) {
			return true
		}
	}
	return false
}
