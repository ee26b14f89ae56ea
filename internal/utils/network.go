package utils

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequestMetadata describes the caller of a gateway webhook for the audit trail
type RequestMetadata struct {
	IPAddress  string
	UserAgent  string
	DeviceType string
}

// GetRequestMetadata collects caller metadata from the request
func GetRequestMetadata(c *gin.Context) RequestMetadata {
	userAgent := GetUserAgent(c)
	return RequestMetadata{
		IPAddress:  GetRealIP(c),
		UserAgent:  userAgent,
		DeviceType: ParseUserAgent(userAgent).DeviceType,
	}
}

// GetRealIP extracts the client IP address of the request.
//
// Priority order:
// 1. X-Real-IP header when it holds a public address
// 2. First public address in X-Forwarded-For (client, proxy1, proxy2)
// 3. Gin's ClientIP() for direct connections
func GetRealIP(c *gin.Context) string {
	realIP := strings.TrimSpace(c.Request.Header.Get("X-Real-IP"))
	if ip := net.ParseIP(realIP); ip != nil && isPublicIP(ip) {
		return realIP
	}

	if forwarded := c.Request.Header.Get("X-Forwarded-For"); forwarded != "" {
		var first string
		for _, part := range strings.Split(forwarded, ",") {
			candidate := strings.TrimSpace(part)
			ip := net.ParseIP(candidate)
			if ip == nil {
				continue
			}
			if first == "" {
				first = candidate
			}
			if isPublicIP(ip) {
				return candidate
			}
		}
		// All hops private: the first valid one is the best we have
		if first != "" {
			return first
		}
	}

	return c.ClientIP()
}

// GetUserAgent extracts the User-Agent header from the request
func GetUserAgent(c *gin.Context) string {
	ua := c.Request.UserAgent()
	if ua == "" {
		return "Unknown"
	}
	return ua
}

// isPublicIP excludes private ranges and loopback
func isPublicIP(ip net.IP) bool {
	return !ip.IsPrivate() && !ip.IsLoopback() && !ip.IsUnspecified()
}
