package httpapi

import "time"

// maxUploadBytes controls the maximum allowed multipart upload size.
// Default 50 MiB, matching typical journal article scans.
var maxUploadBytes int64 = 50 << 20

// SetMaxUploadBytes allows configuring the maximum upload size.
func SetMaxUploadBytes(n int64) {
	if n <= 0 {
		maxUploadBytes = 50 << 20
		return
	}
	maxUploadBytes = n
}

// defaultCleanupAge is used by POST /system/cleanup when the request
// does not carry max_age_hours.
var defaultCleanupAge = 24 * time.Hour

// SetDefaultCleanupAge configures the cleanup default (0 restores 24h).
func SetDefaultCleanupAge(d time.Duration) {
	if d <= 0 {
		defaultCleanupAge = 24 * time.Hour
		return
	}
	defaultCleanupAge = d
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
