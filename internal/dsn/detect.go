package dsn

import "strings"

// dsnMarkers are raw-content substrings that identify a DSN even when the
// top-level Content-Type header was lost upstream.
var dsnMarkers = []string{
	"Content-Type: multipart/report",
	"report-type=delivery-status",
	"Content-Type: message/delivery-status",
	"MAILER-DAEMON",
	"Delivery Status Notification",
}

// IsDSN reports whether an email is a delivery status notification, by
// Content-Type first and raw-content markers second.
func IsDSN(contentType, raw string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "multipart/report") && strings.Contains(ct, "report-type=delivery-status") {
		return true
	}
	for _, marker := range dsnMarkers {
		if strings.Contains(raw, marker) {
			return true
		}
	}
	return false
}
