package whatsapp

import "strings"

// Category names the cause of a disconnect.
type Category string

// Disconnect categories.
const (
	CategoryLoggedOut           Category = "logged_out"
	CategoryBadSession          Category = "bad_session"
	CategoryBanned              Category = "banned"
	CategoryConnectionClosed    Category = "connection_closed"
	CategoryConnectionLost      Category = "connection_lost"
	CategoryConnectionReplaced  Category = "connection_replaced"
	CategoryRestartRequired     Category = "restart_required"
	CategoryServiceUnavailable  Category = "service_unavailable"
	CategoryMultideviceMismatch Category = "multidevice_mismatch"
	CategoryTimedOut            Category = "timed_out"
	CategoryUnknown             Category = "unknown"
)

// Classification is the verdict on a disconnect status code. Permanent
// categories clear the session; transient ones reconnect.
type Classification struct {
	Code               int
	Category           Category
	ShouldReconnect    bool
	ShouldClearSession bool
}

// Classify maps a disconnect status code (and its error text) to a
// classification. Code 408 is ambiguous: QR/pairing exhaustion means
// the pairing window timed out and reconnecting is pointless, while an
// ordinary 408 is a transient connection loss.
func Classify(code int, message string) Classification {
	c := Classification{Code: code}
	switch code {
	case 401:
		c.Category = CategoryLoggedOut
		c.ShouldClearSession = true
	case 500:
		c.Category = CategoryBadSession
		c.ShouldClearSession = true
	case 403:
		c.Category = CategoryBanned
		c.ShouldClearSession = true
	case 428:
		c.Category = CategoryConnectionClosed
		c.ShouldReconnect = true
	case 408:
		if qrExhausted(message) {
			c.Category = CategoryTimedOut
		} else {
			c.Category = CategoryConnectionLost
			c.ShouldReconnect = true
		}
	case 440:
		c.Category = CategoryConnectionReplaced
	case 515:
		c.Category = CategoryRestartRequired
		c.ShouldReconnect = true
	case 503:
		c.Category = CategoryServiceUnavailable
		c.ShouldReconnect = true
	case 411:
		c.Category = CategoryMultideviceMismatch
	default:
		c.Category = CategoryUnknown
		c.ShouldReconnect = true
	}
	return c
}

func qrExhausted(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "qr") || strings.Contains(m, "pairing")
}
