package metrics

import (
	"strconv"

	"github.com/cardkeep/cardkeep/internal/observability"
)

// Error metrics
const (
	ErrorsTotalName      = "errors_total"
	PanicsTotalName      = "panics_total"
	ErrorsByEndpointName = "errors_by_endpoint_total"
)

// RecordError counts an error envelope written with httpStatus.
func RecordError(errorCode string, httpStatus int) {
	count(ErrorsTotalName, map[string]string{
		"error_code":  errorCode,
		"http_status": strconv.Itoa(httpStatus),
	})
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	count(PanicsTotalName, nil)
}

// RecordErrorByEndpoint counts an error against a route pattern such as
// /v1/throttle/{key}/check. Callers pass the pattern, never the raw path:
// throttle keys are user IDs and IPs and must not become label values.
func RecordErrorByEndpoint(route string, errorCode string) {
	if route == "" {
		route = "/unknown"
	}
	count(ErrorsByEndpointName, map[string]string{
		"endpoint":   route,
		"error_code": errorCode,
	})
}

func count(name string, tags map[string]string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(name, 1, tags)
}
