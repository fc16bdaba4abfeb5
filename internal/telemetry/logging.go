package telemetry

import (
	"log/slog"
	"net/url"
	"strings"
)

func logRequest(logger *slog.Logger, method, endpoint string) {
	if logger == nil || (method == "" && endpoint == "") {
		return
	}
	logger.Info("telemetry request",
		slog.String("method", strings.ToUpper(strings.TrimSpace(method))),
		slog.String("url", redactURL(endpoint)))
}

// redactURL drops credentials, query and fragment so tokens never reach logs.
func redactURL(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		if idx := strings.Index(endpoint, "?"); idx >= 0 {
			return endpoint[:idx]
		}
		return endpoint
	}
	parsed.User = nil
	parsed.RawQuery = ""
	parsed.Fragment = ""
	if parsed.Scheme != "" || parsed.Host != "" {
		return parsed.Scheme + "://" + parsed.Host + parsed.Path
	}
	if parsed.Path != "" {
		return parsed.Path
	}
	return parsed.String()
}
