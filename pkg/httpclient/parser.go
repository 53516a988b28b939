package httpclient

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseResponse parses the response body based on content type. Platform APIs
// speak JSON; anything else is kept as a raw string for error reporting.
func ParseResponse(resp *Response) error {
	if len(resp.Body) == 0 {
		return nil
	}

	contentType := strings.ToLower(resp.ContentType)

	if strings.Contains(contentType, "json") {
		var result any
		if err := json.Unmarshal(resp.Body, &result); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}
		resp.BodyJSON = result
		return nil
	}

	resp.BodyJSON = string(resp.Body)
	return nil
}

// IsSuccessStatus returns true if the status code indicates success
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// IsRetryableStatus returns true if the status code indicates a retryable error
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRateLimitStatus returns true if the status code indicates rate limiting
func IsRateLimitStatus(statusCode int) bool {
	return statusCode == 429
}
