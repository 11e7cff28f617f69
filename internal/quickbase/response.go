package quickbase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
)

// ParseResponse decodes a response body as JSON. When the body is empty, is
// not valid JSON, or decodes to an empty value (null, false, 0, "", [] or
// {}), it logs a single warning and returns nil.
func ParseResponse(resp *Response, logger *slog.Logger) any {
	if resp == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		logger.Warn("empty response body")
		return nil
	}

	var v any
	if err := json.Unmarshal(resp.Body, &v); err != nil {
		logger.Warn("response body is not valid JSON",
			"status", resp.StatusCode,
			"error", err,
			"body", truncateBody(resp.Body),
		)
		return nil
	}
	if isEmpty(v) {
		logger.Warn("response body decoded to an empty value",
			"status", resp.StatusCode,
			"body", truncateBody(resp.Body),
		)
		return nil
	}
	return v
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case float64:
		return t == 0
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// decodeInto is the typed counterpart of ParseResponse used by the queries.
// An HTTP error status becomes an *APIError. A body that ParseResponse could
// not decode becomes ErrMalformedResponse. Valid but empty collections decode
// to empty values.
func decodeInto(method, path string, resp *Response, logger *slog.Logger, v any) error {
	if !resp.OK() {
		return newAPIError(method, path, resp)
	}
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		logger.Warn("empty response body", "method", method, "path", path)
		return fmt.Errorf("%w: %s %s returned an empty body", ErrMalformedResponse, method, path)
	}
	if err := json.Unmarshal(body, v); err != nil {
		logger.Warn("response body could not be decoded",
			"method", method,
			"path", path,
			"error", err,
			"body", truncateBody(body),
		)
		return fmt.Errorf("%w: %s %s: %w", ErrMalformedResponse, method, path, err)
	}
	return nil
}
