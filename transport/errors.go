package transport

import (
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-tandas/core"
)

func transportError(
	message string,
	category goerrors.Category,
	code int,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	metadata map[string]any,
) error {
	if source == nil {
		return transportError(message, category, code, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return core.ErrorValidation
	case goerrors.CategoryExternal:
		return core.ErrorProtocolFailed
	default:
		return core.ErrorInternal
	}
}

// StatusError converts a non-2xx response into a rich error. The category
// follows the status class; the response body is kept as metadata.
func StatusError(res Response, message string) error {
	if res.OK() {
		return nil
	}
	category := goerrors.CategoryExternal
	switch {
	case res.StatusCode == http.StatusUnauthorized:
		category = goerrors.CategoryAuth
	case res.StatusCode == http.StatusForbidden:
		category = goerrors.CategoryAuthz
	case res.StatusCode == http.StatusNotFound:
		category = goerrors.CategoryNotFound
	case res.StatusCode == http.StatusTooManyRequests:
		category = goerrors.CategoryRateLimit
	case res.StatusCode >= 400 && res.StatusCode < 500:
		category = goerrors.CategoryBadInput
	}
	metadata := map[string]any{
		"adapter":     KindREST,
		"status_code": res.StatusCode,
	}
	if body := strings.TrimSpace(string(res.Body)); body != "" {
		if len(body) > 512 {
			body = body[:512]
		}
		metadata["response_body"] = body
	}
	if url, ok := res.Metadata["url"]; ok {
		metadata["url"] = url
	}
	err := goerrors.New(fmt.Sprintf("%s: status %d", message, res.StatusCode), category).
		WithCode(http.StatusBadGateway).
		WithTextCode(core.ErrorProtocolFailed).
		WithMetadata(metadata)
	return err
}

// Retryable reports whether a transport failure is worth another attempt:
// network errors, 5xx and 429 responses.
func Retryable(err error) bool {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	switch rich.Category {
	case goerrors.CategoryRateLimit:
		return true
	case goerrors.CategoryExternal:
		status, ok := rich.Metadata["status_code"].(int)
		return !ok || status >= 500
	default:
		return false
	}
}
