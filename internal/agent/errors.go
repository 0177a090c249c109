package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"charm.land/fantasy"
	"github.com/anthropics/anthropic-sdk-go"

	"github.com/dotcommander/agentrun/internal/errs"
)

// providerError classifies an engine failure. Errors that already carry a
// kind and context errors pass through unchanged.
func providerError(err error, provider string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var e errs.Error
	if errors.As(err, &e) {
		return err
	}

	var providerErr *fantasy.ProviderError
	if errors.As(err, &providerErr) {
		return errs.As(errs.KindProvider, err, providerReason(provider, providerErr.StatusCode, providerErr.Message, isContextLengthExceeded(providerErr)))
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		overflow := strings.Contains(strings.ToLower(apiErr.Error()), "prompt is too long")
		return errs.As(errs.KindProvider, err, providerReason(provider, apiErr.StatusCode, "", overflow))
	}
	return errs.As(errs.KindProvider, err, err.Error())
}

func providerReason(provider string, status int, message string, overflow bool) string {
	if status == http.StatusBadRequest && overflow {
		return "Maximum prompt size exceeded."
	}
	reason := fantasy.ErrorTitleForStatusCode(status)
	if reason == "" {
		if status >= http.StatusInternalServerError {
			reason = fmt.Sprintf("%s API server error.", provider)
		} else {
			reason = fmt.Sprintf("%s API request error.", provider)
		}
	}
	if message = strings.TrimSpace(message); message != "" {
		reason += ": " + message
	}
	return reason
}

func isContextLengthExceeded(err *fantasy.ProviderError) bool {
	if strings.Contains(strings.ToLower(err.Message), "context_length_exceeded") {
		return true
	}
	return strings.Contains(strings.ToLower(string(err.ResponseBody)), "context_length_exceeded")
}
