//go:build agentrun_small

package fantasybridge

import (
	"charm.land/fantasy"
	fopenaicompat "charm.land/fantasy/providers/openaicompat"

	"github.com/dotcommander/agentrun/internal/stream"
)

// The small build only links the OpenAI-compatible provider.
var providerFactories = map[string]providerFactory{}

func applyProviderOptions(fc *fantasy.Call, _ Config, call stream.Call) {
	if call.User == "" {
		return
	}
	user := call.User
	fc.ProviderOptions[fopenaicompat.Name] = &fopenaicompat.ProviderOptions{User: &user}
}
