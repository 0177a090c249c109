package fantasybridge

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptions(t *testing.T) {
	key := func(s string) string { return "key=" + s }
	url := func(s string) string { return "url=" + s }
	client := func(*http.Client) string { return "client" }

	require.Empty(t, options(Config{}, key, url, client))
	require.Equal(t, []string{"key=k", "url=u", "client"},
		options(Config{APIKey: "k", BaseURL: "u", HTTPClient: http.DefaultClient}, key, url, client))
	require.Equal(t, []string{"key=k"}, options(Config{APIKey: "k", BaseURL: "u"}, key, nil, nil))
}
