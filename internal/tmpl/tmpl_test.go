package tmpl

import (
	"testing"

	"djp.chapter42.de/renderq/internal/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareTemplatesDefaults(t *testing.T) {
	remote := &data.RemoteConfig{Name: "comfy"}
	require.NoError(t, PrepareTemplates(remote))

	got, err := RenderEndpoint(remote.ParsedHistoryTpl, EndpointData{CorrelationID: "abc-123"})
	require.NoError(t, err)
	assert.Equal(t, "/history/abc-123", got)

	got, err = RenderEndpoint(remote.ParsedSubmitTpl, EndpointData{})
	require.NoError(t, err)
	assert.Equal(t, "/prompt", got)

	got, err = RenderEndpoint(remote.ParsedStatsTpl, EndpointData{})
	require.NoError(t, err)
	assert.Equal(t, "/system_stats", got)
}

func TestPrepareTemplatesCustom(t *testing.T) {
	remote := &data.RemoteConfig{
		Name: "proxy",
		Endpoints: data.EndpointConfig{
			History: "/api/v2/history/{{.CorrelationID}}?client={{.ClientID}}",
		},
	}
	require.NoError(t, PrepareTemplates(remote))

	got, err := RenderEndpoint(remote.ParsedHistoryTpl, EndpointData{CorrelationID: "p1", ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "/api/v2/history/p1?client=c1", got)
}

func TestPrepareTemplatesInvalid(t *testing.T) {
	remote := &data.RemoteConfig{Name: "broken", Endpoints: data.EndpointConfig{Submit: "/prompt/{{.Oops"}}
	err := PrepareTemplates(remote)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit endpoint template [broken]")
}

func TestRenderEndpointWithoutTemplate(t *testing.T) {
	_, err := RenderEndpoint(nil, EndpointData{})
	assert.Error(t, err)
}
