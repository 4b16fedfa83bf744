package runtime

import (
	"github.com/routercore/llmrouter/internal/auth"
	"github.com/routercore/llmrouter/internal/provider"
)

// OAuth application constants for the supported providers.
const (
	qwenDeviceCodeEndpoint = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	qwenTokenEndpoint      = "https://chat.qwen.ai/api/v1/oauth2/token"
	qwenClientID           = "f0304373b74a44d2b584a3fb70ca9e56"
	qwenScope              = "openid profile email model.completion"

	iflowDeviceCodeEndpoint = "https://iflow.cn/oauth/device/code"
	iflowTokenEndpoint      = "https://iflow.cn/oauth/token"
	iflowClientID           = "10009311001"
	iflowClientSecret       = "4Z3YjXycVsQvyGF1etiNlIBB4RsqSDtW"
)

// OAuthEndpoints returns the device-flow and refresh endpoints for a
// provider dialect. The second result is false for dialects that do not
// use OAuth (API key or unauthenticated upstreams).
func OAuthEndpoints(dialect provider.Dialect) (auth.DeviceFlowConfig, auth.RefreshConfig, bool) {
	switch dialect {
	case provider.DialectQwen:
		return auth.DeviceFlowConfig{
				DeviceCodeURL: qwenDeviceCodeEndpoint,
				TokenURL:      qwenTokenEndpoint,
				ClientID:      qwenClientID,
				Scope:         qwenScope,
			}, auth.RefreshConfig{
				TokenURL: qwenTokenEndpoint,
				ClientID: qwenClientID,
			}, true
	case provider.DialectIFlow:
		return auth.DeviceFlowConfig{
				DeviceCodeURL: iflowDeviceCodeEndpoint,
				TokenURL:      iflowTokenEndpoint,
				ClientID:      iflowClientID,
				ClientSecret:  iflowClientSecret,
			}, auth.RefreshConfig{
				TokenURL:     iflowTokenEndpoint,
				ClientID:     iflowClientID,
				ClientSecret: iflowClientSecret,
			}, true
	}
	return auth.DeviceFlowConfig{}, auth.RefreshConfig{}, false
}
