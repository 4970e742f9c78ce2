package browser

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/surf-session-core/internal/types"
)

func TestMergeContextOptionsPrecedence(t *testing.T) {
	mobile := true
	desktop := false

	profile := types.ContextOptions{
		ContextPreferences: types.ContextPreferences{
			UserAgent:        "Profile/1.0",
			Locale:           "de-DE",
			Timezone:         "Europe/Berlin",
			Viewport:         &types.Viewport{Width: 800, Height: 600},
			ExtraHTTPHeaders: map[string]string{"A": "profile", "B": "profile"},
			Proxy:            &types.ProxySettings{Server: "http://profile.com:8080"},
		},
		StorageState: json.RawMessage(`{"cookies":[]}`),
		IsMobile:     &mobile,
	}
	proxy := types.ContextOptions{
		ContextPreferences: types.ContextPreferences{
			Proxy: &types.ProxySettings{Server: "http://rotated.com:8080"},
		},
	}
	caller := types.ContextOptions{
		ContextPreferences: types.ContextPreferences{
			Locale:           "en-US",
			ExtraHTTPHeaders: map[string]string{"B": "caller", "C": "caller"},
		},
		IsMobile:  &desktop,
		TimeoutMs: 5000,
	}

	got := MergeContextOptions(profile, proxy, caller)

	assert.Equal(t, "Profile/1.0", got.UserAgent)
	assert.Equal(t, "en-US", got.Locale, "caller beats profile")
	assert.Equal(t, "Europe/Berlin", got.Timezone)
	assert.Equal(t, &types.Viewport{Width: 800, Height: 600}, got.Viewport)
	assert.Equal(t, map[string]string{"A": "profile", "B": "caller", "C": "caller"}, got.ExtraHTTPHeaders)
	assert.Equal(t, "http://rotated.com:8080", got.Proxy.Server, "rotated proxy beats profile proxy")
	assert.Equal(t, `{"cookies":[]}`, string(got.StorageState))
	assert.Equal(t, &desktop, got.IsMobile)
	assert.Equal(t, 5000.0, got.TimeoutMs)
}

func TestMergeContextOptionsCallerProxyWins(t *testing.T) {
	got := MergeContextOptions(
		types.ContextOptions{},
		types.ContextOptions{ContextPreferences: types.ContextPreferences{Proxy: &types.ProxySettings{Server: "http://rotated.com:8080"}}},
		types.ContextOptions{ContextPreferences: types.ContextPreferences{Proxy: &types.ProxySettings{Server: "http://pinned.com:8080"}}},
	)
	assert.Equal(t, "http://pinned.com:8080", got.Proxy.Server)
}

func TestMergeContextOptionsDefaultsAndIsolation(t *testing.T) {
	headers := map[string]string{"A": "1"}
	profile := types.ContextOptions{ContextPreferences: types.ContextPreferences{ExtraHTTPHeaders: headers}}

	got := MergeContextOptions(profile, types.ContextOptions{}, types.ContextOptions{})
	assert.Equal(t, &types.Viewport{Width: 1280, Height: 720}, got.Viewport)

	got.ExtraHTTPHeaders["A"] = "changed"
	got.Viewport.Width = 1
	assert.Equal(t, "1", headers["A"], "inputs are not aliased")
	assert.Equal(t, 1280, DefaultViewport.Width)
}
