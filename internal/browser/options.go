package browser

import (
	"encoding/json"

	"github.com/surf-session-core/internal/types"
)

// DefaultViewport is used when no layer sets a viewport
var DefaultViewport = types.Viewport{Width: 1280, Height: 720}

// MergeContextOptions layers profile defaults, then proxy-forced fields, then caller overrides.
// A later layer wins for every field it sets. Extra headers merge key by key.
func MergeContextOptions(profile, proxy, caller types.ContextOptions) types.ContextOptions {
	var out types.ContextOptions
	for _, layer := range []types.ContextOptions{profile, proxy, caller} {
		overlay(&out, layer)
	}
	if out.Viewport == nil {
		v := DefaultViewport
		out.Viewport = &v
	}
	return out
}

func overlay(dst *types.ContextOptions, src types.ContextOptions) {
	src.ContextPreferences = src.ContextPreferences.Clone()

	if src.UserAgent != "" {
		dst.UserAgent = src.UserAgent
	}
	if src.Viewport != nil {
		dst.Viewport = src.Viewport
	}
	if src.Locale != "" {
		dst.Locale = src.Locale
	}
	if src.Timezone != "" {
		dst.Timezone = src.Timezone
	}
	if src.Geolocation != nil {
		dst.Geolocation = src.Geolocation
	}
	if len(src.Permissions) > 0 {
		dst.Permissions = src.Permissions
	}
	if len(src.ExtraHTTPHeaders) > 0 {
		if dst.ExtraHTTPHeaders == nil {
			dst.ExtraHTTPHeaders = make(map[string]string, len(src.ExtraHTTPHeaders))
		}
		for k, v := range src.ExtraHTTPHeaders {
			dst.ExtraHTTPHeaders[k] = v
		}
	}
	if src.Proxy != nil {
		dst.Proxy = src.Proxy
	}
	if len(src.StorageState) > 0 {
		dst.StorageState = append(json.RawMessage(nil), src.StorageState...)
	}
	if src.HTTPCredentials != nil {
		c := *src.HTTPCredentials
		dst.HTTPCredentials = &c
	}
	if src.IgnoreHTTPSErrors != nil {
		dst.IgnoreHTTPSErrors = src.IgnoreHTTPSErrors
	}
	if src.JavaScriptEnabled != nil {
		dst.JavaScriptEnabled = src.JavaScriptEnabled
	}
	if src.Offline != nil {
		dst.Offline = src.Offline
	}
	if src.IsMobile != nil {
		dst.IsMobile = src.IsMobile
	}
	if src.HasTouch != nil {
		dst.HasTouch = src.HasTouch
	}
	if src.DeviceScaleFactor != nil {
		dst.DeviceScaleFactor = src.DeviceScaleFactor
	}
	if src.TimeoutMs > 0 {
		dst.TimeoutMs = src.TimeoutMs
	}
}
