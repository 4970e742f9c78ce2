package engine

import (
	"encoding/json"
	"fmt"

	"github.com/playwright-community/playwright-go"
	"github.com/surf-session-core/internal/types"
)

// toPlaywrightOptions maps merged context options onto playwright's context options
func toPlaywrightOptions(opts types.ContextOptions) (playwright.BrowserNewContextOptions, error) {
	var out playwright.BrowserNewContextOptions

	if opts.UserAgent != "" {
		out.UserAgent = playwright.String(opts.UserAgent)
	}
	if opts.Viewport != nil {
		out.Viewport = &playwright.Size{Width: opts.Viewport.Width, Height: opts.Viewport.Height}
	}
	if opts.Locale != "" {
		out.Locale = playwright.String(opts.Locale)
	}
	if opts.Timezone != "" {
		out.TimezoneId = playwright.String(opts.Timezone)
	}
	if g := opts.Geolocation; g != nil {
		out.Geolocation = &playwright.Geolocation{
			Latitude:  g.Latitude,
			Longitude: g.Longitude,
			Accuracy:  g.Accuracy,
		}
	}
	if len(opts.Permissions) > 0 {
		out.Permissions = append([]string(nil), opts.Permissions...)
	}
	if len(opts.ExtraHTTPHeaders) > 0 {
		out.ExtraHttpHeaders = make(map[string]string, len(opts.ExtraHTTPHeaders))
		for k, v := range opts.ExtraHTTPHeaders {
			out.ExtraHttpHeaders[k] = v
		}
	}
	if p := opts.Proxy; p != nil && p.Server != "" {
		proxy := &playwright.Proxy{Server: p.Server}
		if p.Username != "" {
			proxy.Username = playwright.String(p.Username)
		}
		if p.Password != "" {
			proxy.Password = playwright.String(p.Password)
		}
		if p.Bypass != "" {
			proxy.Bypass = playwright.String(p.Bypass)
		}
		out.Proxy = proxy
	}
	if len(opts.StorageState) > 0 {
		var state playwright.OptionalStorageState
		if err := json.Unmarshal(opts.StorageState, &state); err != nil {
			return out, fmt.Errorf("decode storage state: %v: %w", err, types.ErrParse)
		}
		out.StorageState = &state
	}
	if c := opts.HTTPCredentials; c != nil {
		out.HttpCredentials = &playwright.HttpCredentials{Username: c.Username, Password: c.Password}
	}

	out.IgnoreHttpsErrors = opts.IgnoreHTTPSErrors
	out.JavaScriptEnabled = opts.JavaScriptEnabled
	out.Offline = opts.Offline
	out.IsMobile = opts.IsMobile
	out.HasTouch = opts.HasTouch
	out.DeviceScaleFactor = opts.DeviceScaleFactor

	return out, nil
}
