package fingerprint

import (
	"net/http"
	"strconv"
	"strings"
)

// Client hint headers the front end may send alongside the standard ones.
const (
	HeaderScreen         = "X-Client-Screen"
	HeaderPixelRatio     = "X-Client-Pixel-Ratio"
	HeaderTimezoneOffset = "X-Client-Timezone-Offset"
	HeaderColorDepth     = "X-Client-Color-Depth"
	HeaderPlatform       = "Sec-CH-UA-Platform"
)

// HeaderSource reads environment signals from an HTTP request.
type HeaderSource struct {
	Header http.Header
}

// Environment implements Source.
func (s HeaderSource) Environment() (Environment, error) {
	h := s.Header
	if h == nil {
		return Environment{}, ErrNoSignals
	}
	env := Environment{
		Language:  firstLanguage(h.Get("Accept-Language")),
		Platform:  strings.Trim(strings.TrimSpace(h.Get(HeaderPlatform)), `"`),
		UserAgent: strings.TrimSpace(h.Get("User-Agent")),
	}
	if w, hgt, ok := parseScreen(h.Get(HeaderScreen)); ok {
		env.ScreenWidth, env.ScreenHeight = w, hgt
	}
	if v, errParse := strconv.ParseFloat(strings.TrimSpace(h.Get(HeaderPixelRatio)), 64); errParse == nil && v > 0 {
		env.PixelRatio = v
	}
	if v, errParse := strconv.Atoi(strings.TrimSpace(h.Get(HeaderTimezoneOffset))); errParse == nil {
		env.TimezoneOffset = v
	}
	if v, errParse := strconv.Atoi(strings.TrimSpace(h.Get(HeaderColorDepth))); errParse == nil && v > 0 {
		env.ColorDepth = v
	}
	if env.UserAgent == "" && env.Language == "" && env.Platform == "" && env.ScreenWidth == 0 {
		return Environment{}, ErrNoSignals
	}
	return env, nil
}

// FromRequest returns the fingerprint for r, or Unknown.
func FromRequest(r *http.Request) string {
	if r == nil {
		return Unknown
	}
	return NewGenerator(HeaderSource{Header: r.Header}).Generate()
}

func firstLanguage(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	lang, _, _ := strings.Cut(raw, ",")
	lang, _, _ = strings.Cut(lang, ";")
	return strings.TrimSpace(lang)
}

func parseScreen(raw string) (int, int, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	wRaw, hRaw, ok := strings.Cut(raw, "x")
	if !ok {
		return 0, 0, false
	}
	w, errW := strconv.Atoi(strings.TrimSpace(wRaw))
	hgt, errH := strconv.Atoi(strings.TrimSpace(hRaw))
	if errW != nil || errH != nil || w <= 0 || hgt <= 0 {
		return 0, 0, false
	}
	return w, hgt, true
}
