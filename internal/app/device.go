package app

import (
	"context"
	"net/http"
	"strings"

	"sweetblog/internal/store"
)

type deviceKey struct{}

// DeviceFromContext returns the device attached by the device middleware.
func DeviceFromContext(ctx context.Context) (store.Device, bool) {
	device, ok := ctx.Value(deviceKey{}).(store.Device)
	return device, ok
}

var crawlerMarkers = []string{
	"bot",
	"crawl",
	"spider",
	"slurp",
	"facebookexternalhit",
	"preview",
}

func isCrawler(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, marker := range crawlerMarkers {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

// withDevice resolves the device cookie into a store.Device and attaches it
// to the request context. A fresh device gets a new cookie. Crawlers pass
// through without a device so bot traffic never pollutes the registry.
func (s *HTTPServer) withDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isCrawler(r.UserAgent()) {
			next.ServeHTTP(w, r)
			return
		}

		cookieValue := ""
		if cookie, err := r.Cookie(s.service.cfg.DeviceCookieName); err == nil {
			cookieValue = cookie.Value
		}

		device, created, err := s.service.ResolveDevice(r.Context(), cookieValue, DeviceMeta{
			Method:         r.Method,
			Path:           r.URL.Path,
			FullPath:       r.URL.RequestURI(),
			RemoteAddr:     r.RemoteAddr,
			UserAgent:      r.UserAgent(),
			Referer:        r.Referer(),
			AcceptLanguage: r.Header.Get("Accept-Language"),
		})
		if err != nil {
			// Identity must never take the site down. Serve without a device.
			next.ServeHTTP(w, r)
			return
		}

		if created || cookieValue != device.UUID {
			http.SetCookie(w, &http.Cookie{
				Name:     s.service.cfg.DeviceCookieName,
				Value:    device.UUID,
				Path:     "/",
				MaxAge:   int(s.service.cfg.DeviceCookieTTL.Seconds()),
				SameSite: http.SameSiteLaxMode,
			})
		}

		ctx := context.WithValue(r.Context(), deviceKey{}, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
