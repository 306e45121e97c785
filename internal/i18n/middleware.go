package i18n

import (
	"net/http"

	"golang.org/x/text/language"
)

// Middleware injects a localizer into every request context. The language
// comes from the Accept-Language header when it matches a loaded locale,
// and from lang otherwise. Before Init it passes requests through and
// labels fall back to message IDs.
func Middleware(lang string) func(http.Handler) http.Handler {
	tags := Languages()
	if len(tags) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	fallback := NewLocalizer(lang)
	matcher := language.NewMatcher(tags)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loc := fallback
			if accept := r.Header.Get("Accept-Language"); accept != "" {
				if prefs, _, err := language.ParseAcceptLanguage(accept); err == nil && len(prefs) > 0 {
					_, idx, conf := matcher.Match(prefs...)
					if conf != language.No {
						loc = NewLocalizer(tags[idx].String(), lang)
					}
				}
			}
			next.ServeHTTP(w, r.WithContext(WithLocalizer(r.Context(), loc)))
		})
	}
}
