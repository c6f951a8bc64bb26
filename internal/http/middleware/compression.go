package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionForSSE applies compress to every request except event
// streams, which must flush each message unbuffered. EventSource clients do
// not always send an Accept header, so paths ending in /events are skipped
// too.
func SkipCompressionForSSE(compress func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compress(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isEventStream(r) {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}

func isEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream") ||
		strings.HasSuffix(r.URL.Path, "/events")
}
