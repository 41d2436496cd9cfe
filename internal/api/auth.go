package api

import (
	"crypto/sha256"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyAuth rejects requests whose X-API-Key matches none of the bcrypt hashes.
// With no hashes configured every request passes.
func APIKeyAuth(hashes []string) mux.MiddlewareFunc {
	var verified sync.Map // sha256(key) -> struct{}

	return func(next http.Handler) http.Handler {
		if len(hashes) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				writeUnauthorized(w)
				return
			}

			digest := sha256.Sum256([]byte(key))
			if _, ok := verified.Load(digest); ok {
				next.ServeHTTP(w, r)
				return
			}
			for _, hash := range hashes {
				if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
					verified.Store(digest, struct{}{})
					next.ServeHTTP(w, r)
					return
				}
			}
			writeUnauthorized(w)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	httpReqTotal.WithLabelValues("", "auth", "401").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"invalid API key"}`))
}
