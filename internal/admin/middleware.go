package admin

import (
	"crypto/subtle"
	"net"
	"net/http"
	"net/netip"

	"golang.org/x/crypto/bcrypt"
)

// enforcePrivateIP is a middleware that restricts access to the HTTP server
// based on the client's IP address. It allows only requests from private,
// loopback and link-local addresses. Any other requests are denied with a 403
// Forbidden error.
func enforcePrivateIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "Could not get IP", http.StatusInternalServerError)
			return
		}

		addr, err := netip.ParseAddr(host)
		if err != nil {
			http.Error(w, "Could not get IP", http.StatusInternalServerError)
			return
		}
		addr = addr.Unmap()
		if !addr.IsPrivate() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() {
			http.Error(w, "", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// disableCache is a middleware that sets HTTP response headers to prevent
// clients from caching the response.
func disableCache(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		next.ServeHTTP(w, r)
	}
}

// protect wraps next with HTTP basic authentication when credentials are
// configured. The password is checked against the configured bcrypt hash.
func (s *Server) protect(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.Username == "" || s.cfg.PasswordHash == "" {
		return next
	}
	wantUser := []byte(s.cfg.Username)
	hash := []byte(s.cfg.PasswordHash)

	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), wantUser) == 1
		if !ok || bcrypt.CompareHashAndPassword(hash, []byte(pass)) != nil || !userOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="cd11connman", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}
}
