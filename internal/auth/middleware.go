package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// Via says how a local API caller was admitted.
type Via string

const (
	ViaLoopback Via = "loopback"
	ViaSocket   Via = "socket"
	ViaKey      Via = "key"
)

// Caller is attached to the context of every admitted request.
type Caller struct {
	Via  Via
	Peer string
}

type callerKey struct{}

func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Middleware admits local peers when the keyring allows it and everyone
// else only with a configured bearer key.
func Middleware(ring *Keyring) func(http.Handler) http.Handler {
	if ring == nil {
		ring = defaultKeyring()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := admit(r, ring)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="intersync"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
		})
	}
}

func admit(r *http.Request, ring *Keyring) (Caller, bool) {
	peer := strings.TrimSpace(r.RemoteAddr)
	if via, local := peerVia(r, peer); local && ring.AllowLocalhostWithoutAuth {
		return Caller{Via: via, Peer: peer}, true
	}
	if ring.Valid(bearerToken(r.Header.Get("Authorization"))) {
		return Caller{Via: ViaKey, Peer: peer}, true
	}
	return Caller{}, false
}

// peerVia classifies the peer. Unix socket peers have an empty or "@"
// address. A forwarded header names the real client and wins.
func peerVia(r *http.Request, peer string) (Via, bool) {
	if fwd, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(fwd) != "" {
		return ViaLoopback, isLoopback(strings.TrimSpace(fwd))
	}
	if peer == "" || peer == "@" {
		return ViaSocket, true
	}
	if h, _, err := net.SplitHostPort(peer); err == nil {
		peer = h
	}
	return ViaLoopback, isLoopback(peer)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
