package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/SCSIExpress/pacsync/pkg/auth"
	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/metrics"
)

type contextKey int

const identityKey contextKey = iota

// Identity is the authenticated caller injected into the request context
type Identity struct {
	EndpointID string
	Admin      bool
}

// IdentityFrom extracts the authenticated identity, if any
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// Allow-lists for path parameters. Anything outside these shapes is
// rejected before handler dispatch.
var (
	uuidPattern  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	namePattern  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	limitPattern = regexp.MustCompile(`^[0-9]{1,6}$`)
)

// idParams lists the URL parameters that must be opaque identifiers
var idParams = []string{"id", "endpoint_id", "pool_id", "op_id", "state_id"}

// validateParams is the first middleware: syntactic checks on every
// recognized path parameter and on common query parameters.
func validateParams(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := chi.RouteContext(r.Context())
		if rctx != nil {
			for _, param := range idParams {
				value := rctx.URLParam(param)
				if value != "" && !uuidPattern.MatchString(value) {
					writeError(w, r, errdefs.Validation("invalid %s", param).WithDetail(param, "must be a UUID"))
					return
				}
			}
		}

		if limit := r.URL.Query().Get("limit"); limit != "" && !limitPattern.MatchString(limit) {
			writeError(w, r, errdefs.Validation("invalid limit").WithDetail("limit", "must be a small positive integer"))
			return
		}
		if poolID := r.URL.Query().Get("pool_id"); poolID != "" && !uuidPattern.MatchString(poolID) {
			writeError(w, r, errdefs.Validation("invalid pool_id").WithDetail("pool_id", "must be a UUID"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// validName reports whether s is an acceptable endpoint, pool, package,
// or repository name: printable, bounded, no separators or quoting that
// could smuggle injection payloads.
func validName(s string) bool {
	return namePattern.MatchString(s)
}

// rateLimiter implements a token bucket per client with idle eviction.
// Authenticated requests are keyed by endpoint id, anonymous ones by
// source IP.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rateClient

	perMinute int
	burst     int
}

type rateClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const rateLimiterIdleEviction = 10 * time.Minute

func newRateLimiter(perMinute int) *rateLimiter {
	rl := &rateLimiter{
		clients:   make(map[string]*rateClient),
		perMinute: perMinute,
		burst:     perMinute,
	}
	go rl.evictLoop()
	return rl
}

func (rl *rateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	client, ok := rl.clients[key]
	if !ok {
		client = &rateClient{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.burst),
		}
		rl.clients[key] = client
	}
	client.lastSeen = time.Now()
	return client.limiter
}

func (rl *rateLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-rateLimiterIdleEviction)
		rl.mu.Lock()
		for key, client := range rl.clients {
			if client.lastSeen.Before(cutoff) {
				delete(rl.clients, key)
			}
		}
		rl.mu.Unlock()
	}
}

// middleware applies the per-client budget and sets the X-RateLimit-*
// headers on every response.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		limiter := rl.get(key)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.perMinute))
		remaining := int(limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !limiter.Allow() {
			metrics.RateLimitRejections.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Minute.Seconds())/rl.perMinute+1))
			writeError(w, r, errdefs.RateLimit("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller for rate limiting: bearer token if
// present, source IP otherwise. Keying on the raw token keeps one noisy
// endpoint from starving others behind the same NAT.
func clientKey(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return "t:" + token
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// authenticator resolves bearer tokens into request identities
type authenticator struct {
	tokens auth.TokenProvider
	touch  func(ctx context.Context, endpointID string) error
}

// require authenticates the request. Endpoint tokens refresh last_seen
// as a liveness signal; admin tokens carry no endpoint identity.
func (a *authenticator) require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, r, errdefs.Authentication("missing bearer token"))
			return
		}

		identity, err := a.resolve(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

func (a *authenticator) resolve(ctx context.Context, token string) (*Identity, error) {
	if a.tokens.IsAdminToken(token) {
		return &Identity{Admin: true}, nil
	}

	claims, err := a.tokens.Validate(token)
	if err != nil {
		return nil, err
	}
	if a.touch != nil {
		if err := a.touch(ctx, claims.EndpointID); err != nil {
			// A token for a removed endpoint is no longer valid
			if errdefs.IsKind(err, errdefs.KindNotFound) {
				return nil, errdefs.Authentication("endpoint no longer registered")
			}
			return nil, err
		}
	}
	return &Identity{EndpointID: claims.EndpointID}, nil
}

// requireSelf ensures the authenticated identity owns the endpoint_id
// path parameter. Admins pass.
func requireSelf(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFrom(r.Context())
			if !ok {
				writeError(w, r, errdefs.Authentication("missing bearer token"))
				return
			}
			if !identity.Admin && identity.EndpointID != chi.URLParam(r, param) {
				writeError(w, r, errdefs.Authorization("token does not match endpoint"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAdmin restricts a route to the static admin token list
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFrom(r.Context())
		if !ok {
			writeError(w, r, errdefs.Authentication("missing bearer token"))
			return
		}
		if !identity.Admin {
			writeError(w, r, errdefs.Authorization("admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and latencies
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack passes through for WebSocket upgrades
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errdefs.Internal(nil, "response writer does not support hijacking")
	}
	return hj.Hijack()
}
