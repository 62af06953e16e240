// Package handlers owns the socket edge: the websocket upgrade, the identity
// token handshake, and the per-connection session loop that feeds events
// into the coordination components.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/realtime/config"
	"github.com/antinvestor/service-realtime/apps/realtime/service"
	"github.com/antinvestor/service-realtime/apps/realtime/service/authz"
	"github.com/antinvestor/service-realtime/apps/realtime/service/business"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
	"github.com/antinvestor/service-realtime/apps/realtime/service/registry"
	"github.com/antinvestor/service-realtime/internal/telemetry"
)

// Gateway upgrades authenticated HTTP requests to websocket sessions and
// hands them to the coordination components.
type Gateway struct {
	cfg      *config.RealtimeConfig
	reg      *registry.Registry
	guard    *authz.Guard
	limiter  *business.RateLimiter
	presence business.PresenceEngine
	typing   business.TypingTracker
	collab   business.CollabManager
	rooms    business.RoomManager

	upgrader websocket.Upgrader
}

func NewGateway(
	cfg *config.RealtimeConfig,
	reg *registry.Registry,
	guard *authz.Guard,
	limiter *business.RateLimiter,
	presence business.PresenceEngine,
	typing business.TypingTracker,
	collab business.CollabManager,
	rooms business.RoomManager,
) *Gateway {
	return &Gateway{
		cfg:      cfg,
		reg:      reg,
		guard:    guard,
		limiter:  limiter,
		presence: presence,
		typing:   typing,
		collab:   collab,
		rooms:    rooms,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
}

// socketClaims is the identity token payload issued for socket handshakes.
type socketClaims struct {
	jwt.RegisteredClaims

	TenantID    string   `json:"tenant_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	Name        string   `json:"name,omitempty"`
}

// ServeHTTP authenticates the handshake and runs the session until the
// socket closes.
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := gw.authenticate(r)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("socket handshake rejected")
		writeStatusError(w, http.StatusUnauthorized, service.ErrAuthenticationRequired)
		return
	}

	ws, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response
		util.Log(ctx).WithError(err).Warn("websocket upgrade failed")
		return
	}

	sess := newSession(gw, ws, claims, remoteIP(r))
	if err = gw.reg.Register(sess); err != nil {
		telemetry.ConnectionsRejectedCounter.Add(ctx, 1)
		util.Log(ctx).WithError(err).WithField("user_id", claims.UserID).
			Warn("connection rejected at registration")
		env := models.NewEnvelope(models.EventError, service.AsStatus(err).Payload(time.Now().UTC()))
		_ = ws.WriteJSON(env)
		sess.Close("connection limit")
		return
	}

	telemetry.ConnectionsTotalCounter.Add(ctx, 1)
	telemetry.ConnectionsActiveGauge.Add(ctx, 1)
	util.Log(ctx).WithFields(map[string]any{
		"socket_id": sess.SocketID(),
		"user_id":   claims.UserID,
		"tenant_id": claims.TenantID,
	}).Info("socket connected")

	sess.run(ctx)
}

// authenticate verifies the HMAC identity token from the Authorization
// header or, for browser clients that cannot set headers on the websocket
// handshake, the token query parameter.
func (gw *Gateway) authenticate(r *http.Request) (*models.Claims, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, service.ErrAuthenticationRequired
	}

	parsed, err := jwt.ParseWithClaims(raw, &socketClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(gw.cfg.TokenVerificationSecret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	tokenClaims, ok := parsed.Claims.(*socketClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("token claims are not usable")
	}
	if tokenClaims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	if tokenClaims.TenantID == "" {
		return nil, errors.New("token has no tenant")
	}

	return &models.Claims{
		UserID:      tokenClaims.Subject,
		TenantID:    tokenClaims.TenantID,
		Role:        tokenClaims.Role,
		Permissions: tokenClaims.Permissions,
		UserName:    tokenClaims.Name,
	}, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return r.URL.Query().Get("token")
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeStatusError(w http.ResponseWriter, httpStatus int, statusErr *service.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(statusErr.Payload(time.Now().UTC()))
}
