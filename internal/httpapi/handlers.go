package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"call-coordinator/internal/audit"
	"call-coordinator/internal/auth"
	"call-coordinator/internal/calls"
	"call-coordinator/internal/callstatus"
	"call-coordinator/internal/rbac"
	"call-coordinator/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	auditListLimit      = 10
)

// CallService is the slice of the call engine the HTTP surface needs.
type CallService interface {
	Status(ctx context.Context, userID string) (callstatus.UserCallStatus, error)
	Call(ctx context.Context, callID string) (calls.CallRecord, error)
	History(ctx context.Context, userID string, limit int) ([]calls.CallRecord, error)
	ResetUser(ctx context.Context, userID, endedBy string) error
}

// Signaling serves an upgraded websocket for an authenticated user.
type Signaling interface {
	Serve(ctx context.Context, userID string, conn *websocket.Conn)
}

// AuditLister reads back audit events about a user.
type AuditLister interface {
	ListForTarget(ctx context.Context, targetUserID string, limit int) ([]audit.Event, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls     CallService
	Signaling Signaling
	Upgrader  *websocket.Upgrader
	Audit     *audit.Service
	AuditLog  AuditLister
}

func (h Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Signaling ---

// Websocket upgrades the connection and hands it to the relay for the
// authenticated user. It blocks until the connection closes.
func (h Handlers) Websocket(c *gin.Context) {
	if h.Signaling == nil || h.Upgrader == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "signaling not configured"})
		return
	}
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	conn, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.FromGin(c).Warn("websocket upgrade failed", "user_id", userID, "err", err)
		return
	}
	h.Signaling.Serve(c.Request.Context(), userID, conn)
}

// --- Calls ---

func (h Handlers) History(c *gin.Context) {
	userID, ok := h.identity(c)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	recs, err := h.Calls.History(c.Request.Context(), userID, limit)
	if err != nil {
		logger.FromGin(c).Error("history lookup failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	if recs == nil {
		recs = []calls.CallRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs})
}

// GetCall returns one record. Only its participants (and admins) can see it;
// everyone else gets 404.
func (h Handlers) GetCall(c *gin.Context) {
	userID, ok := h.identity(c)
	if !ok {
		return
	}
	callID := c.Param("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}

	rec, err := h.Calls.Call(c.Request.Context(), callID)
	if errors.Is(err, calls.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("call lookup failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call lookup failed"})
		return
	}
	role, _ := auth.Role(c.Request.Context())
	if !rec.HasParticipant(userID) && !rbac.IsAdmin(role) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) MyStatus(c *gin.Context) {
	userID, ok := h.identity(c)
	if !ok {
		return
	}
	h.writeStatus(c, userID, nil)
}

// ResetMyStatus is the client's app-restart hook: it ends whatever call the
// user is stuck in and returns them to idle.
func (h Handlers) ResetMyStatus(c *gin.Context) {
	userID, ok := h.identity(c)
	if !ok {
		return
	}
	if err := h.Calls.ResetUser(c.Request.Context(), userID, userID); err != nil {
		logger.FromGin(c).Error("status reset failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status reset failed"})
		return
	}
	h.writeStatus(c, userID, nil)
}

// --- Admin ---

func (h Handlers) AdminUserStatus(c *gin.Context) {
	target := c.Param("user_id")
	if target == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}

	var resets []audit.Event
	if h.AuditLog != nil {
		evs, err := h.AuditLog.ListForTarget(c.Request.Context(), target, auditListLimit)
		if err != nil {
			logger.FromGin(c).Warn("audit lookup failed", "user_id", target, "err", err)
		}
		resets = evs
	}
	h.writeStatus(c, target, resets)
}

// AdminResetUserStatus force-resets another user. The reset is audited;
// audit failures are logged and do not fail the request.
func (h Handlers) AdminResetUserStatus(c *gin.Context) {
	actorID, ok := h.identity(c)
	if !ok {
		return
	}
	target := c.Param("user_id")
	if target == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	ctx := c.Request.Context()
	log := logger.FromGin(c)

	before, err := h.Calls.Status(ctx, target)
	if err != nil {
		log.Error("status lookup failed", "user_id", target, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status lookup failed"})
		return
	}
	if err := h.Calls.ResetUser(ctx, target, calls.EndedBySystem); err != nil {
		log.Error("admin status reset failed", "user_id", target, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status reset failed"})
		return
	}

	if h.Audit != nil {
		role, _ := auth.Role(ctx)
		var callID string
		if before.Info != nil {
			callID = before.Info.CallID
		}
		actor := audit.Actor{UserID: actorID, Role: role, IP: c.ClientIP()}
		if err := h.Audit.LogStatusReset(ctx, actor, target, callID, string(before.Status)); err != nil {
			log.Error("audit append failed", "user_id", target, "err", err)
		}
	}
	h.writeStatus(c, target, nil)
}

func (h Handlers) writeStatus(c *gin.Context, userID string, resets []audit.Event) {
	st, err := h.Calls.Status(c.Request.Context(), userID)
	if err != nil {
		logger.FromGin(c).Error("status lookup failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status lookup failed"})
		return
	}
	body := gin.H{"userId": userID, "status": st.Status, "activeCallInfo": st.Info}
	if resets != nil {
		body["recentResets"] = resets
	}
	c.JSON(http.StatusOK, body)
}

func (h Handlers) identity(c *gin.Context) (string, bool) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return "", false
	}
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", false
	}
	return userID, true
}

// OriginChecker builds the websocket CheckOrigin. An empty allow-list
// accepts any origin.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[u.Scheme+"://"+u.Host]
		return ok
	}
}
