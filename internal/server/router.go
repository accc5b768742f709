package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/config"
	"github.com/roulette-chat/roulette/internal/core"
	"github.com/roulette-chat/roulette/internal/domain"
)

// UserTokenMiddleware pins a uuid to the browser session so page reloads keep
// the same identity. The Go client never sends the cookie; it simply gets a
// fresh uuid per channel connection, which is the intended lifetime anyway.
func UserTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		uid, _ := s.Get("uid").(string)
		if uid == "" {
			uid = uuid.NewString()
			s.Set("uid", uid)
			_ = s.Save()
		}
		c.Set("user_id", uid)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg config.ServerConfig, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RouletteSessions", store))
	r.Use(UserTokenMiddleware())

	log.Info().Str("module", "server.http").Str("mode", cfg.Mode).Msg("router setup")

	r.GET("/", ctl.handleHealth)
	r.GET("/ws", func(c *gin.Context) {
		ctl.HandleChannel(ctx, c)
	})

	r.POST("/start", func(c *gin.Context) { ctl.handleStart(c, domain.ModeText) })
	r.POST("/start_video", func(c *gin.Context) { ctl.handleStart(c, domain.ModeVideo) })
	r.POST("/send_message", ctl.handleSendMessage)
	r.POST("/disconnect", ctl.handleDisconnect)
	r.GET("/session", ctl.handleLookup)
	r.GET("/profile", ctl.handleGetProfile)
	r.PUT("/profile", ctl.handlePutProfile)
	r.POST("/block", ctl.handleBlock)
	r.POST("/report", ctl.handleReport)

	return r
}

func (ctl *Controller) handleHealth(c *gin.Context) {
	active, waiting := ctl.MM.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"active_sessions": active,
		"waiting_users":   waiting,
	})
}

type startRequest struct {
	UserID string `json:"user_id"`
}

// handleStart answers the pairing request. The caller must already hold a
// live channel connection; the "user not connected" reply is what the client
// retries on while its channel registration races this call.
func (ctl *Controller) handleStart(c *gin.Context, mode domain.ChatMode) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user_id"})
		return
	}
	user := domain.Identity(req.UserID)

	if !ctl.MM.Registered(user) || !ctl.Hub.Online(user) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user not connected"})
		return
	}
	if ctl.MM.Banned(user) {
		c.JSON(http.StatusForbidden, gin.H{"error": "banned"})
		return
	}
	if !ctl.Limiter.Allow(user) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many pairing attempts"})
		return
	}

	res, sess := ctl.MM.Pair(user, mode)
	if sess != nil {
		ctl.announceMatch(sess, user)
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":          string(res.SessionID),
		"status":              res.Status,
		"partner_id":          string(res.PartnerID),
		"is_initiator":        res.IsInitiator,
		"partner_profile":     res.PartnerProfile,
		"estimated_wait_time": res.EstimatedWaitTime,
	})
}

type messageRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
}

// handleSendMessage broadcasts the line to the session room. Each recipient
// sees its own perspective in the "from" field; the sender's mirror comes
// back tagged "you" and is suppressed client-side.
func (ctl *Controller) handleSendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing session_id or user_id"})
		return
	}
	if req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}

	user := domain.Identity(req.UserID)
	sess, ok := ctl.MM.Touch(domain.SessionID(req.SessionID), user)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	msgID := uuid.NewString()
	for _, member := range sess.Users {
		from := domain.OriginPartner.String()
		if member == user {
			from = domain.OriginSelf.String()
		}
		ctl.Hub.ToUser(member, core.EvNewMessage, core.NewMessagePayload{
			SessionID: string(sess.ID),
			Message:   core.WireMessage{ID: msgID, From: from, Text: req.Text},
		})
	}

	c.JSON(http.StatusOK, gin.H{"status": "sent", "message_id": msgID})
}

type disconnectRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// handleDisconnect is idempotent: a session already gone still answers 200.
func (ctl *Controller) handleDisconnect(c *gin.Context) {
	var req disconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user_id"})
		return
	}

	user := domain.Identity(req.UserID)
	if sess, ok := ctl.MM.End(domain.SessionID(req.SessionID), user); ok {
		if partner, ok := sess.PartnerOf(user); ok {
			ctl.Hub.ToUser(partner, core.EvPartnerDisconnected,
				core.SessionRef{SessionID: string(sess.ID), Reason: "partner left"})
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (ctl *Controller) handleLookup(c *gin.Context) {
	user := domain.Identity(c.Query("user_id"))
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user_id"})
		return
	}
	if !ctl.MM.Registered(user) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user not connected"})
		return
	}

	res := ctl.MM.Lookup(user)
	c.JSON(http.StatusOK, gin.H{
		"session_id":          string(res.SessionID),
		"status":              res.Status,
		"partner_id":          string(res.PartnerID),
		"is_initiator":        res.IsInitiator,
		"partner_profile":     res.PartnerProfile,
		"estimated_wait_time": res.EstimatedWaitTime,
	})
}

func (ctl *Controller) handleGetProfile(c *gin.Context) {
	user := domain.Identity(c.Query("user_id"))
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user_id"})
		return
	}
	p := ctl.MM.profileCopy(user)
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (ctl *Controller) handlePutProfile(c *gin.Context) {
	var p domain.Profile
	if err := c.ShouldBindJSON(&p); err != nil || p.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user_id"})
		return
	}
	user := domain.Identity(p.UserID)
	if !ctl.MM.Registered(user) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user not connected"})
		return
	}
	ctl.MM.UpdateProfile(user, p)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type blockRequest struct {
	UserID        string `json:"user_id"`
	BlockedUserID string `json:"blocked_user_id"`
}

func (ctl *Controller) handleBlock(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" || req.BlockedUserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user_id or blocked_user_id"})
		return
	}
	ctl.MM.Block(domain.Identity(req.UserID), domain.Identity(req.BlockedUserID))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type reportRequest struct {
	ReporterID     string `json:"reporter_id"`
	ReportedUserID string `json:"reported_user_id"`
	Reason         string `json:"reason"`
}

func (ctl *Controller) handleReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ReporterID == "" || req.ReportedUserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing reporter_id or reported_user_id"})
		return
	}

	reported := domain.Identity(req.ReportedUserID)
	banned := ctl.MM.Report(domain.Identity(req.ReporterID), reported, req.Reason)
	if banned {
		ctl.endSessionOf(reported, "banned")
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "banned": banned})
}

func (ctl *Controller) endSessionOf(user domain.Identity, reason string) {
	res := ctl.MM.Lookup(user)
	if res.Status != "matched" {
		return
	}
	if sess, ok := ctl.MM.End(res.SessionID, user); ok {
		ctl.Hub.ToRoom(sess.ID, "", core.EvSessionEnded,
			core.SessionRef{SessionID: string(sess.ID), Reason: reason})
	}
}

// RunSweeper ends idle sessions on a fixed cadence until the context closes.
func (ctl *Controller) RunSweeper(ctx context.Context, maxIdle, interval time.Duration) {
	if maxIdle <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range ctl.MM.SweepIdle(maxIdle) {
				ctl.Hub.ToRoom(sess.ID, "", core.EvSessionEnded,
					core.SessionRef{SessionID: string(sess.ID), Reason: "session timed out"})
			}
		}
	}
}
