package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/handoff/internal/command"
	"github.com/suPer8Hu/handoff/internal/common"
	"github.com/suPer8Hu/handoff/internal/handoff"
	"github.com/suPer8Hu/handoff/internal/httpapi/middleware"
	"github.com/suPer8Hu/handoff/internal/relay"
	"go.uber.org/zap"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// fail writes the envelope for a broker error.
func (h *Handler) fail(c *gin.Context, err error) {
	switch handoff.Kind(err) {
	case "duplicate_request":
		common.Fail(c, http.StatusConflict, 40901, "already waiting or in session")
	case "no_active_request":
		common.Fail(c, http.StatusConflict, 40902, "no waiting request")
	case "queue_empty":
		common.Fail(c, http.StatusConflict, 40903, "no user waiting")
	case "operator_busy":
		common.Fail(c, http.StatusConflict, 40904, "operator busy")
	case "no_active_session":
		common.Fail(c, http.StatusConflict, 40905, "no active session")
	case "invalid_transition":
		common.Fail(c, http.StatusConflict, 40906, "invalid transition")
	case "not_authorized":
		common.Fail(c, http.StatusForbidden, 40301, "not authorized")
	case "not_found":
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
	case "store_unavailable":
		// details are logged by the broker, not returned
		common.Fail(c, http.StatusServiceUnavailable, 50301, "service busy, try again later")
	default:
		h.Logger.Error("handoff command failed", zap.Error(err), zap.String("request_id", c.GetString(middleware.RequestIDKey)))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

func actor(c *gin.Context) (string, handoff.Role, bool) {
	id, role, ok := middleware.Actor(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return id, role, ok
}

func (h *Handler) RequestHandoff(c *gin.Context) {
	uid, _, ok := actor(c)
	if !ok {
		return
	}
	sess, err := h.Broker.Request(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) CancelHandoff(c *gin.Context) {
	uid, _, ok := actor(c)
	if !ok {
		return
	}
	sess, err := h.Broker.Cancel(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, sess)
}

type targetReq struct {
	UserID string `json:"user_id"`
}

func (h *Handler) AcceptHandoff(c *gin.Context) {
	uid, role, ok := actor(c)
	if !ok {
		return
	}
	var req targetReq
	_ = c.ShouldBindJSON(&req) // allow empty body

	sess, err := h.Broker.Dispatch(c.Request.Context(), handoff.Invocation{
		Command:      handoff.CommandAccept,
		ActorID:      uid,
		Role:         role,
		TargetUserID: strings.TrimSpace(req.UserID),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) CloseHandoff(c *gin.Context) {
	uid, role, ok := actor(c)
	if !ok {
		return
	}
	var req targetReq
	_ = c.ShouldBindJSON(&req)

	sess, err := h.Broker.Close(c.Request.Context(), uid, role, strings.TrimSpace(req.UserID))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, sess)
}

type commandReq struct {
	Text   string `json:"text" binding:"required"`
	Quoted string `json:"quoted"`
}

// ExecCommand runs a chat text command and returns the reply for the actor.
// Plain chat text is answered with the peer it should be forwarded to.
func (h *Handler) ExecCommand(c *gin.Context) {
	uid, role, ok := actor(c)
	if !ok {
		return
	}
	var req commandReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	p, isCmd := command.Parse(req.Text, req.Quoted)
	if !isCmd {
		peer, err := h.Broker.Peer(c.Request.Context(), uid, role)
		if err != nil && handoff.Kind(err) != "no_active_session" {
			h.fail(c, err)
			return
		}
		common.OK(c, gin.H{"command": nil, "forward_to": peer})
		return
	}

	inv := handoff.Invocation{Command: p.Command, ActorID: uid, Role: role, TargetUserID: p.Target}
	sess, err := h.Broker.Dispatch(c.Request.Context(), inv)
	reply := relay.Reply(inv, sess, err)
	if err != nil {
		switch handoff.Kind(err) {
		case "store_unavailable", "internal":
			h.fail(c, err)
			return
		}
		// business rejections are a normal chat outcome
		common.OK(c, gin.H{"command": p.Command.String(), "error": handoff.Kind(err), "reply": reply})
		return
	}
	common.OK(c, gin.H{"command": p.Command.String(), "session": sess, "reply": reply})
}

func (h *Handler) ListQueue(c *gin.Context) {
	_, role, ok := actor(c)
	if !ok {
		return
	}
	if role != handoff.RoleOperator {
		common.Fail(c, http.StatusForbidden, 40301, "not authorized")
		return
	}
	entries, err := h.Broker.Waiting(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"waiting": entries, "count": len(entries)})
}

func (h *Handler) GetSession(c *gin.Context) {
	uid, role, ok := actor(c)
	if !ok {
		return
	}
	target := c.Param("user_id")
	if role != handoff.RoleOperator && target != uid {
		common.Fail(c, http.StatusForbidden, 40301, "not authorized")
		return
	}
	sess, err := h.Broker.Session(c.Request.Context(), target)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) GetPeer(c *gin.Context) {
	uid, role, ok := actor(c)
	if !ok {
		return
	}
	peer, err := h.Broker.Peer(c.Request.Context(), uid, role)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"peer_id": peer})
}
