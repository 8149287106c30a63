package api

import (
	"io"
	"net/http"

	"github.com/computersciencehouse/rankit/auth"
	"github.com/computersciencehouse/rankit/database"
	"github.com/computersciencehouse/rankit/logging"
	"github.com/computersciencehouse/rankit/polls"
	"github.com/computersciencehouse/rankit/session"
	"github.com/computersciencehouse/rankit/sse"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ConnectionHeader names the live stream a command originates from.
const ConnectionHeader = "X-Connection-Id"

type CreatePollRequest struct {
	Topic         string `json:"topic" binding:"required,min=1,max=100"`
	VotesPerVoter int    `json:"votesPerVoter" binding:"required,min=1,max=5"`
	Name          string `json:"name" binding:"required,min=1,max=25"`
}

type JoinPollRequest struct {
	PollId string `json:"pollId" binding:"required,len=6"`
	Name   string `json:"name" binding:"required,min=1,max=25"`
}

type PollResponse struct {
	Poll        *database.Poll `json:"poll"`
	AccessToken string         `json:"accessToken,omitempty"`
}

type PollsController struct {
	coordinator *polls.Coordinator
	protocol    *session.Protocol
	broker      *sse.Broker
	tokens      *auth.Tokens
}

func NewPollsController(coordinator *polls.Coordinator, protocol *session.Protocol, broker *sse.Broker, tokens *auth.Tokens) *PollsController {
	return &PollsController{
		coordinator: coordinator,
		protocol:    protocol,
		broker:      broker,
		tokens:      tokens,
	}
}

func (pc *PollsController) RegisterRoutes(engine *gin.Engine) {
	group := engine.Group("/api/polls")
	group.POST("", pc.create)
	group.POST("/join", pc.join)

	authed := group.Group("", pc.tokens.Middleware())
	authed.POST("/rejoin", pc.rejoin)
	authed.GET("/stream", pc.stream)
	authed.POST("/commands/:name", pc.command)
}

func (pc *PollsController) create(c *gin.Context) {
	var req CreatePollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, polls.BadRequest("%v", err))
		return
	}

	userId := polls.NewUserId()
	poll, err := pc.coordinator.CreatePoll(c.Request.Context(), polls.CreatePollFields{
		Topic:         req.Topic,
		VotesPerVoter: req.VotesPerVoter,
		AdminId:       userId,
	})
	if err != nil {
		fail(c, err)
		return
	}

	token, err := pc.tokens.Issue(userId, poll.Id, req.Name)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, PollResponse{Poll: poll, AccessToken: token})
}

// join issues a token for a fresh user id. The user becomes a participant
// when their stream is admitted.
func (pc *PollsController) join(c *gin.Context) {
	var req JoinPollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, polls.BadRequest("%v", err))
		return
	}

	poll, err := pc.coordinator.GetPoll(c.Request.Context(), req.PollId)
	if err != nil {
		fail(c, err)
		return
	}

	userId := polls.NewUserId()
	token, err := pc.tokens.Issue(userId, poll.Id, req.Name)
	if err != nil {
		fail(c, err)
		return
	}

	logging.Logger.WithFields(logrus.Fields{"module": "api", "method": logging.Trace().Function, "pollId": poll.Id, "userId": userId}).Info("issued join token")
	c.JSON(http.StatusOK, PollResponse{Poll: poll, AccessToken: token})
}

// rejoin re-adds the token's user right away, without a stream.
func (pc *PollsController) rejoin(c *gin.Context) {
	claims, _ := auth.FromContext(c)

	poll, _, err := pc.coordinator.AddParticipant(c.Request.Context(), claims.PollId, claims.UserId(), claims.Name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, PollResponse{Poll: poll})
}

// stream admits the connection to its poll's room and holds it open as an
// SSE stream; the session ends when the client goes away.
func (pc *PollsController) stream(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	ctx := c.Request.Context()

	s, err := pc.protocol.Admit(ctx, session.Identity{
		UserId: claims.UserId(),
		PollId: claims.PollId,
		Name:   claims.Name,
	})
	if err != nil {
		fail(c, err)
		return
	}
	defer pc.protocol.Leave(ctx, s)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	pc.broker.ServeClient(c, s.Client())
}

func (pc *PollsController) command(c *gin.Context) {
	claims, _ := auth.FromContext(c)

	s, ok := pc.protocol.Lookup(c.GetHeader(ConnectionHeader))
	if !ok || s.Identity.UserId != claims.UserId() || s.Identity.PollId != claims.PollId {
		fail(c, polls.Unauthorized("no live connection for this token"))
		return
	}

	payload, err := commandPayload(c)
	if err != nil {
		fail(c, polls.BadRequest("unreadable payload"))
		return
	}

	poll, err := pc.protocol.Handle(c.Request.Context(), s, session.Command{Name: c.Param("name"), Payload: payload})
	if err != nil {
		fail(c, err)
		return
	}
	if poll == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, PollResponse{Poll: poll})
}

// commandPayload returns the request body, which the auth middleware may
// already have consumed while looking for an accessToken field.
func commandPayload(c *gin.Context) ([]byte, error) {
	if cached, ok := c.Get(gin.BodyBytesKey); ok {
		if body, ok := cached.([]byte); ok {
			return body, nil
		}
	}
	if c.Request.Body == nil {
		return nil, nil
	}
	return io.ReadAll(c.Request.Body)
}

var statusByKind = map[polls.Kind]int{
	polls.KindBadRequest:   http.StatusBadRequest,
	polls.KindUnauthorized: http.StatusUnauthorized,
	polls.KindNotFound:     http.StatusNotFound,
	polls.KindInvalidState: http.StatusConflict,
	polls.KindUnknown:      http.StatusInternalServerError,
}

func fail(c *gin.Context, err error) {
	kind := polls.KindOf(err)
	if kind == polls.KindUnknown {
		logging.Logger.WithFields(logrus.Fields{"module": "api", "path": c.FullPath(), "error": err}).Error("request failed")
	}
	c.AbortWithStatusJSON(statusByKind[kind], session.Exception{Type: string(kind), Message: polls.Message(err)})
}
