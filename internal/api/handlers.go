package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"notifyhub/internal/dispatch"
	"notifyhub/internal/model"
	"notifyhub/internal/notifier"
	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

type pollRequest struct {
	Question string     `json:"question" binding:"required"`
	Deadline *time.Time `json:"deadline"`
	Answers  []string   `json:"answers" binding:"required,min=2"`
}

type createJobRequest struct {
	CreatedBy       int64        `json:"createdBy"`
	Title           string       `json:"title"`
	SourceChatID    int64        `json:"sourceChatId"`
	SourceMessageID int          `json:"sourceMessageId"`
	Templated       bool         `json:"templated"`
	MessageText     string       `json:"messageText"`
	Poll            *pollRequest `json:"poll"`
	Recipients      []int64      `json:"recipients" binding:"required,min=1"`
}

type jobResponse struct {
	Job        model.DeliveryJob `json:"job"`
	Recipients int               `json:"recipients"`
}

func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	ctx := c.Request.Context()
	var (
		job model.DeliveryJob
		n   int
		err error
	)
	if req.Poll != nil {
		p := model.Poll{Question: req.Poll.Question, Deadline: req.Poll.Deadline}
		for _, a := range req.Poll.Answers {
			p.Answers = append(p.Answers, model.PollAnswer{Text: a})
		}
		job, n, err = s.deps.Dispatch.CreatePollJob(ctx, req.CreatedBy, p, req.Recipients)
	} else {
		job, n, err = s.deps.Dispatch.CreateJob(ctx, model.DeliveryJob{
			CreatedBy:       req.CreatedBy,
			Kind:            model.KindBroadcast,
			Title:           req.Title,
			SourceChatID:    req.SourceChatID,
			SourceMessageID: req.SourceMessageID,
			Templated:       req.Templated,
			MessageText:     req.MessageText,
		}, req.Recipients)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": jobResponse{Job: job, Recipients: n}})
}

func (s *Server) listJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	jobs, err := s.deps.Dispatch.ListJobs(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": jobs})
}

type addRecipientsRequest struct {
	Recipients []int64 `json:"recipients" binding:"required,min=1"`
}

func (s *Server) addRecipients(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var req addRecipientsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.deps.Dispatch.AddRecipients(c.Request.Context(), id, req.Recipients)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"jobId": id, "added": n}})
}

func jobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		abort(c, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

func (s *Server) getJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	st, err := s.deps.Dispatch.Stats(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"stats":    st,
		"total":    st.Total(),
		"finished": st.Pending == 0,
	}})
}

func (s *Server) dispatchState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"paused": s.deps.Dispatch.Paused()}})
}

func (s *Server) pause(c *gin.Context) {
	s.deps.Dispatch.Pause()
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"paused": true}})
}

func (s *Server) resume(c *gin.Context) {
	s.deps.Dispatch.Resume()
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"paused": false}})
}

type createNotificationRequest struct {
	RecipientID    int64          `json:"recipientId" binding:"required"`
	Type           string         `json:"type"`
	ItemType       string         `json:"itemType"`
	ItemID         int64          `json:"itemId"`
	Title          string         `json:"title" binding:"required"`
	Description    string         `json:"description"`
	AdditionalData map[string]any `json:"additionalData"`
	Priority       int            `json:"priority"`
	ActionTimeout  int            `json:"actionTimeout"`
	ExpiresAt      *time.Time     `json:"expiresAt"`
}

func (s *Server) createNotification(c *gin.Context) {
	var req createNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	n := model.Notification{
		OwnerUserID:    req.RecipientID,
		Type:           model.NotificationType(strings.ToUpper(strings.TrimSpace(req.Type))),
		ItemType:       model.ItemType(strings.ToUpper(strings.TrimSpace(req.ItemType))),
		ItemID:         req.ItemID,
		Title:          req.Title,
		Description:    req.Description,
		AdditionalData: req.AdditionalData,
		Priority:       req.Priority,
		ActionTimeout:  req.ActionTimeout,
	}
	if req.ExpiresAt != nil {
		n.ExpiresAt = *req.ExpiresAt
	}
	out, err := s.deps.Notify.Create(c.Request.Context(), n)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": out})
}

type tokenRequest struct {
	RecipientID int64 `json:"recipientId" binding:"required"`
}

func (s *Server) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	tok, err := s.deps.Tokens.Issue(req.RecipientID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"token": tok}})
}

func (s *Server) healthz(c *gin.Context) {
	checks := map[string]string{}
	status := http.StatusOK
	if s.deps.Health != nil {
		for name, err := range s.deps.Health(c.Request.Context()) {
			if err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// fail maps service errors to HTTP statuses; anything unknown is a 500 with
// the detail kept in the log.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalid), errors.Is(err, notifier.ErrInvalid):
		abort(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		abort(c, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrJobReported):
		abort(c, http.StatusConflict, "job already reported")
	default:
		_ = c.Error(err)
		s.log.Error("request error", logx.String("path", c.FullPath()), logx.Err(err))
		abort(c, http.StatusInternalServerError, "internal error")
	}
}
