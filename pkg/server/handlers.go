package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/web365/clawbot/pkg/classify"
	"github.com/web365/clawbot/pkg/jobs"
	"github.com/web365/clawbot/pkg/records"
	"github.com/web365/clawbot/pkg/workflow"
)

type dispatchRequest struct {
	SessionKey string            `json:"session_key"`
	Username   string            `json:"username"`
	Password   string            `json:"password"`
	Records    []map[string]any  `json:"records" binding:"required"`
	Mode       string            `json:"mode"`
	Company    string            `json:"company"`
	Overrides  map[string]string `json:"order_code_overrides"`
}

type reviewRequest struct {
	SessionKey string           `json:"session_key"`
	Records    []map[string]any `json:"records" binding:"required"`
	Mode       string           `json:"mode"`
}

type confirmRequest struct {
	SessionKey string            `json:"session_key"`
	Username   string            `json:"username"`
	Password   string            `json:"password"`
	Mode       string            `json:"mode"`
	Company    string            `json:"company"`
	Overrides  map[string]string `json:"order_code_overrides"`
}

type answerRequest struct {
	SessionKey string `json:"session_key" binding:"required"`
	Answer     string `json:"answer" binding:"required"`
}

type chatRequest struct {
	SessionKey string           `json:"session_key"`
	Message    string           `json:"message" binding:"required"`
	FilePath   string           `json:"file_path"`
	History    []classify.Turn  `json:"history"`
	Records    []map[string]any `json:"records"`
}

// identity resolves the portal login for a request, falling back to the
// configured credentials when the caller supplies none.
func (s *Server) identity(sessionKey, username, password string) workflow.Identity {
	if username == "" {
		username = s.portal.Username
		password = s.portal.Password
	}
	if sessionKey == "" {
		sessionKey = username
	}
	return workflow.Identity{SessionKey: sessionKey, Username: username, Password: password}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"jobs":      len(s.dispatcher.ListJobs()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.dispatcher.ListJobs()})
}

func (s *Server) handleGetJob(c *gin.Context) {
	id := c.Param("id")
	job, ok := s.dispatcher.GetJob(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job " + id + " not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleDispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}

	identity := s.identity(req.SessionKey, req.Username, req.Password)
	job := s.dispatcher.StartJob(req.Records, identity, jobs.Options{
		Mode:      records.GroupMode(req.Mode),
		Company:   req.Company,
		Overrides: req.Overrides,
	})

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":   job.ID,
		"status":   job.Status,
		"poll_url": "/jobs/" + job.ID,
	})
}

func (s *Server) handleReview(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}

	identity := s.identity(req.SessionKey, "", "")
	review, err := s.dispatcher.StartReview(req.Records, identity.SessionKey, records.GroupMode(req.Mode))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"review":  review,
		"summary": jobs.BuildReviewSummary(review),
	})
}

func (s *Server) handleConfirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}

	identity := s.identity(req.SessionKey, req.Username, req.Password)
	job, err := s.dispatcher.ConfirmReview(identity, req.Company, req.Overrides, jobs.Options{
		Mode: records.GroupMode(req.Mode),
	})
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":   job.ID,
		"status":   job.Status,
		"poll_url": "/jobs/" + job.ID,
	})
}

func (s *Server) handleAnswer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}

	accepted := s.dispatcher.SubmitAnswer(req.SessionKey, req.Answer)
	if !accepted {
		c.JSON(http.StatusNotFound, gin.H{"accepted": false, "error": "no open question for session " + req.SessionKey})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// handleChat classifies a message and, when the classifier delegates an
// expense-recording task and the request carries records, starts the job.
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	// A session with an open question gets its next message routed as the
	// answer; it is consumed there, never reclassified as a new intent.
	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = s.identity(req.SessionKey, "", "").SessionKey
	}
	if s.dispatcher.SubmitAnswer(sessionKey, req.Message) {
		s.log.Info("chat message consumed as answer", zap.String("session_key", sessionKey))
		c.JSON(http.StatusOK, gin.H{
			"answered": true,
			"response": "Got it. Resuming the running job with your answer.",
		})
		return
	}

	if s.classifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat is not configured on this instance"})
		return
	}
	if req.FilePath != "" && s.files != nil {
		resolved, err := s.files.Resolve(req.FilePath)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.FilePath = resolved
	}

	result := s.classifier.Classify(c.Request.Context(), req.Message, req.FilePath, req.History)

	resp := gin.H{
		"intent":     result.Intent,
		"confidence": result.Confidence,
		"response":   result.Response,
		"delegate":   result.Delegate,
	}

	if result.Delegate && result.Intent == classify.IntentExpenseRecording && len(req.Records) > 0 {
		mode, _ := result.TaskDetails.Parameters["mode"].(string)
		company, _ := result.TaskDetails.Parameters["company"].(string)
		identity := s.identity(req.SessionKey, "", "")
		job := s.dispatcher.StartJob(req.Records, identity, jobs.Options{
			Mode:    records.GroupMode(mode),
			Company: company,
		})
		resp["job_id"] = job.ID
		resp["poll_url"] = "/jobs/" + job.ID
		s.log.Info("chat delegated expense job",
			zap.String("job_id", job.ID),
			zap.String("session_key", identity.SessionKey))
	}

	c.JSON(http.StatusOK, resp)
}
