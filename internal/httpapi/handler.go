package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"educate-attendance/internal/attendance"
	"educate-attendance/internal/auth"
	"educate-attendance/internal/metrics"
)

// RecordLister is the repository slice the listing endpoint reads from.
type RecordLister interface {
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]attendance.Record, error)
}

// Handler exposes the attendance HTTP surface.
type Handler struct {
	svc     *attendance.Service
	records RecordLister
}

// NewHandler creates a handler.
func NewHandler(svc *attendance.Service, records RecordLister) *Handler {
	return &Handler{svc: svc, records: records}
}

// Register mounts routes. Everything under authed requires StudentAuth.
func (h *Handler) Register(r *gin.Engine, authed gin.IRoutes) {
	r.GET("/attendance/health", h.Health)
	authed.POST("/attendance/scan", h.Scan)
	authed.POST("/attendance/mark", h.Mark)
	authed.POST("/attendance/qr", h.IssueQR)
	authed.GET("/attendance/records", h.ListRecords)
}

type scanRequest struct {
	QRData    string `json:"qr_data"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// Scan validates a scanned QR payload and reports session info, without
// creating a record. Accepts either the raw QR JSON or its decoded fields.
func (h *Handler) Scan(c *gin.Context) {
	ident, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, CodeInvalidToken, "authentication required", nil)
		return
	}

	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeValidationError, "invalid request body", err.Error())
		return
	}
	sessionID, rawToken := req.SessionID, req.Token
	if req.QRData != "" {
		payload, err := attendance.ParseQRPayload(req.QRData)
		if err != nil {
			writeError(c, http.StatusBadRequest, CodeValidationError, "invalid qr code data", nil)
			return
		}
		sessionID, rawToken = payload.SessionID, payload.Token
	}
	if !validSessionID(sessionID) || rawToken == "" {
		writeError(c, http.StatusBadRequest, CodeValidationError, "session_id and token are required", nil)
		return
	}

	res, err := h.svc.Scan(c.Request.Context(), sessionID, rawToken, ident)
	if err != nil {
		writePipelineError(c, err)
		return
	}

	if res.AlreadyMarked {
		c.JSON(http.StatusOK, gin.H{
			"status":     "already_marked",
			"message":    "attendance already marked for this session",
			"session_id": sessionID,
			"course_id":  res.Claims.CourseID,
			"marked_at":  res.Record.MarkedAt,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "valid",
		"session": gin.H{
			"id":         sessionID,
			"course_id":  res.Claims.CourseID,
			"teacher_id": res.Claims.TeacherID,
			"expires_in": res.ExpiresIn.Seconds(),
		},
	})
}

type markRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Token     string `json:"token" binding:"required"`
}

// Mark records attendance for the authenticated student. Idempotent: a
// repeat request returns the existing record with status already_marked.
func (h *Handler) Mark(c *gin.Context) {
	ident, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, CodeInvalidToken, "authentication required", nil)
		return
	}

	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeValidationError, "session_id and token are required", err.Error())
		return
	}
	if !validSessionID(req.SessionID) {
		writeError(c, http.StatusBadRequest, CodeValidationError, "session_id must be a valid UUID", nil)
		return
	}

	res, err := h.svc.Mark(c.Request.Context(), attendance.MarkInput{
		SessionID: req.SessionID,
		Token:     req.Token,
		Student:   ident,
		Method:    attendance.MethodQR,
		UserAgent: c.Request.UserAgent(),
		IPAddress: c.ClientIP(),
	})
	if err != nil {
		writePipelineError(c, err)
		return
	}

	if res.AlreadyMarked {
		metrics.MarksTotal.WithLabelValues("already_marked").Inc()
		c.JSON(http.StatusOK, gin.H{
			"status":           "already_marked",
			"message":          "attendance already recorded for this session",
			"attendance_id":    res.Record.ID,
			"session_id":       res.Record.ExternalSessionID,
			"marked_at":        res.Record.MarkedAt,
			"synced_with_spoc": res.Record.SyncedWithSpoc,
		})
		return
	}

	metrics.MarksTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusCreated, gin.H{
		"status":        "ok",
		"attendance_id": res.Record.ID,
		"session_id":    res.Record.ExternalSessionID,
		"course_id":     res.Claims.CourseID,
		"marked_at":     res.Record.MarkedAt,
	})
}

type issueQRRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	CourseID  string `json:"course_id" binding:"required"`
	TeacherID string `json:"teacher_id" binding:"required"`
}

// IssueQR mints the QR payload for a session. Called by the dashboard side
// when a teacher opens a session for marking.
func (h *Handler) IssueQR(c *gin.Context) {
	var req issueQRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeValidationError, "session_id, course_id and teacher_id are required", err.Error())
		return
	}
	if !validSessionID(req.SessionID) {
		writeError(c, http.StatusBadRequest, CodeValidationError, "session_id must be a valid UUID", nil)
		return
	}

	payload, exp, err := h.svc.IssueQR(req.SessionID, req.CourseID, req.TeacherID)
	if err != nil {
		writePipelineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"qr_data":    payload,
		"expires_at": exp.UTC().Format(time.RFC3339),
	})
}

// ListRecords returns records for a session, newest first.
func (h *Handler) ListRecords(c *gin.Context) {
	sessionID := c.Query("session_id")
	if !validSessionID(sessionID) {
		writeError(c, http.StatusBadRequest, CodeValidationError, "session_id query parameter must be a valid UUID", nil)
		return
	}
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	records, err := h.records.ListBySession(c.Request.Context(), sessionID, limit, offset)
	if err != nil {
		writePipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// Health is the unauthenticated liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "attendance",
	})
}

func validSessionID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
