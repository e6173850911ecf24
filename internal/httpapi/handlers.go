package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/metrics"
	"campaign-dialer/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Campaigns *campaign.Manager
	Calls     calls.Repository
	Metrics   *metrics.Aggregator

	// Audit is optional; control actions are logged best-effort.
	Audit *audit.Service
}

// --- Auth ---

type loginRequest struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	Role        string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.WorkspaceID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, workspace_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.WorkspaceID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Campaigns ---

type createCampaignRequest struct {
	Name              string `json:"name"`
	Industry          string `json:"industry,omitempty"`
	Script            string `json:"script"`
	Language          string `json:"language,omitempty"`
	ConcurrencyLimit  int    `json:"concurrency_limit,omitempty"`
	MaxAttempts       int    `json:"max_attempts,omitempty"`
	RetryBaseDelay    string `json:"retry_base_delay,omitempty"`
	RetryMaxDelay     string `json:"retry_max_delay,omitempty"`
	InterleaveRetries bool   `json:"interleave_retries,omitempty"`
}

func (h Handlers) CreateCampaign(c *gin.Context) {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	cmp := campaign.Campaign{
		WorkspaceID:       id.WorkspaceID,
		OwnerUserID:       id.UserID,
		Name:              req.Name,
		Industry:          req.Industry,
		Script:            req.Script,
		Language:          req.Language,
		ConcurrencyLimit:  req.ConcurrencyLimit,
		MaxAttempts:       req.MaxAttempts,
		InterleaveRetries: req.InterleaveRetries,
	}
	if req.RetryBaseDelay != "" {
		d, err := time.ParseDuration(req.RetryBaseDelay)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "retry_base_delay must be a duration"})
			return
		}
		cmp.RetryBaseDelay = d
	}
	if req.RetryMaxDelay != "" {
		d, err := time.ParseDuration(req.RetryMaxDelay)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "retry_max_delay must be a duration"})
			return
		}
		cmp.RetryMaxDelay = d
	}

	created, err := h.Campaigns.Create(c.Request.Context(), cmp)
	if err != nil {
		h.abortWithDomainError(c, err)
		return
	}
	h.auditAction(c, created.CampaignID, "campaign created")
	c.JSON(http.StatusCreated, created)
}

func (h Handlers) ListCampaigns(c *gin.Context) {
	wid, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	list, err := h.Campaigns.List(c.Request.Context(), wid)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "campaign listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": list})
}

func (h Handlers) GetCampaign(c *gin.Context) {
	cmp, ok := h.campaignFromPath(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, cmp)
}

type importContactsRequest struct {
	Contacts []struct {
		Phone     string `json:"phone"`
		FirstName string `json:"first_name,omitempty"`
		LastName  string `json:"last_name,omitempty"`
	} `json:"contacts"`
}

func (h Handlers) ImportContacts(c *gin.Context) {
	wid, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	var req importContactsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(req.Contacts) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "contacts required"})
		return
	}
	batch := make([]campaign.Contact, 0, len(req.Contacts))
	for _, ct := range req.Contacts {
		batch = append(batch, campaign.Contact{
			Phone:     ct.Phone,
			FirstName: ct.FirstName,
			LastName:  ct.LastName,
		})
	}
	n, err := h.Campaigns.ImportContacts(c.Request.Context(), wid, c.Param("campaign_id"), batch)
	if err != nil {
		h.abortWithDomainError(c, err)
		return
	}
	h.auditAction(c, c.Param("campaign_id"), "contacts imported")
	c.JSON(http.StatusOK, gin.H{"imported": n})
}

func (h Handlers) StartCampaign(c *gin.Context) {
	h.statusChange(c, h.Campaigns.Start, "campaign started")
}

func (h Handlers) PauseCampaign(c *gin.Context) {
	h.statusChange(c, h.Campaigns.Pause, "campaign paused")
}

func (h Handlers) ResumeCampaign(c *gin.Context) {
	h.statusChange(c, h.Campaigns.Resume, "campaign resumed")
}

func (h Handlers) CancelCampaign(c *gin.Context) {
	h.statusChange(c, h.Campaigns.Cancel, "campaign canceled")
}

// CampaignMetrics returns the live counter snapshot for one campaign.
func (h Handlers) CampaignMetrics(c *gin.Context) {
	cmp, ok := h.campaignFromPath(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"campaign_id": cmp.CampaignID,
		"status":      cmp.Status,
		"counters":    h.Metrics.Snapshot(cmp.CampaignID),
	})
}

// ContactCalls returns a contact's full attempt history, oldest first.
func (h Handlers) ContactCalls(c *gin.Context) {
	wid, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	history, err := h.Calls.ListByContact(c.Request.Context(), wid, c.Param("contact_id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": history})
}

type statusChangeFunc func(ctx context.Context, workspaceID, campaignID string) (campaign.Campaign, error)

func (h Handlers) statusChange(c *gin.Context, fn statusChangeFunc, action string) {
	wid, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	cmp, err := fn(c.Request.Context(), wid, c.Param("campaign_id"))
	if err != nil {
		h.abortWithDomainError(c, err)
		return
	}
	h.auditAction(c, cmp.CampaignID, action)
	c.JSON(http.StatusOK, cmp)
}

// auditAction is best-effort; a failed append never fails the request.
func (h Handlers) auditAction(c *gin.Context, campaignID, action string) {
	if h.Audit == nil {
		return
	}
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		return
	}
	err = h.Audit.LogCampaignAction(c.Request.Context(), id.WorkspaceID, id.UserID, id.Role, c.ClientIP(), campaignID, action)
	if err != nil {
		logger.FromGin(c).Warn("audit append failed", "err", err)
	}
}

func (h Handlers) campaignFromPath(c *gin.Context) (campaign.Campaign, bool) {
	wid, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return campaign.Campaign{}, false
	}
	cmp, err := h.Campaigns.Get(c.Request.Context(), wid, c.Param("campaign_id"))
	if err != nil {
		h.abortWithDomainError(c, err)
		return campaign.Campaign{}, false
	}
	return cmp, true
}

func (h Handlers) abortWithDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
	case errors.Is(err, campaign.ErrInvalidStatusChange), errors.Is(err, campaign.ErrNoContacts):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, campaign.ErrInvalidRecord):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
