package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/metrics"
	"campaign-dialer/internal/retryqueue"
)

type fixture struct {
	router    *gin.Engine
	campaigns *campaign.MemoryRepo
	contacts  *campaign.ContactMemoryRepo
	manager   *campaign.Manager
}

func identityMW(id auth.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	campaigns := campaign.NewMemoryRepo()
	contacts := campaign.NewContactMemoryRepo()
	callRepo := calls.NewMemoryRepo()
	mgr, err := campaign.NewManager(campaign.ManagerDeps{
		Campaigns: campaigns,
		Contacts:  contacts,
		Calls:     callRepo,
		Queue:     retryqueue.NewMemory(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	h := Handlers{
		Campaigns: mgr,
		Calls:     callRepo,
		Metrics:   metrics.NewAggregator(nil),
	}

	r := gin.New()
	r.Use(identityMW(auth.Identity{UserID: "user-1", WorkspaceID: "ws-1", Role: "owner"}))
	r.POST("/campaigns", h.CreateCampaign)
	r.GET("/campaigns", h.ListCampaigns)
	r.GET("/campaigns/:campaign_id", h.GetCampaign)
	r.POST("/campaigns/:campaign_id/contacts", h.ImportContacts)
	r.POST("/campaigns/:campaign_id/start", h.StartCampaign)
	r.POST("/campaigns/:campaign_id/pause", h.PauseCampaign)
	r.POST("/campaigns/:campaign_id/resume", h.ResumeCampaign)
	r.POST("/campaigns/:campaign_id/cancel", h.CancelCampaign)
	r.GET("/campaigns/:campaign_id/metrics", h.CampaignMetrics)
	r.GET("/contacts/:contact_id/calls", h.ContactCalls)

	return &fixture{router: r, campaigns: campaigns, contacts: contacts, manager: mgr}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) createCampaign(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/campaigns", gin.H{
		"name":   "june reminders",
		"script": "Hello, this is a reminder.",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	var created campaign.Campaign
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return created.CampaignID
}

func (f *fixture) importOne(t *testing.T, campaignID string) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/campaigns/"+campaignID+"/contacts", gin.H{
		"contacts": []gin.H{{"phone": "+15550000001", "first_name": "Ana"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("import status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestCreateCampaignReturnsDraft(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/campaigns", gin.H{
		"name":   "june reminders",
		"script": "Hello.",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var created campaign.Campaign
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != campaign.StatusDraft || created.WorkspaceID != "ws-1" {
		t.Fatalf("created = %+v", created)
	}
}

func TestCreateCampaignRejectsMissingScript(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/campaigns", gin.H{"name": "no script"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestStartWithoutContactsConflicts(t *testing.T) {
	f := newFixture(t)
	id := f.createCampaign(t)
	w := f.do(t, http.MethodPost, "/campaigns/"+id+"/start", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestStartPauseResumeFlow(t *testing.T) {
	f := newFixture(t)
	id := f.createCampaign(t)
	f.importOne(t, id)

	if w := f.do(t, http.MethodPost, "/campaigns/"+id+"/start", nil); w.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", w.Code, w.Body.String())
	}
	if !f.manager.IsActive(id) {
		t.Fatal("campaign not active after start")
	}
	if w := f.do(t, http.MethodPost, "/campaigns/"+id+"/pause", nil); w.Code != http.StatusOK {
		t.Fatalf("pause status = %d", w.Code)
	}
	if f.manager.IsActive(id) {
		t.Fatal("campaign still active after pause")
	}
	if w := f.do(t, http.MethodPost, "/campaigns/"+id+"/resume", nil); w.Code != http.StatusOK {
		t.Fatalf("resume status = %d", w.Code)
	}
}

func TestPauseDraftConflicts(t *testing.T) {
	f := newFixture(t)
	id := f.createCampaign(t)
	if w := f.do(t, http.MethodPost, "/campaigns/"+id+"/pause", nil); w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestGetUnknownCampaignNotFound(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodGet, "/campaigns/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCampaignMetricsSnapshot(t *testing.T) {
	f := newFixture(t)
	id := f.createCampaign(t)
	w := f.do(t, http.MethodGet, "/campaigns/"+id+"/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		CampaignID string `json:"campaign_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CampaignID != id {
		t.Fatalf("campaign_id = %q, want %q", resp.CampaignID, id)
	}
}

func TestContactCallsEmptyHistory(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/contacts/ct-1/calls", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
