package onboardlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Onboardline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// OnboardingClient represents the API client model.
type OnboardingClient struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	Industry               string   `json:"industry,omitempty"`
	PrimaryContactName     string   `json:"primary_contact_name"`
	PrimaryContactEmail    string   `json:"primary_contact_email"`
	Edition                string   `json:"edition,omitempty"`
	UserCount              string   `json:"user_count,omitempty"`
	Integrations           []string `json:"integrations,omitempty"`
	ComplianceRequirements []string `json:"compliance_requirements,omitempty"`
	ServicePackage         string   `json:"service_package,omitempty"`
	ContractID             string   `json:"contract_id,omitempty"`
	MeetingURL             string   `json:"meeting_url,omitempty"`
	CurrentStep            string   `json:"current_step"`
	ContractSigned         bool     `json:"contract_signed"`
	SystemDetailsComplete  bool     `json:"system_details_complete"`
	KickoffScheduled       bool     `json:"kickoff_scheduled"`
	ResourcesAccessed      bool     `json:"resources_accessed"`
	Status                 string   `json:"status"`
	StatusLabel            string   `json:"status_label"`
	CreatedAt              string   `json:"created_at"`
}

// Milestone represents a project milestone.
type Milestone struct {
	ID        string `json:"id"`
	ClientID  string `json:"client_id"`
	Title     string `json:"title"`
	Date      string `json:"date"`
	Type      string `json:"type"`
	Completed bool   `json:"completed"`
}

// IntegrationChannel is one row of the integration health view.
type IntegrationChannel struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
}

// Integrations represents a client's integration status.
type Integrations struct {
	ID              string               `json:"id"`
	ClientID        string               `json:"client_id"`
	SlackConnected  bool                 `json:"slack_connected"`
	ZohoConnected   bool                 `json:"zoho_connected"`
	N8nConnected    bool                 `json:"n8n_connected"`
	SlackWebhookURL string               `json:"slack_webhook_url,omitempty"`
	N8nWebhookURL   string               `json:"n8n_webhook_url,omitempty"`
	Channels        []IntegrationChannel `json:"channels"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ClientID   string `json:"client_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateClientOptions are parameters for CreateClient.
type CreateClientOptions struct {
	Name                string `json:"name"`
	Industry            string `json:"industry,omitempty"`
	PrimaryContactName  string `json:"primary_contact_name"`
	PrimaryContactEmail string `json:"primary_contact_email"`
	ServicePackage      string `json:"service_package,omitempty"`
	SeedMilestones      bool   `json:"seed_milestones,omitempty"`
}

// CreateClient starts a new onboarding engagement.
func (c *Client) CreateClient(ctx context.Context, opts CreateClientOptions) (OnboardingClient, error) {
	var resp OnboardingClient
	err := c.do(ctx, http.MethodPost, "clients", opts, &resp)
	return resp, err
}

// ListClients returns all clients.
func (c *Client) ListClients(ctx context.Context) ([]OnboardingClient, error) {
	var resp []OnboardingClient
	err := c.do(ctx, http.MethodGet, "clients", nil, &resp)
	return resp, err
}

// GetClient fetches one client by id.
func (c *Client) GetClient(ctx context.Context, id string) (OnboardingClient, error) {
	var resp OnboardingClient
	err := c.do(ctx, http.MethodGet, clientPath(id, ""), nil, &resp)
	return resp, err
}

// SignContract records the contract signature.
func (c *Client) SignContract(ctx context.Context, id, servicePackage, contractID, meetingURL string) (OnboardingClient, error) {
	body := map[string]any{
		"service_package": servicePackage,
		"contract_id":     contractID,
		"meeting_url":     meetingURL,
	}
	var resp OnboardingClient
	err := c.do(ctx, http.MethodPost, clientPath(id, "sign-contract"), body, &resp)
	return resp, err
}

// SurveyAnswers are the system survey fields.
type SurveyAnswers struct {
	Edition                string   `json:"edition,omitempty"`
	UserCount              string   `json:"user_count,omitempty"`
	Integrations           []string `json:"integrations,omitempty"`
	ComplianceRequirements []string `json:"compliance_requirements,omitempty"`
}

// CompleteSurvey records the system survey.
func (c *Client) CompleteSurvey(ctx context.Context, id string, answers SurveyAnswers) (OnboardingClient, error) {
	var resp OnboardingClient
	err := c.do(ctx, http.MethodPost, clientPath(id, "complete-survey"), answers, &resp)
	return resp, err
}

// ScheduleKickoff confirms the kickoff meeting.
func (c *Client) ScheduleKickoff(ctx context.Context, id string) (OnboardingClient, error) {
	var resp OnboardingClient
	err := c.do(ctx, http.MethodPost, clientPath(id, "schedule-kickoff"), struct{}{}, &resp)
	return resp, err
}

// MarkResourcesAccessed records first resource access.
func (c *Client) MarkResourcesAccessed(ctx context.Context, id string) (OnboardingClient, error) {
	var resp OnboardingClient
	err := c.do(ctx, http.MethodPost, clientPath(id, "mark-resources-accessed"), struct{}{}, &resp)
	return resp, err
}

// Milestones lists a client's milestones.
func (c *Client) Milestones(ctx context.Context, clientID string) ([]Milestone, error) {
	var resp []Milestone
	err := c.do(ctx, http.MethodGet, clientPath(clientID, "milestones"), nil, &resp)
	return resp, err
}

// CreateMilestone adds a milestone to a client's plan.
func (c *Client) CreateMilestone(ctx context.Context, clientID, title, date, msType string) (Milestone, error) {
	body := map[string]any{
		"title": title,
		"date":  date,
		"type":  msType,
	}
	var resp Milestone
	err := c.do(ctx, http.MethodPost, clientPath(clientID, "milestones"), body, &resp)
	return resp, err
}

// SetMilestoneCompleted toggles a milestone.
func (c *Client) SetMilestoneCompleted(ctx context.Context, id string, completed bool) (Milestone, error) {
	body := map[string]any{"completed": completed}
	var resp Milestone
	endpoint := fmt.Sprintf("milestones/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// GetIntegrations fetches a client's integration status.
func (c *Client) GetIntegrations(ctx context.Context, clientID string) (Integrations, error) {
	var resp Integrations
	err := c.do(ctx, http.MethodGet, clientPath(clientID, "integrations"), nil, &resp)
	return resp, err
}

// UpdateIntegrations merges partial integration fields.
func (c *Client) UpdateIntegrations(ctx context.Context, clientID string, fields map[string]any) (Integrations, error) {
	var resp Integrations
	err := c.do(ctx, http.MethodPatch, clientPath(clientID, "integrations"), fields, &resp)
	return resp, err
}

// Events returns a client's recent events.
func (c *Client) Events(ctx context.Context, clientID string, limit int) ([]Event, error) {
	endpoint := clientPath(clientID, "events")
	if limit > 0 {
		endpoint += fmt.Sprintf("?limit=%d", limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/api/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func clientPath(id, suffix string) string {
	p := fmt.Sprintf("clients/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + strings.TrimLeft(suffix, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
