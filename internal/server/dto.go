package server

import (
	"onboardline/internal/calendar"
	"onboardline/internal/domain"
	"onboardline/internal/flow"
	"onboardline/internal/integrations"
)

// Request payloads

type CreateClientRequest struct {
	Name                string `json:"name" minLength:"1"`
	Industry            string `json:"industry,omitempty"`
	PrimaryContactName  string `json:"primary_contact_name" minLength:"1"`
	PrimaryContactEmail string `json:"primary_contact_email" format:"email"`
	ServicePackage      string `json:"service_package,omitempty"`
	SeedMilestones      bool   `json:"seed_milestones,omitempty"`
}

// UpdateClientRequest is the raw field merge behind PATCH /clients/{id}.
// It intentionally bypasses the flow engine; callers own the consistency of
// what they send.
type UpdateClientRequest struct {
	Name                   *string   `json:"name,omitempty"`
	Industry               *string   `json:"industry,omitempty"`
	PrimaryContactName     *string   `json:"primary_contact_name,omitempty"`
	PrimaryContactEmail    *string   `json:"primary_contact_email,omitempty"`
	Edition                *string   `json:"edition,omitempty"`
	UserCount              *string   `json:"user_count,omitempty"`
	Integrations           *[]string `json:"integrations,omitempty"`
	ComplianceRequirements *[]string `json:"compliance_requirements,omitempty"`
	ServicePackage         *string   `json:"service_package,omitempty"`
	ContractID             *string   `json:"contract_id,omitempty"`
	MeetingURL             *string   `json:"meeting_url,omitempty"`
	CurrentStep            *string   `json:"current_step,omitempty"`
	ContractSigned         *bool     `json:"contract_signed,omitempty"`
	SystemDetailsComplete  *bool     `json:"system_details_complete,omitempty"`
	KickoffScheduled       *bool     `json:"kickoff_scheduled,omitempty"`
	ResourcesAccessed      *bool     `json:"resources_accessed,omitempty"`
}

type SignContractRequest struct {
	ServicePackage string `json:"service_package,omitempty"`
	ContractID     string `json:"contract_id,omitempty"`
	MeetingURL     string `json:"meeting_url,omitempty"`
}

type CompleteSurveyRequest struct {
	Edition                string   `json:"edition,omitempty"`
	UserCount              string   `json:"user_count,omitempty"`
	Integrations           []string `json:"integrations,omitempty"`
	ComplianceRequirements []string `json:"compliance_requirements,omitempty"`
}

type CreateMilestoneRequest struct {
	Title     string `json:"title" minLength:"1"`
	Date      string `json:"date" pattern:"^\\d{4}-\\d{2}-\\d{2}$"`
	Type      string `json:"type,omitempty" enum:"kickoff,review,delivery,custom"`
	Completed bool   `json:"completed,omitempty"`
}

type UpdateMilestoneRequest struct {
	Completed bool `json:"completed"`
}

type UpdateIntegrationsRequest struct {
	SlackConnected  *bool   `json:"slack_connected,omitempty"`
	ZohoConnected   *bool   `json:"zoho_connected,omitempty"`
	N8nConnected    *bool   `json:"n8n_connected,omitempty"`
	SlackWebhookURL *string `json:"slack_webhook_url,omitempty"`
	N8nWebhookURL   *string `json:"n8n_webhook_url,omitempty"`
}

// Response payloads

type ClientResponse struct {
	domain.Client
	Status      string `json:"status" enum:"awaiting_contract,contract_signed,system_details_complete,kickoff_scheduled,resources_accessed"`
	StatusLabel string `json:"status_label"`
}

func clientResponse(c domain.Client) ClientResponse {
	return ClientResponse{
		Client:      c,
		Status:      flow.CurrentState(c).String(),
		StatusLabel: flow.StatusLabel(c),
	}
}

func mapClients(items []domain.Client) []ClientResponse {
	res := make([]ClientResponse, 0, len(items))
	for _, c := range items {
		res = append(res, clientResponse(c))
	}
	return res
}

type CalendarResponse struct {
	Year     int             `json:"year"`
	Month    int             `json:"month"`
	DayNames [7]string       `json:"day_names"`
	Weeks    []calendar.Week `json:"weeks"`
}

type IntegrationsResponse struct {
	domain.IntegrationStatus
	Channels []integrations.Channel `json:"channels"`
}

type WebhookAckResponse struct {
	Success bool `json:"success"`
}
