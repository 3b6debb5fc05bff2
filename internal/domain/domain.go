package domain

type Client struct {
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
	CreatedAt              string   `json:"created_at" format:"date-time"`
}

type ProjectMilestone struct {
	ID        string `json:"id"`
	ClientID  string `json:"client_id"`
	Title     string `json:"title"`
	Date      string `json:"date"`
	Type      string `json:"type" enum:"kickoff,review,delivery,custom"`
	Completed bool   `json:"completed"`
}

type IntegrationStatus struct {
	ID              string `json:"id"`
	ClientID        string `json:"client_id"`
	SlackConnected  bool   `json:"slack_connected"`
	ZohoConnected   bool   `json:"zoho_connected"`
	N8nConnected    bool   `json:"n8n_connected"`
	SlackWebhookURL string `json:"slack_webhook_url,omitempty"`
	N8nWebhookURL   string `json:"n8n_webhook_url,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ClientID   string `json:"client_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
