package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"onboardline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const clientColumns = `id,name,industry,primary_contact_name,primary_contact_email,edition,user_count,integrations_json,compliance_json,service_package,contract_id,meeting_url,current_step,contract_signed,system_details_complete,kickoff_scheduled,resources_accessed,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (domain.Client, error) {
	var c domain.Client
	var industry, edition, userCount, integrationsJSON, complianceJSON, servicePackage, contractID, meetingURL sql.NullString
	err := row.Scan(&c.ID, &c.Name, &industry, &c.PrimaryContactName, &c.PrimaryContactEmail,
		&edition, &userCount, &integrationsJSON, &complianceJSON, &servicePackage,
		&contractID, &meetingURL, &c.CurrentStep,
		&c.ContractSigned, &c.SystemDetailsComplete, &c.KickoffScheduled, &c.ResourcesAccessed,
		&c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Industry = industry.String
	c.Edition = edition.String
	c.UserCount = userCount.String
	c.ServicePackage = servicePackage.String
	c.ContractID = contractID.String
	c.MeetingURL = meetingURL.String
	if integrationsJSON.Valid {
		if err := json.Unmarshal([]byte(integrationsJSON.String), &c.Integrations); err != nil {
			return c, fmt.Errorf("decode integrations for client %s: %w", c.ID, err)
		}
	}
	if complianceJSON.Valid {
		if err := json.Unmarshal([]byte(complianceJSON.String), &c.ComplianceRequirements); err != nil {
			return c, fmt.Errorf("decode compliance for client %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func (r Repo) InsertClientTx(ctx context.Context, tx *sql.Tx, c domain.Client) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO clients(`+clientColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, nullable(c.Industry), c.PrimaryContactName, c.PrimaryContactEmail,
		nullable(c.Edition), nullable(c.UserCount), marshalList(c.Integrations), marshalList(c.ComplianceRequirements),
		nullable(c.ServicePackage), nullable(c.ContractID), nullable(c.MeetingURL), c.CurrentStep,
		c.ContractSigned, c.SystemDetailsComplete, c.KickoffScheduled, c.ResourcesAccessed, c.CreatedAt)
	return err
}

func (r Repo) GetClient(ctx context.Context, id string) (domain.Client, error) {
	return scanClient(r.DB.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id=?`, id))
}

func (r Repo) GetClientByEmail(ctx context.Context, email string) (domain.Client, error) {
	return scanClient(r.DB.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE primary_contact_email=? ORDER BY created_at LIMIT 1`, email))
}

func (r Repo) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ClientUpdate is a field-level partial update; nil fields are left untouched.
// It performs no cross-field checks; onboarding monotonicity is the flow
// engine's responsibility.
type ClientUpdate struct {
	Name                   *string
	Industry               *string
	PrimaryContactName     *string
	PrimaryContactEmail    *string
	Edition                *string
	UserCount              *string
	Integrations           *[]string
	ComplianceRequirements *[]string
	ServicePackage         *string
	ContractID             *string
	MeetingURL             *string
	CurrentStep            *string
	ContractSigned         *bool
	SystemDetailsComplete  *bool
	KickoffScheduled       *bool
	ResourcesAccessed      *bool
}

func (r Repo) UpdateClient(ctx context.Context, id string, u ClientUpdate) (domain.Client, error) {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if u.Name != nil {
		set("name", *u.Name)
	}
	if u.Industry != nil {
		set("industry", nullable(*u.Industry))
	}
	if u.PrimaryContactName != nil {
		set("primary_contact_name", *u.PrimaryContactName)
	}
	if u.PrimaryContactEmail != nil {
		set("primary_contact_email", *u.PrimaryContactEmail)
	}
	if u.Edition != nil {
		set("edition", nullable(*u.Edition))
	}
	if u.UserCount != nil {
		set("user_count", nullable(*u.UserCount))
	}
	if u.Integrations != nil {
		set("integrations_json", marshalList(*u.Integrations))
	}
	if u.ComplianceRequirements != nil {
		set("compliance_json", marshalList(*u.ComplianceRequirements))
	}
	if u.ServicePackage != nil {
		set("service_package", nullable(*u.ServicePackage))
	}
	if u.ContractID != nil {
		set("contract_id", nullable(*u.ContractID))
	}
	if u.MeetingURL != nil {
		set("meeting_url", nullable(*u.MeetingURL))
	}
	if u.CurrentStep != nil {
		set("current_step", *u.CurrentStep)
	}
	if u.ContractSigned != nil {
		set("contract_signed", *u.ContractSigned)
	}
	if u.SystemDetailsComplete != nil {
		set("system_details_complete", *u.SystemDetailsComplete)
	}
	if u.KickoffScheduled != nil {
		set("kickoff_scheduled", *u.KickoffScheduled)
	}
	if u.ResourcesAccessed != nil {
		set("resources_accessed", *u.ResourcesAccessed)
	}
	if len(fields) > 0 {
		args = append(args, id)
		res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE clients SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
		if err != nil {
			return domain.Client{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.Client{}, ErrNotFound
		}
	}
	return r.GetClient(ctx, id)
}

// UpdateClientTx overwrites every mutable column from the given record.
// Used by flow transitions, which read-modify-write the whole client.
func (r Repo) UpdateClientTx(ctx context.Context, tx *sql.Tx, c domain.Client) error {
	res, err := tx.ExecContext(ctx, `UPDATE clients SET name=?, industry=?, primary_contact_name=?, primary_contact_email=?, edition=?, user_count=?, integrations_json=?, compliance_json=?, service_package=?, contract_id=?, meeting_url=?, current_step=?, contract_signed=?, system_details_complete=?, kickoff_scheduled=?, resources_accessed=? WHERE id=?`,
		c.Name, nullable(c.Industry), c.PrimaryContactName, c.PrimaryContactEmail,
		nullable(c.Edition), nullable(c.UserCount), marshalList(c.Integrations), marshalList(c.ComplianceRequirements),
		nullable(c.ServicePackage), nullable(c.ContractID), nullable(c.MeetingURL), c.CurrentStep,
		c.ContractSigned, c.SystemDetailsComplete, c.KickoffScheduled, c.ResourcesAccessed, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.ProjectMilestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_milestones(id,client_id,title,date,type,completed) VALUES (?,?,?,?,?,?)`,
		m.ID, m.ClientID, m.Title, m.Date, m.Type, m.Completed)
	return err
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.ProjectMilestone, error) {
	var m domain.ProjectMilestone
	err := r.DB.QueryRowContext(ctx, `SELECT id,client_id,title,date,type,completed FROM project_milestones WHERE id=?`, id).
		Scan(&m.ID, &m.ClientID, &m.Title, &m.Date, &m.Type, &m.Completed)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMilestones(ctx context.Context, clientID string) ([]domain.ProjectMilestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,client_id,title,date,type,completed FROM project_milestones WHERE client_id=? ORDER BY date, id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectMilestone
	for rows.Next() {
		var m domain.ProjectMilestone
		if err := rows.Scan(&m.ID, &m.ClientID, &m.Title, &m.Date, &m.Type, &m.Completed); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// KickoffMilestoneTx returns the earliest kickoff-type milestone for a client.
func (r Repo) KickoffMilestoneTx(ctx context.Context, tx *sql.Tx, clientID string) (domain.ProjectMilestone, error) {
	var m domain.ProjectMilestone
	err := tx.QueryRowContext(ctx, `SELECT id,client_id,title,date,type,completed FROM project_milestones WHERE client_id=? AND type='kickoff' ORDER BY date, id LIMIT 1`, clientID).
		Scan(&m.ID, &m.ClientID, &m.Title, &m.Date, &m.Type, &m.Completed)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) SetMilestoneCompletedTx(ctx context.Context, tx *sql.Tx, id string, completed bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE project_milestones SET completed=? WHERE id=?`, completed, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertIntegrationStatusTx(ctx context.Context, tx *sql.Tx, s domain.IntegrationStatus) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO integration_status(id,client_id,slack_connected,zoho_connected,n8n_connected,slack_webhook_url,n8n_webhook_url) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.ClientID, s.SlackConnected, s.ZohoConnected, s.N8nConnected, nullable(s.SlackWebhookURL), nullable(s.N8nWebhookURL))
	return err
}

func (r Repo) GetIntegrationStatus(ctx context.Context, clientID string) (domain.IntegrationStatus, error) {
	var s domain.IntegrationStatus
	var slackURL, n8nURL sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,client_id,slack_connected,zoho_connected,n8n_connected,slack_webhook_url,n8n_webhook_url FROM integration_status WHERE client_id=? ORDER BY id LIMIT 1`, clientID).
		Scan(&s.ID, &s.ClientID, &s.SlackConnected, &s.ZohoConnected, &s.N8nConnected, &slackURL, &n8nURL)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.SlackWebhookURL = slackURL.String
	s.N8nWebhookURL = n8nURL.String
	return s, nil
}

// IntegrationUpdate is a field-level partial update; nil fields are untouched.
type IntegrationUpdate struct {
	SlackConnected  *bool
	ZohoConnected   *bool
	N8nConnected    *bool
	SlackWebhookURL *string
	N8nWebhookURL   *string
}

func (r Repo) UpdateIntegrationStatus(ctx context.Context, clientID string, u IntegrationUpdate) (domain.IntegrationStatus, error) {
	existing, err := r.GetIntegrationStatus(ctx, clientID)
	if err != nil {
		return domain.IntegrationStatus{}, err
	}
	var (
		fields []string
		args   []any
	)
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if u.SlackConnected != nil {
		set("slack_connected", *u.SlackConnected)
	}
	if u.ZohoConnected != nil {
		set("zoho_connected", *u.ZohoConnected)
	}
	if u.N8nConnected != nil {
		set("n8n_connected", *u.N8nConnected)
	}
	if u.SlackWebhookURL != nil {
		set("slack_webhook_url", nullable(*u.SlackWebhookURL))
	}
	if u.N8nWebhookURL != nil {
		set("n8n_webhook_url", nullable(*u.N8nWebhookURL))
	}
	if len(fields) > 0 {
		args = append(args, existing.ID)
		if _, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE integration_status SET %s WHERE id=?`, strings.Join(fields, ",")), args...); err != nil {
			return domain.IntegrationStatus{}, err
		}
	}
	return r.GetIntegrationStatus(ctx, clientID)
}

func (r Repo) LatestEvents(ctx context.Context, limit int, clientID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if clientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, clientID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,client_id,entity_kind,entity_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,client_id,entity_kind,entity_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var clientID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &clientID, &e.EntityKind, &entityID, &payload); err != nil {
			return nil, err
		}
		e.ClientID = clientID.String
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalList(in []string) any {
	if len(in) == 0 {
		return nil
	}
	b, _ := json.Marshal(in)
	return string(b)
}
