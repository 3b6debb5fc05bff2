package flow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"onboardline/internal/config"
	"onboardline/internal/domain"
	"onboardline/internal/events"
	"onboardline/internal/repo"
)

// Step is the derived onboarding state of a client. It is never stored;
// it is recomputed from the four completion flags on every read.
type Step int

const (
	AwaitingContract Step = iota
	ContractSigned
	SystemDetailsComplete
	KickoffScheduled
	ResourcesAccessed
)

func (s Step) String() string {
	switch s {
	case ContractSigned:
		return "contract_signed"
	case SystemDetailsComplete:
		return "system_details_complete"
	case KickoffScheduled:
		return "kickoff_scheduled"
	case ResourcesAccessed:
		return "resources_accessed"
	default:
		return "awaiting_contract"
	}
}

// CurrentState derives the client's state from its flags, most advanced
// true flag first, so stale or hand-edited current_step values never matter.
func CurrentState(c domain.Client) Step {
	switch {
	case c.ResourcesAccessed:
		return ResourcesAccessed
	case c.KickoffScheduled:
		return KickoffScheduled
	case c.SystemDetailsComplete:
		return SystemDetailsComplete
	case c.ContractSigned:
		return ContractSigned
	default:
		return AwaitingContract
	}
}

// StatusLabel maps the derived state to the summary-view label. Checked in
// reverse priority: kickoff first, then survey, then contract.
func StatusLabel(c domain.Client) string {
	switch {
	case c.KickoffScheduled:
		return "Kickoff Scheduled"
	case c.SystemDetailsComplete:
		return "System Details Complete"
	case c.ContractSigned:
		return "Contract Signed"
	default:
		return "Awaiting Contract"
	}
}

// stepOrdinal is the stored current_step: one past the count of completed
// prefix flags, capped at the last wizard step.
func stepOrdinal(c domain.Client) string {
	n := 1
	for _, done := range []bool{c.ContractSigned, c.SystemDetailsComplete, c.KickoffScheduled, c.ResourcesAccessed} {
		if !done {
			break
		}
		n++
	}
	if n > 4 {
		n = 4
	}
	return strconv.Itoa(n)
}

// PreconditionError reports a transition attempted out of order. The client
// record is left untouched when one is returned.
type PreconditionError struct {
	Transition string
	Reason     string
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Transition, e.Reason)
}

func precondition(transition, reason string) error {
	return PreconditionError{Transition: transition, Reason: reason}
}

// clientLocks serializes transitions per client id so a precondition check
// and its mutation act as one unit even across racing callers.
type clientLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newClientLocks() *clientLocks {
	return &clientLocks{m: make(map[string]*sync.Mutex)}
}

func (l *clientLocks) lock(id string) func() {
	l.mu.Lock()
	cm, ok := l.m[id]
	if !ok {
		cm = &sync.Mutex{}
		l.m[id] = cm
	}
	l.mu.Unlock()
	cm.Lock()
	return cm.Unlock
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	locks *clientLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  newClientLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SetupOptions are parameters for starting an onboarding engagement.
type SetupOptions struct {
	Name                string
	Industry            string
	PrimaryContactName  string
	PrimaryContactEmail string
	ServicePackage      string
	SeedMilestones      bool
}

// SetupClient creates the client with all flags false plus its integration
// status row and, optionally, the default milestone plan from config.
func (e Engine) SetupClient(ctx context.Context, opts SetupOptions) (domain.Client, error) {
	if opts.Name == "" {
		return domain.Client{}, errors.New("name is required")
	}
	if opts.PrimaryContactName == "" || opts.PrimaryContactEmail == "" {
		return domain.Client{}, errors.New("primary contact name and email are required")
	}
	pkg := opts.ServicePackage
	if pkg == "" && e.Config != nil {
		pkg = e.Config.Onboarding.DefaultPackage
	}
	if pkg != "" && e.Config != nil && len(e.Config.Onboarding.ServicePackages) > 0 {
		known := false
		for _, p := range e.Config.Onboarding.ServicePackages {
			if p == pkg {
				known = true
				break
			}
		}
		if !known {
			return domain.Client{}, fmt.Errorf("invalid service package %q", pkg)
		}
	}
	now := e.now().UTC()
	c := domain.Client{
		ID:                  uuid.New().String(),
		Name:                opts.Name,
		Industry:            opts.Industry,
		PrimaryContactName:  opts.PrimaryContactName,
		PrimaryContactEmail: opts.PrimaryContactEmail,
		ServicePackage:      pkg,
		CurrentStep:         "1",
		CreatedAt:           now.Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Client{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertClientTx(ctx, tx, c); err != nil {
		return domain.Client{}, fmt.Errorf("insert client: %w", err)
	}
	status := domain.IntegrationStatus{
		ID:       uuid.New().String(),
		ClientID: c.ID,
	}
	if err := e.Repo.InsertIntegrationStatusTx(ctx, tx, status); err != nil {
		return domain.Client{}, fmt.Errorf("insert integration status: %w", err)
	}
	if opts.SeedMilestones && e.Config != nil {
		for _, tpl := range e.Config.Milestones.Templates {
			m := domain.ProjectMilestone{
				ID:       uuid.New().String(),
				ClientID: c.ID,
				Title:    tpl.Title,
				Date:     now.AddDate(0, 0, tpl.OffsetDays).Format("2006-01-02"),
				Type:     tpl.Type,
			}
			if err := e.Repo.InsertMilestoneTx(ctx, tx, m); err != nil {
				return domain.Client{}, fmt.Errorf("seed milestone %s: %w", tpl.Title, err)
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "client.created", c.ID, "client", c.ID, events.EventPayload{"name": c.Name}); err != nil {
		return domain.Client{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Client{}, err
	}
	return c, nil
}

// ContractDetails are the fields merged by SignContract.
type ContractDetails struct {
	ServicePackage string
	ContractID     string
	MeetingURL     string
}

// SignContract advances a fresh client past step one. Re-signing an already
// signed contract is a hard rejection, matching the racing-duplicate case.
func (e Engine) SignContract(ctx context.Context, clientID string, in ContractDetails) (domain.Client, error) {
	unlock := e.locks.lock(clientID)
	defer unlock()

	c, err := e.Repo.GetClient(ctx, clientID)
	if err != nil {
		return domain.Client{}, err
	}
	if c.ContractSigned {
		return domain.Client{}, precondition("sign-contract", "contract already signed")
	}
	if in.ServicePackage != "" {
		c.ServicePackage = in.ServicePackage
	}
	if in.ContractID != "" {
		c.ContractID = in.ContractID
	}
	if in.MeetingURL != "" {
		c.MeetingURL = in.MeetingURL
	}
	c.ContractSigned = true
	c.CurrentStep = stepOrdinal(c)
	return e.commitTransition(ctx, c, "client.contract_signed", events.EventPayload{
		"service_package": c.ServicePackage,
	})
}

// SurveyDetails are the fields merged by CompleteSystemSurvey.
type SurveyDetails struct {
	Edition                string
	UserCount              string
	Integrations           []string
	ComplianceRequirements []string
}

func (e Engine) CompleteSystemSurvey(ctx context.Context, clientID string, in SurveyDetails) (domain.Client, error) {
	unlock := e.locks.lock(clientID)
	defer unlock()

	c, err := e.Repo.GetClient(ctx, clientID)
	if err != nil {
		return domain.Client{}, err
	}
	if !c.ContractSigned {
		return domain.Client{}, precondition("complete-survey", "contract not yet signed")
	}
	if c.SystemDetailsComplete {
		return domain.Client{}, precondition("complete-survey", "survey already completed")
	}
	if in.Edition != "" && e.Config != nil && len(e.Config.Onboarding.Editions) > 0 {
		known := false
		for _, ed := range e.Config.Onboarding.Editions {
			if ed == in.Edition {
				known = true
				break
			}
		}
		if !known {
			return domain.Client{}, fmt.Errorf("invalid edition %q", in.Edition)
		}
	}
	if in.Edition != "" {
		c.Edition = in.Edition
	}
	if in.UserCount != "" {
		c.UserCount = in.UserCount
	}
	if in.Integrations != nil {
		c.Integrations = in.Integrations
	}
	if in.ComplianceRequirements != nil {
		c.ComplianceRequirements = in.ComplianceRequirements
	}
	c.SystemDetailsComplete = true
	c.CurrentStep = stepOrdinal(c)
	return e.commitTransition(ctx, c, "client.survey_completed", events.EventPayload{
		"edition":    c.Edition,
		"user_count": c.UserCount,
	})
}

// ScheduleKickoff requires a meeting url on the record and best-effort marks
// the client's kickoff milestone completed in the same transaction.
func (e Engine) ScheduleKickoff(ctx context.Context, clientID string) (domain.Client, error) {
	unlock := e.locks.lock(clientID)
	defer unlock()

	c, err := e.Repo.GetClient(ctx, clientID)
	if err != nil {
		return domain.Client{}, err
	}
	if !c.SystemDetailsComplete {
		return domain.Client{}, precondition("schedule-kickoff", "system details not yet complete")
	}
	if c.KickoffScheduled {
		return domain.Client{}, precondition("schedule-kickoff", "kickoff already scheduled")
	}
	if c.MeetingURL == "" {
		return domain.Client{}, precondition("schedule-kickoff", "no meeting url on record")
	}
	c.KickoffScheduled = true
	c.CurrentStep = stepOrdinal(c)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Client{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateClientTx(ctx, tx, c); err != nil {
		return domain.Client{}, err
	}
	m, err := e.Repo.KickoffMilestoneTx(ctx, tx, c.ID)
	switch {
	case err == nil && !m.Completed:
		if err := e.Repo.SetMilestoneCompletedTx(ctx, tx, m.ID, true); err != nil {
			return domain.Client{}, err
		}
		if err := e.Events.Append(ctx, tx, "milestone.completed", c.ID, "milestone", m.ID, events.EventPayload{"title": m.Title}); err != nil {
			return domain.Client{}, err
		}
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return domain.Client{}, err
	}
	if err := e.Events.Append(ctx, tx, "client.kickoff_scheduled", c.ID, "client", c.ID, events.EventPayload{
		"meeting_url": c.MeetingURL,
	}); err != nil {
		return domain.Client{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Client{}, err
	}
	return c, nil
}

func (e Engine) MarkResourcesAccessed(ctx context.Context, clientID string) (domain.Client, error) {
	unlock := e.locks.lock(clientID)
	defer unlock()

	c, err := e.Repo.GetClient(ctx, clientID)
	if err != nil {
		return domain.Client{}, err
	}
	if !c.KickoffScheduled {
		return domain.Client{}, precondition("mark-resources-accessed", "kickoff not yet scheduled")
	}
	if c.ResourcesAccessed {
		return domain.Client{}, precondition("mark-resources-accessed", "resources already accessed")
	}
	c.ResourcesAccessed = true
	c.CurrentStep = stepOrdinal(c)
	return e.commitTransition(ctx, c, "client.resources_accessed", events.EventPayload{})
}

// commitTransition writes the mutated client and its event atomically.
func (e Engine) commitTransition(ctx context.Context, c domain.Client, evtType string, payload events.EventPayload) (domain.Client, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Client{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateClientTx(ctx, tx, c); err != nil {
		return domain.Client{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, c.ID, "client", c.ID, payload); err != nil {
		return domain.Client{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Client{}, err
	}
	return c, nil
}

// MilestoneOptions are parameters for creating a milestone.
type MilestoneOptions struct {
	ClientID  string
	Title     string
	Date      string
	Type      string
	Completed bool
}

func (e Engine) CreateMilestone(ctx context.Context, opts MilestoneOptions) (domain.ProjectMilestone, error) {
	if opts.Title == "" {
		return domain.ProjectMilestone{}, errors.New("title is required")
	}
	if opts.Type == "" {
		opts.Type = "custom"
	}
	switch opts.Type {
	case "kickoff", "review", "delivery", "custom":
	default:
		return domain.ProjectMilestone{}, fmt.Errorf("invalid milestone type %q", opts.Type)
	}
	if _, err := time.Parse("2006-01-02", opts.Date); err != nil {
		return domain.ProjectMilestone{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", opts.Date)
	}
	if _, err := e.Repo.GetClient(ctx, opts.ClientID); err != nil {
		return domain.ProjectMilestone{}, err
	}
	m := domain.ProjectMilestone{
		ID:        uuid.New().String(),
		ClientID:  opts.ClientID,
		Title:     opts.Title,
		Date:      opts.Date,
		Type:      opts.Type,
		Completed: opts.Completed,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectMilestone{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMilestoneTx(ctx, tx, m); err != nil {
		return domain.ProjectMilestone{}, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.created", m.ClientID, "milestone", m.ID, events.EventPayload{"title": m.Title, "date": m.Date}); err != nil {
		return domain.ProjectMilestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectMilestone{}, err
	}
	return m, nil
}

// SetMilestoneCompleted flips a milestone independently of the client flags.
func (e Engine) SetMilestoneCompleted(ctx context.Context, id string, completed bool) (domain.ProjectMilestone, error) {
	m, err := e.Repo.GetMilestone(ctx, id)
	if err != nil {
		return domain.ProjectMilestone{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectMilestone{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetMilestoneCompletedTx(ctx, tx, id, completed); err != nil {
		return domain.ProjectMilestone{}, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.completed", m.ClientID, "milestone", m.ID, events.EventPayload{"completed": completed}); err != nil {
		return domain.ProjectMilestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectMilestone{}, err
	}
	m.Completed = completed
	return m, nil
}

// UpdateIntegrations merges connected flags and webhook urls, then records
// the change in the event log.
func (e Engine) UpdateIntegrations(ctx context.Context, clientID string, u repo.IntegrationUpdate) (domain.IntegrationStatus, error) {
	s, err := e.Repo.UpdateIntegrationStatus(ctx, clientID, u)
	if err != nil {
		return domain.IntegrationStatus{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.IntegrationStatus{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "integration.updated", clientID, "integration", s.ID, events.EventPayload{
		"slack_connected": s.SlackConnected,
		"zoho_connected":  s.ZohoConnected,
		"n8n_connected":   s.N8nConnected,
	}); err != nil {
		return domain.IntegrationStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.IntegrationStatus{}, err
	}
	return s, nil
}
