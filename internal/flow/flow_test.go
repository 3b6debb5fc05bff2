package flow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"onboardline/internal/config"
	"onboardline/internal/db"
	"onboardline/internal/domain"
	"onboardline/internal/flow"
	"onboardline/internal/migrate"
	"onboardline/internal/repo"
)

type testEnv struct {
	Engine flow.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := flow.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) seedClient(t *testing.T, seedMilestones bool) domain.Client {
	t.Helper()
	c, err := env.Engine.SetupClient(env.Ctx, flow.SetupOptions{
		Name:                "Acme Health Systems",
		Industry:            "Healthcare",
		PrimaryContactName:  "Jordan Reyes",
		PrimaryContactEmail: "jordan.reyes@acmehealth.example",
		SeedMilestones:      seedMilestones,
	})
	if err != nil {
		t.Fatalf("setup client: %v", err)
	}
	return c
}

func TestOnboardingHappyPath(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedClient(t, false)
	if c.CurrentStep != "1" || flow.StatusLabel(c) != "Awaiting Contract" {
		t.Fatalf("fresh client: step=%s label=%s", c.CurrentStep, flow.StatusLabel(c))
	}

	c, err := env.Engine.SignContract(env.Ctx, c.ID, flow.ContractDetails{
		ServicePackage: "Security Assessment Pro",
		ContractID:     "CTR-100",
		MeetingURL:     "https://meet.example/kick",
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !c.ContractSigned || c.CurrentStep != "2" {
		t.Fatalf("after sign: signed=%v step=%s", c.ContractSigned, c.CurrentStep)
	}
	if flow.StatusLabel(c) != "Contract Signed" {
		t.Fatalf("label after sign: %s", flow.StatusLabel(c))
	}

	c, err = env.Engine.CompleteSystemSurvey(env.Ctx, c.ID, flow.SurveyDetails{
		Edition:                "Enterprise",
		UserCount:              "51-200",
		Integrations:           []string{"Slack", "Zoho CRM"},
		ComplianceRequirements: []string{"HIPAA"},
	})
	if err != nil {
		t.Fatalf("survey: %v", err)
	}
	if !c.SystemDetailsComplete || c.CurrentStep != "3" {
		t.Fatalf("after survey: complete=%v step=%s", c.SystemDetailsComplete, c.CurrentStep)
	}

	c, err = env.Engine.ScheduleKickoff(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("kickoff: %v", err)
	}
	if !c.KickoffScheduled || c.CurrentStep != "4" {
		t.Fatalf("after kickoff: scheduled=%v step=%s", c.KickoffScheduled, c.CurrentStep)
	}
	if flow.StatusLabel(c) != "Kickoff Scheduled" {
		t.Fatalf("label after kickoff: %s", flow.StatusLabel(c))
	}

	c, err = env.Engine.MarkResourcesAccessed(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	if !c.ResourcesAccessed || c.CurrentStep != "4" {
		t.Fatalf("after resources: accessed=%v step=%s", c.ResourcesAccessed, c.CurrentStep)
	}
	if flow.CurrentState(c) != flow.ResourcesAccessed {
		t.Fatalf("final state: %s", flow.CurrentState(c))
	}

	// all four flags must survive a round trip
	stored, err := env.Engine.Repo.GetClient(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !stored.ContractSigned || !stored.SystemDetailsComplete || !stored.KickoffScheduled || !stored.ResourcesAccessed {
		t.Fatalf("flags lost on reload: %+v", stored)
	}
}

func TestOutOfOrderTransitionsRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedClient(t, false)

	var pe flow.PreconditionError
	if _, err := env.Engine.CompleteSystemSurvey(env.Ctx, c.ID, flow.SurveyDetails{}); !errors.As(err, &pe) {
		t.Fatalf("survey before sign: %v", err)
	}
	if _, err := env.Engine.ScheduleKickoff(env.Ctx, c.ID); !errors.As(err, &pe) {
		t.Fatalf("kickoff before survey: %v", err)
	}
	if _, err := env.Engine.MarkResourcesAccessed(env.Ctx, c.ID); !errors.As(err, &pe) {
		t.Fatalf("resources before kickoff: %v", err)
	}

	// a rejected transition leaves the record untouched
	stored, err := env.Engine.Repo.GetClient(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.ContractSigned || stored.SystemDetailsComplete || stored.KickoffScheduled || stored.ResourcesAccessed {
		t.Fatalf("record mutated by rejected transition: %+v", stored)
	}
	if stored.CurrentStep != "1" {
		t.Fatalf("step mutated: %s", stored.CurrentStep)
	}
}

func TestResignRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedClient(t, false)
	if _, err := env.Engine.SignContract(env.Ctx, c.ID, flow.ContractDetails{ContractID: "CTR-1"}); err != nil {
		t.Fatalf("first sign: %v", err)
	}
	var pe flow.PreconditionError
	_, err := env.Engine.SignContract(env.Ctx, c.ID, flow.ContractDetails{ContractID: "CTR-2"})
	if !errors.As(err, &pe) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	stored, err := env.Engine.Repo.GetClient(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.ContractID != "CTR-1" {
		t.Fatalf("second sign overwrote contract: %s", stored.ContractID)
	}
}

func TestKickoffRequiresMeetingURL(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedClient(t, false)
	if _, err := env.Engine.SignContract(env.Ctx, c.ID, flow.ContractDetails{}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := env.Engine.CompleteSystemSurvey(env.Ctx, c.ID, flow.SurveyDetails{}); err != nil {
		t.Fatalf("survey: %v", err)
	}
	var pe flow.PreconditionError
	if _, err := env.Engine.ScheduleKickoff(env.Ctx, c.ID); !errors.As(err, &pe) {
		t.Fatalf("kickoff without meeting url: %v", err)
	}
	url := "https://meet.example/later"
	if _, err := env.Engine.Repo.UpdateClient(env.Ctx, c.ID, repo.ClientUpdate{MeetingURL: &url}); err != nil {
		t.Fatalf("patch meeting url: %v", err)
	}
	if _, err := env.Engine.ScheduleKickoff(env.Ctx, c.ID); err != nil {
		t.Fatalf("kickoff after patch: %v", err)
	}
}

func TestKickoffCompletesSeededMilestone(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedClient(t, true)
	if _, err := env.Engine.SignContract(env.Ctx, c.ID, flow.ContractDetails{MeetingURL: "https://meet.example/k"}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := env.Engine.CompleteSystemSurvey(env.Ctx, c.ID, flow.SurveyDetails{}); err != nil {
		t.Fatalf("survey: %v", err)
	}
	if _, err := env.Engine.ScheduleKickoff(env.Ctx, c.ID); err != nil {
		t.Fatalf("kickoff: %v", err)
	}
	items, err := env.Engine.Repo.ListMilestones(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("list milestones: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 seeded milestones, got %d", len(items))
	}
	found := false
	for _, m := range items {
		if m.Type == "kickoff" {
			found = true
			if !m.Completed {
				t.Fatalf("kickoff milestone not completed: %+v", m)
			}
		} else if m.Completed {
			t.Fatalf("unrelated milestone completed: %+v", m)
		}
	}
	if !found {
		t.Fatal("no kickoff milestone seeded")
	}
}

func TestConcurrentSignContract(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedClient(t, false)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.SignContract(env.Ctx, c.ID, flow.ContractDetails{ContractID: "CTR-RACE"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, rejections := 0, 0
	for err := range results {
		var pe flow.PreconditionError
		switch {
		case err == nil:
			successes++
		case errors.As(err, &pe):
			rejections++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || rejections != racers-1 {
		t.Fatalf("got %d successes, %d rejections", successes, rejections)
	}
}

func TestStatusLabelPriority(t *testing.T) {
	cases := []struct {
		name   string
		client domain.Client
		want   string
	}{
		{"fresh", domain.Client{}, "Awaiting Contract"},
		{"signed", domain.Client{ContractSigned: true}, "Contract Signed"},
		{"surveyed", domain.Client{ContractSigned: true, SystemDetailsComplete: true}, "System Details Complete"},
		{"kickoff", domain.Client{ContractSigned: true, SystemDetailsComplete: true, KickoffScheduled: true}, "Kickoff Scheduled"},
		{"resources", domain.Client{ContractSigned: true, SystemDetailsComplete: true, KickoffScheduled: true, ResourcesAccessed: true}, "Kickoff Scheduled"},
	}
	for _, tc := range cases {
		if got := flow.StatusLabel(tc.client); got != tc.want {
			t.Errorf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestSetupClientValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetupClient(env.Ctx, flow.SetupOptions{
		PrimaryContactName:  "a",
		PrimaryContactEmail: "a@example.com",
	}); err == nil {
		t.Fatal("missing name accepted")
	}
	if _, err := env.Engine.SetupClient(env.Ctx, flow.SetupOptions{
		Name:                "x",
		PrimaryContactName:  "a",
		PrimaryContactEmail: "a@example.com",
		ServicePackage:      "Nonexistent Package",
	}); err == nil {
		t.Fatal("unknown service package accepted")
	}
	c := env.seedClient(t, false)
	if c.ServicePackage != "Security Assessment Pro" {
		t.Fatalf("default package not applied: %q", c.ServicePackage)
	}
}

func TestSurveyRejectsUnknownEdition(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedClient(t, false)
	if _, err := env.Engine.SignContract(env.Ctx, c.ID, flow.ContractDetails{}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := env.Engine.CompleteSystemSurvey(env.Ctx, c.ID, flow.SurveyDetails{Edition: "Mystery"}); err == nil {
		t.Fatal("unknown edition accepted")
	}
	stored, _ := env.Engine.Repo.GetClient(env.Ctx, c.ID)
	if stored.SystemDetailsComplete {
		t.Fatal("survey flag set despite rejection")
	}
}

func TestTransitionsRecordEvents(t *testing.T) {
	env := newTestEnv(t)
	c := env.seedClient(t, false)
	if _, err := env.Engine.SignContract(env.Ctx, c.ID, flow.ContractDetails{MeetingURL: "https://meet.example/k"}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := env.Engine.CompleteSystemSurvey(env.Ctx, c.ID, flow.SurveyDetails{}); err != nil {
		t.Fatalf("survey: %v", err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, c.ID, "", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := map[string]bool{}
	for _, evt := range events {
		types[evt.Type] = true
	}
	for _, want := range []string{"client.created", "client.contract_signed", "client.survey_completed"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}

func TestUnknownClientNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SignContract(env.Ctx, "no-such-id", flow.ContractDetails{})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
