package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"onboardline/internal/calendar"
	"onboardline/internal/config"
	"onboardline/internal/db"
	"onboardline/internal/flow"
	"onboardline/internal/integrations"
	"onboardline/internal/migrate"
	"onboardline/internal/repo"
	"onboardline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "obl",
	Short: "Onboardline CLI",
	Long: `Onboardline walks new clients through a fixed onboarding sequence:
contract signature, system survey, kickoff scheduling, resource access.
State lives in the .onboardline workspace database. Each step is gated on
the previous one and never un-completes; use the transition commands
(client sign / survey / kickoff / resources) to advance a client.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ONBOARDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(calendarCmd())
	rootCmd.AddCommand(integrationsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(serveCmd())
}

func clientCmd() *cobra.Command {
	client := &cobra.Command{
		Use:   "client",
		Short: "Manage clients",
		Long:  "Clients are the onboarding engagements. Create one, then advance it with sign, survey, kickoff, and resources in that order.",
	}
	client.AddCommand(clientCreateCmd())
	client.AddCommand(clientListCmd())
	client.AddCommand(clientShowCmd())
	client.AddCommand(clientSignCmd())
	client.AddCommand(clientSurveyCmd())
	client.AddCommand(clientKickoffCmd())
	client.AddCommand(clientResourcesCmd())
	return client
}

func clientCreateCmd() *cobra.Command {
	var opts flow.SetupOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e flow.Engine) error {
				c, err := e.SetupClient(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "company name")
	cmd.Flags().StringVar(&opts.Industry, "industry", "", "industry")
	cmd.Flags().StringVar(&opts.PrimaryContactName, "contact-name", "", "primary contact name")
	cmd.Flags().StringVar(&opts.PrimaryContactEmail, "contact-email", "", "primary contact email")
	cmd.Flags().StringVar(&opts.ServicePackage, "package", "", "service package (defaults from config)")
	cmd.Flags().BoolVar(&opts.SeedMilestones, "seed-milestones", true, "seed template milestones")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("contact-name")
	_ = cmd.MarkFlagRequired("contact-email")
	return cmd
}

func clientListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListClients(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Contact", "Step", "Status"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.PrimaryContactEmail, c.CurrentStep, flow.StatusLabel(c)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func clientShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetClient(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("%s (%s)\n", c.Name, c.ID)
				fmt.Printf("Contact: %s <%s>\n", c.PrimaryContactName, c.PrimaryContactEmail)
				fmt.Printf("Package: %s\n", c.ServicePackage)
				fmt.Printf("Step %s: %s\n", c.CurrentStep, flow.StatusLabel(c))
				fmt.Printf("  contract signed:         %v\n", c.ContractSigned)
				fmt.Printf("  system details complete: %v\n", c.SystemDetailsComplete)
				fmt.Printf("  kickoff scheduled:       %v\n", c.KickoffScheduled)
				fmt.Printf("  resources accessed:      %v\n", c.ResourcesAccessed)
				return nil
			})
		},
	}
	return cmd
}

func clientSignCmd() *cobra.Command {
	var details flow.ContractDetails
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Record contract signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e flow.Engine) error {
				c, err := e.SignContract(ctx, args[0], details)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&details.ServicePackage, "package", "", "service package")
	cmd.Flags().StringVar(&details.ContractID, "contract-id", "", "contract reference")
	cmd.Flags().StringVar(&details.MeetingURL, "meeting-url", "", "kickoff meeting URL")
	return cmd
}

func clientSurveyCmd() *cobra.Command {
	var details flow.SurveyDetails
	cmd := &cobra.Command{
		Use:   "survey <id>",
		Short: "Record system survey answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e flow.Engine) error {
				c, err := e.CompleteSystemSurvey(ctx, args[0], details)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&details.Edition, "edition", "", "product edition")
	cmd.Flags().StringVar(&details.UserCount, "user-count", "", "user count bracket")
	cmd.Flags().StringArrayVar(&details.Integrations, "integration", []string{}, "requested integration (repeatable)")
	cmd.Flags().StringArrayVar(&details.ComplianceRequirements, "compliance", []string{}, "compliance requirement (repeatable)")
	return cmd
}

func clientKickoffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kickoff <id>",
		Short: "Confirm the kickoff meeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e flow.Engine) error {
				c, err := e.ScheduleKickoff(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func clientResourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resources <id>",
		Short: "Record first resource access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e flow.Engine) error {
				c, err := e.MarkResourcesAccessed(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{Use: "milestone", Short: "Manage project milestones"}
	ms.AddCommand(milestoneAddCmd())
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneCompleteCmd())
	return ms
}

func milestoneAddCmd() *cobra.Command {
	var opts flow.MilestoneOptions
	cmd := &cobra.Command{
		Use:   "add <client-id>",
		Short: "Add a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ClientID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e flow.Engine) error {
				m, err := e.CreateMilestone(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "milestone title")
	cmd.Flags().StringVar(&opts.Date, "date", "", "date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Type, "type", "custom", "kickoff, review, delivery, custom")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func milestoneListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <client-id>",
		Short: "List milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMilestones(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Date", "Type", "Title", "Done"})
				for _, m := range items {
					done := ""
					if m.Completed {
						done = "x"
					}
					tw.AppendRow(table.Row{m.ID, m.Date, m.Type, m.Title, done})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func milestoneCompleteCmd() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a milestone complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e flow.Engine) error {
				m, err := e.SetMilestoneCompleted(ctx, args[0], !undo)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "mark incomplete instead")
	return cmd
}

func calendarCmd() *cobra.Command {
	var year, month int
	cmd := &cobra.Command{
		Use:   "calendar <client-id>",
		Short: "Show the milestone calendar for a month",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetClient(ctx, args[0]); err != nil {
					return err
				}
				now := time.Now()
				if year == 0 {
					year = now.Year()
				}
				if month == 0 {
					month = int(now.Month())
				}
				items, err := r.ListMilestones(ctx, args[0])
				if err != nil {
					return err
				}
				weeks := calendar.MonthGrid(year, time.Month(month), items)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"year": year, "month": month, "weeks": weeks})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle(fmt.Sprintf("%s %d", time.Month(month), year))
				header := table.Row{}
				for _, d := range calendar.DayNames {
					header = append(header, d)
				}
				tw.AppendHeader(header)
				for _, week := range weeks {
					row := table.Row{}
					for _, cell := range week {
						row = append(row, renderCell(cell))
					}
					tw.AppendRow(row)
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "year (defaults to current)")
	cmd.Flags().IntVar(&month, "month", 0, "month 1-12 (defaults to current)")
	return cmd
}

func renderCell(c calendar.Cell) string {
	if c.Day == 0 {
		return ""
	}
	if len(c.Milestones) == 0 {
		return fmt.Sprintf("%d", c.Day)
	}
	titles := make([]string, 0, len(c.Milestones))
	for _, m := range c.Milestones {
		titles = append(titles, m.Title)
	}
	return fmt.Sprintf("%d %s", c.Day, strings.Join(titles, ", "))
}

func integrationsCmd() *cobra.Command {
	ic := &cobra.Command{Use: "integrations", Short: "Inspect and update integration status"}
	ic.AddCommand(integrationsShowCmd())
	ic.AddCommand(integrationsSetCmd())
	return ic
}

func integrationsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <client-id>",
		Short: "Show integration channels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetIntegrationStatus(ctx, args[0])
				if err != nil {
					return err
				}
				channels := integrations.Channels(s)
				if viper.GetBool("json") {
					return printJSON(channels)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Channel", "Status"})
				for _, ch := range channels {
					tw.AppendRow(table.Row{ch.Name, ch.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func integrationsSetCmd() *cobra.Command {
	var slack, zoho, n8n bool
	var slackURL, n8nURL string
	cmd := &cobra.Command{
		Use:   "set <client-id>",
		Short: "Update integration status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := repo.IntegrationUpdate{}
			if cmd.Flags().Changed("slack") {
				u.SlackConnected = &slack
			}
			if cmd.Flags().Changed("zoho") {
				u.ZohoConnected = &zoho
			}
			if cmd.Flags().Changed("n8n") {
				u.N8nConnected = &n8n
			}
			if cmd.Flags().Changed("slack-webhook-url") {
				u.SlackWebhookURL = &slackURL
			}
			if cmd.Flags().Changed("n8n-webhook-url") {
				u.N8nWebhookURL = &n8nURL
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e flow.Engine) error {
				s, err := e.UpdateIntegrations(ctx, args[0], u)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().BoolVar(&slack, "slack", false, "Slack connected")
	cmd.Flags().BoolVar(&zoho, "zoho", false, "Zoho connected")
	cmd.Flags().BoolVar(&n8n, "n8n", false, "n8n connected")
	cmd.Flags().StringVar(&slackURL, "slack-webhook-url", "", "Slack webhook URL")
	cmd.Flags().StringVar(&n8nURL, "n8n-webhook-url", "", "n8n webhook URL")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default onboardline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var clientID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, clientID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&clientID, "client", "", "client id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a sample client for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e flow.Engine) error {
				c, err := e.SetupClient(ctx, flow.SetupOptions{
					Name:                "Acme Health Systems",
					Industry:            "Healthcare",
					PrimaryContactName:  "Jordan Reyes",
					PrimaryContactEmail: "jordan.reyes@acmehealth.example",
					SeedMilestones:      true,
				})
				if err != nil {
					return err
				}
				fmt.Printf("Seeded client %s (%s)\n", c.Name, c.ID)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := flow.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Onboardline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, flow.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, flow.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
