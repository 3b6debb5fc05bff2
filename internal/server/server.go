package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"onboardline/internal/calendar"
	"onboardline/internal/domain"
	"onboardline/internal/flow"
	"onboardline/internal/integrations"
	"onboardline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   flow.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"sign-contract: contract already signed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"transition\":\"sign-contract\"}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Onboardline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Route Huma's own errors through the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(raw))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Onboardline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerClients(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerIntegrations(group, cfg.Engine)
	registerCalendar(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerInboundWebhooks(group)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	raw, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return raw
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pe flow.PreconditionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusConflict, "precondition_failed", err.Error(), map[string]any{"transition": pe.Transition})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "precondition_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Onboardline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerClients(api huma.API, e flow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-client",
		Method:        http.MethodPost,
		Path:          "/clients",
		Summary:       "Create client",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateClientRequest `json:"body"`
	}) (*struct {
		Body ClientResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		c, err := e.SetupClient(ctx, flow.SetupOptions{
			Name:                input.Body.Name,
			Industry:            input.Body.Industry,
			PrimaryContactName:  input.Body.PrimaryContactName,
			PrimaryContactEmail: input.Body.PrimaryContactEmail,
			ServicePackage:      input.Body.ServicePackage,
			SeedMilestones:      input.Body.SeedMilestones,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClientResponse `json:"body"`
		}{Body: clientResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-clients",
		Method:      http.MethodGet,
		Path:        "/clients",
		Summary:     "List clients",
	}, func(ctx context.Context, input *struct {
		Email string `query:"email"`
	}) (*struct {
		Body []ClientResponse `json:"body"`
	}, error) {
		if input.Email != "" {
			c, err := e.Repo.GetClientByEmail(ctx, input.Email)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return &struct {
						Body []ClientResponse `json:"body"`
					}{Body: []ClientResponse{}}, nil
				}
				return nil, handleError(err)
			}
			return &struct {
				Body []ClientResponse `json:"body"`
			}{Body: []ClientResponse{clientResponse(c)}}, nil
		}
		items, err := e.Repo.ListClients(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ClientResponse `json:"body"`
		}{Body: mapClients(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-client",
		Method:      http.MethodGet,
		Path:        "/clients/{client_id}",
		Summary:     "Get client",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ClientID string `path:"client_id"`
	}) (*struct {
		Body ClientResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetClient(ctx, input.ClientID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClientResponse `json:"body"`
		}{Body: clientResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-client",
		Method:      http.MethodPatch,
		Path:        "/clients/{client_id}",
		Summary:     "Update client fields",
		Description: "Raw field merge. Use the transition endpoints to advance onboarding.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ClientID string              `path:"client_id"`
		Body     UpdateClientRequest `json:"body"`
	}) (*struct {
		Body ClientResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		c, err := e.Repo.UpdateClient(ctx, input.ClientID, repo.ClientUpdate{
			Name:                   input.Body.Name,
			Industry:               input.Body.Industry,
			PrimaryContactName:     input.Body.PrimaryContactName,
			PrimaryContactEmail:    input.Body.PrimaryContactEmail,
			Edition:                input.Body.Edition,
			UserCount:              input.Body.UserCount,
			Integrations:           input.Body.Integrations,
			ComplianceRequirements: input.Body.ComplianceRequirements,
			ServicePackage:         input.Body.ServicePackage,
			ContractID:             input.Body.ContractID,
			MeetingURL:             input.Body.MeetingURL,
			CurrentStep:            input.Body.CurrentStep,
			ContractSigned:         input.Body.ContractSigned,
			SystemDetailsComplete:  input.Body.SystemDetailsComplete,
			KickoffScheduled:       input.Body.KickoffScheduled,
			ResourcesAccessed:      input.Body.ResourcesAccessed,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClientResponse `json:"body"`
		}{Body: clientResponse(c)}, nil
	})
}

func registerTransitions(api huma.API, e flow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sign-contract",
		Method:      http.MethodPost,
		Path:        "/clients/{client_id}/sign-contract",
		Summary:     "Record contract signature",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ClientID string              `path:"client_id"`
		Body     SignContractRequest `json:"body"`
	}) (*struct {
		Body ClientResponse `json:"body"`
	}, error) {
		c, err := e.SignContract(ctx, input.ClientID, flow.ContractDetails{
			ServicePackage: input.Body.ServicePackage,
			ContractID:     input.Body.ContractID,
			MeetingURL:     input.Body.MeetingURL,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClientResponse `json:"body"`
		}{Body: clientResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-survey",
		Method:      http.MethodPost,
		Path:        "/clients/{client_id}/complete-survey",
		Summary:     "Record system survey answers",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ClientID string                `path:"client_id"`
		Body     CompleteSurveyRequest `json:"body"`
	}) (*struct {
		Body ClientResponse `json:"body"`
	}, error) {
		c, err := e.CompleteSystemSurvey(ctx, input.ClientID, flow.SurveyDetails{
			Edition:                input.Body.Edition,
			UserCount:              input.Body.UserCount,
			Integrations:           input.Body.Integrations,
			ComplianceRequirements: input.Body.ComplianceRequirements,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClientResponse `json:"body"`
		}{Body: clientResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "schedule-kickoff",
		Method:      http.MethodPost,
		Path:        "/clients/{client_id}/schedule-kickoff",
		Summary:     "Confirm the kickoff meeting",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ClientID string `path:"client_id"`
	}) (*struct {
		Body ClientResponse `json:"body"`
	}, error) {
		c, err := e.ScheduleKickoff(ctx, input.ClientID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClientResponse `json:"body"`
		}{Body: clientResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-resources-accessed",
		Method:      http.MethodPost,
		Path:        "/clients/{client_id}/mark-resources-accessed",
		Summary:     "Record first resource access",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ClientID string `path:"client_id"`
	}) (*struct {
		Body ClientResponse `json:"body"`
	}, error) {
		c, err := e.MarkResourcesAccessed(ctx, input.ClientID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClientResponse `json:"body"`
		}{Body: clientResponse(c)}, nil
	})
}

func registerMilestones(api huma.API, e flow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/clients/{client_id}/milestones",
		Summary:     "List milestones",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ClientID string `path:"client_id"`
	}) (*struct {
		Body []domain.ProjectMilestone `json:"body"`
	}, error) {
		if _, err := e.Repo.GetClient(ctx, input.ClientID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMilestones(ctx, input.ClientID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ProjectMilestone `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-milestone",
		Method:        http.MethodPost,
		Path:          "/clients/{client_id}/milestones",
		Summary:       "Create milestone",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ClientID string                 `path:"client_id"`
		Body     CreateMilestoneRequest `json:"body"`
	}) (*struct {
		Body domain.ProjectMilestone `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		m, err := e.CreateMilestone(ctx, flow.MilestoneOptions{
			ClientID:  input.ClientID,
			Title:     input.Body.Title,
			Date:      input.Body.Date,
			Type:      input.Body.Type,
			Completed: input.Body.Completed,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectMilestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-milestone",
		Method:      http.MethodPatch,
		Path:        "/milestones/{milestone_id}",
		Summary:     "Toggle milestone completion",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		MilestoneID string                 `path:"milestone_id"`
		Body        UpdateMilestoneRequest `json:"body"`
	}) (*struct {
		Body domain.ProjectMilestone `json:"body"`
	}, error) {
		m, err := e.SetMilestoneCompleted(ctx, input.MilestoneID, input.Body.Completed)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectMilestone `json:"body"`
		}{Body: m}, nil
	})
}

func registerIntegrations(api huma.API, e flow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-integrations",
		Method:      http.MethodGet,
		Path:        "/clients/{client_id}/integrations",
		Summary:     "Integration status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ClientID string `path:"client_id"`
	}) (*struct {
		Body IntegrationsResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetIntegrationStatus(ctx, input.ClientID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntegrationsResponse `json:"body"`
		}{Body: IntegrationsResponse{IntegrationStatus: s, Channels: integrations.Channels(s)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-integrations",
		Method:      http.MethodPatch,
		Path:        "/clients/{client_id}/integrations",
		Summary:     "Update integration status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ClientID string                    `path:"client_id"`
		Body     UpdateIntegrationsRequest `json:"body"`
	}) (*struct {
		Body IntegrationsResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		s, err := e.UpdateIntegrations(ctx, input.ClientID, repo.IntegrationUpdate{
			SlackConnected:  input.Body.SlackConnected,
			ZohoConnected:   input.Body.ZohoConnected,
			N8nConnected:    input.Body.N8nConnected,
			SlackWebhookURL: input.Body.SlackWebhookURL,
			N8nWebhookURL:   input.Body.N8nWebhookURL,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntegrationsResponse `json:"body"`
		}{Body: IntegrationsResponse{IntegrationStatus: s, Channels: integrations.Channels(s)}}, nil
	})
}

func registerCalendar(api huma.API, e flow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "client-calendar",
		Method:      http.MethodGet,
		Path:        "/clients/{client_id}/calendar",
		Summary:     "Month calendar with milestones",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ClientID string `path:"client_id"`
		Year     int    `query:"year"`
		Month    int    `query:"month" minimum:"0" maximum:"12"`
	}) (*struct {
		Body CalendarResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetClient(ctx, input.ClientID); err != nil {
			return nil, handleError(err)
		}
		year, month := input.Year, input.Month
		if year == 0 || month == 0 {
			now := e.Now
			if now == nil {
				now = time.Now
			}
			t := now()
			if year == 0 {
				year = t.Year()
			}
			if month == 0 {
				month = int(t.Month())
			}
		}
		items, err := e.Repo.ListMilestones(ctx, input.ClientID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CalendarResponse `json:"body"`
		}{Body: CalendarResponse{
			Year:     year,
			Month:    month,
			DayNames: calendar.DayNames,
			Weeks:    calendar.MonthGrid(year, time.Month(month), items),
		}}, nil
	})
}

func registerEvents(api huma.API, e flow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/clients/{client_id}/events",
		Summary:     "Recent events for a client",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ClientID   string `path:"client_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := e.Repo.GetClient(ctx, input.ClientID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.ClientID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

// registerInboundWebhooks accepts callbacks from Slack and n8n. The payloads
// are logged and acknowledged; nothing downstream consumes them yet.
func registerInboundWebhooks(api huma.API) {
	for _, source := range []string{"slack", "n8n"} {
		src := source
		huma.Register(api, huma.Operation{
			OperationID: "inbound-webhook-" + src,
			Method:      http.MethodPost,
			Path:        "/webhooks/" + src,
			Summary:     "Inbound " + src + " callback",
		}, func(ctx context.Context, input *struct {
			Body map[string]any `json:"body"`
		}) (*struct {
			Body WebhookAckResponse `json:"body"`
		}, error) {
			log.Printf("webhook: inbound %s callback (%d keys)", src, len(input.Body))
			return &struct {
				Body WebhookAckResponse `json:"body"`
			}{Body: WebhookAckResponse{Success: true}}, nil
		})
	}
}
