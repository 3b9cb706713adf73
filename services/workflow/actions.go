package workflow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RecordMutator is the slice of the record store the engine needs for
// updateRecord/createRecord actions. Bound after construction to break the
// store -> engine -> store cycle.
type RecordMutator interface {
	ApplyFields(ctx context.Context, tenantID, moduleName, recordID string, fields map[string]any, actorID string) error
	CreateRecord(ctx context.Context, tenantID, moduleName string, data map[string]any, actorID string) (string, error)
}

// Mailer delivers sendEmail actions. The transport lives outside the core.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Notifier delivers notification actions.
type Notifier interface {
	Notify(ctx context.Context, recipient, message string) error
}

// LogMailer and LogNotifier are the default collaborators: they record the
// outgoing message and succeed, so workflows behave deterministically until a
// real delivery integration is plugged in.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, to, subject, _ string) error {
	zap.L().Info("workflow email", zap.String("to", to), zap.String("subject", subject))
	return nil
}

type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, recipient, message string) error {
	zap.L().Info("workflow notification", zap.String("recipient", recipient), zap.String("message", message))
	return nil
}

type actionRunner struct {
	records        RecordMutator
	mailer         Mailer
	notifier       Notifier
	httpClient     *http.Client
	webhookTimeout time.Duration
}

// run executes one action against the triggering event. Returned output goes
// into the execution audit row; the error stays scoped to this action.
func (r *actionRunner) run(ctx context.Context, action Action, ev Event) (any, error) {
	switch action.Kind {
	case ActionSendEmail:
		to := configString(action.Config, "to")
		subject := renderTemplate(configString(action.Config, "subject"), ev.Data)
		body := renderTemplate(configString(action.Config, "body"), ev.Data)
		if to == "" {
			return nil, fmt.Errorf("sendEmail action requires a recipient")
		}
		if err := r.mailer.Send(ctx, to, subject, body); err != nil {
			return nil, err
		}
		return map[string]any{"to": to, "subject": subject}, nil

	case ActionNotification:
		recipient := configString(action.Config, "recipient")
		message := renderTemplate(configString(action.Config, "message"), ev.Data)
		if err := r.notifier.Notify(ctx, recipient, message); err != nil {
			return nil, err
		}
		return map[string]any{"recipient": recipient, "message": message}, nil

	case ActionUpdateRecord:
		if r.records == nil {
			return nil, fmt.Errorf("record store not bound")
		}
		fields, ok := action.Config["fields"].(map[string]any)
		if !ok || len(fields) == 0 {
			return nil, fmt.Errorf("updateRecord action requires fields")
		}
		if err := r.records.ApplyFields(ctx, ev.TenantID, ev.ModuleName, ev.RecordID, fields, "workflow"); err != nil {
			return nil, err
		}
		return map[string]any{"recordId": ev.RecordID, "fields": fields}, nil

	case ActionCreateRecord:
		if r.records == nil {
			return nil, fmt.Errorf("record store not bound")
		}
		module := configString(action.Config, "module")
		data, _ := action.Config["data"].(map[string]any)
		if module == "" || len(data) == 0 {
			return nil, fmt.Errorf("createRecord action requires a module and data")
		}
		id, err := r.records.CreateRecord(ctx, ev.TenantID, module, data, "workflow")
		if err != nil {
			return nil, err
		}
		return map[string]any{"recordId": id, "module": module}, nil

	case ActionWebhook:
		return r.runWebhook(ctx, action, ev)

	default:
		return nil, fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

// runWebhook performs the HTTP call bounded by the configured timeout, so a
// slow endpoint cannot stall the originating record write.
func (r *actionRunner) runWebhook(ctx context.Context, action Action, ev Event) (any, error) {
	url := configString(action.Config, "url")
	if url == "" {
		return nil, fmt.Errorf("webhook action requires a url")
	}
	method := strings.ToUpper(configString(action.Config, "method"))
	if method == "" {
		method = http.MethodPost
	}
	body := renderTemplate(configString(action.Config, "body"), ev.Data)

	reqCtx, cancel := context.WithTimeout(ctx, r.webhookTimeout)
	defer cancel()

	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	if headers, ok := action.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if req.Header.Get("Content-Type") == "" && body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}
	out := map[string]any{"statusCode": resp.StatusCode, "body": string(respBody)}
	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return out, nil
}

func configString(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

// renderTemplate substitutes {{field}} placeholders with record values.
func renderTemplate(tpl string, data map[string]any) string {
	if tpl == "" || !strings.Contains(tpl, "{{") {
		return tpl
	}
	out := tpl
	for k, v := range data {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprintf("%v", v))
	}
	return out
}
