// Package notification renders and delivers patient notifications over email
// or SMS, keeping an in-process record of each attempt so failures can be
// inspected and retried.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/labflow/internal/platform/auth"
)

// Channel is the delivery channel of a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ErrNotRetryable is returned by Retry for a notification that did not fail.
var ErrNotRetryable = errors.New("notification is not in failed status")

// TemplateLabResultReady tells a patient their lab results can be collected.
const TemplateLabResultReady = "lab-result-ready"

// Notification is a single outbound message.
type Notification struct {
	ID           string            `json:"id"`
	Channel      Channel           `json:"channel"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
	Clinic       string            `json:"clinic,omitempty"`
}

// EmailSender delivers email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender delivers text messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// LogSender writes messages to the structured log instead of a real gateway.
// It satisfies both EmailSender and SMSSender.
type LogSender struct {
	From   string
	Logger zerolog.Logger
}

func NewLogSender(from string, logger zerolog.Logger) *LogSender {
	return &LogSender{From: from, Logger: logger.With().Str("component", "notification").Logger()}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.Logger.Info().
		Str("channel", string(ChannelEmail)).
		Str("from", s.From).
		Str("to", to).
		Str("subject", subject).
		Int("body_len", len(body)).
		Msg("email sent")
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, to, body string) error {
	s.Logger.Info().
		Str("channel", string(ChannelSMS)).
		Str("to", to).
		Int("body_len", len(body)).
		Msg("sms sent")
	return nil
}

// Template is a reusable message with {{key}} placeholders.
type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	SMSBody string  `json:"sms_body,omitempty"`
	Channel Channel `json:"channel"`
}

// TemplateEngine holds templates and renders them.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.RegisterTemplate(Template{
		ID:      TemplateLabResultReady,
		Name:    "Lab Result Ready",
		Subject: "Your {{test_name}} results are ready",
		Body: "Dear {{patient_name}}, the results for {{test_name}} (order {{order_number}}) " +
			"are ready at {{clinic}}. You can view them in the patient portal or collect a copy at the front desk.",
		SMSBody: "{{clinic}}: your {{test_name}} results (order {{order_number}}) are ready.",
		Channel: ChannelEmail,
	})
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render fills a template for the given channel. Placeholders without data
// are left as-is. SMS uses SMSBody when the template has one.
func (e *TemplateEngine) Render(templateID string, ch Channel, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	if ch == ChannelSMS {
		subject = ""
		if t.SMSBody != "" {
			body = t.SMSBody
		}
	}
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// Manager sends notifications and keeps the outcome of each one.
type Manager struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine
	now       func() time.Time

	mu            sync.RWMutex
	notifications map[string]*Notification
}

func NewManager(email EmailSender, sms SMSSender, tpl *TemplateEngine) *Manager {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Manager{
		email:         email,
		sms:           sms,
		templates:     tpl,
		now:           func() time.Time { return time.Now().UTC() },
		notifications: make(map[string]*Notification),
	}
}

// Send delivers n and stores it with its outcome. The delivery error, if
// any, is returned after the notification is stored as failed.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = m.now()
	n.Status = StatusPending

	err := m.deliver(ctx, n)

	m.mu.Lock()
	m.notifications[n.ID] = n
	m.mu.Unlock()
	return err
}

// SendFromTemplate renders templateID for the channel and sends the result.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, ch Channel, recipient string, data map[string]string) (*Notification, error) {
	subject, body, err := m.templates.Render(templateID, ch, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	n := &Notification{
		Channel:      ch,
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
		Clinic:       data["clinic"],
	}
	return n, m.Send(ctx, n)
}

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	var err error
	switch n.Channel {
	case ChannelEmail:
		if m.email == nil {
			err = fmt.Errorf("no email sender configured")
			break
		}
		err = m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	case ChannelSMS:
		if m.sms == nil {
			err = fmt.Errorf("no sms sender configured")
			break
		}
		err = m.sms.SendSMS(ctx, n.Recipient, n.Body)
	default:
		err = fmt.Errorf("unsupported channel: %s", n.Channel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n.Attempts++
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		return err
	}
	sentAt := m.now()
	n.Status = StatusSent
	n.SentAt = &sentAt
	n.Error = ""
	return nil
}

// Get returns a stored notification.
func (m *Manager) Get(_ context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	cp := *n
	return &cp, nil
}

// ListByRecipient returns up to limit notifications for recipient, newest first.
func (m *Manager) ListByRecipient(_ context.Context, recipient string, limit int) []*Notification {
	m.mu.RLock()
	var out []*Notification
	for _, n := range m.notifications {
		if n.Recipient == recipient {
			cp := *n
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Retry re-sends a failed notification.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.RLock()
	n, ok := m.notifications[id]
	var status string
	if ok {
		status = n.Status
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("notification %q not found", id)
	}
	if status != StatusFailed {
		return fmt.Errorf("notification %q (%s): %w", id, status, ErrNotRetryable)
	}
	return m.deliver(ctx, n)
}

// Stats counts stored notifications by status.
func (m *Manager) Stats(_ context.Context) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]int)
	for _, n := range m.notifications {
		stats[n.Status]++
	}
	return stats
}

// Handler exposes the delivery log to administrators.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

// RegisterRoutes registers the notification routes on the api group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/notifications", auth.RequireRole(auth.RoleAdmin))
	g.GET("", h.List)
	g.GET("/stats", h.Stats)
	g.GET("/:id", h.Get)
	g.POST("/:id/retry", h.Retry)
}

func (h *Handler) Get(c echo.Context) error {
	n, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) List(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient query parameter is required")
	}
	list := h.manager.ListByRecipient(c.Request().Context(), recipient, 100)
	if list == nil {
		list = []*Notification{}
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) Retry(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.manager.Get(ctx, id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err := h.manager.Retry(ctx, id); err != nil {
		if errors.Is(err, ErrNotRetryable) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error()).SetInternal(err)
	}
	n, _ := h.manager.Get(ctx, id)
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats(c.Request().Context()))
}
