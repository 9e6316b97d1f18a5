// Package notification provides SMS/email messaging for patient-facing events
// (appointment reminders, payment receipts, prescription pickup) with template
// rendering, pluggable storage and Echo HTTP handlers.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type is the channel used to deliver a notification.
type Type string

const (
	TypeSMS   Type = "sms"
	TypeEmail Type = "email"
)

// Notification is a single outbound message to a patient.
type Notification struct {
	ID           string            `json:"id"`
	Type         Type              `json:"type"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// SMSSender sends SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// EmailSender sends email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Store persists notifications.
type Store interface {
	Save(ctx context.Context, n *Notification) error
	UpdateStatus(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	ListByRecipient(ctx context.Context, recipient string, limit int) ([]*Notification, error)
	Stats(ctx context.Context) (map[string]int, error)
}

// ErrNotFound is returned by Store implementations when a notification does
// not exist.
var ErrNotFound = errors.New("notification not found")

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Type    Type   `json:"type"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in clinic
// templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:   "appointment-reminder",
			Name: "Appointment Reminder",
			Body: "Dear {{patient_name}}, this is a reminder of your appointment on {{date}} at {{time}} in {{department}}.",
			Type: TypeSMS,
		},
		{
			ID:   "appointment-booked",
			Name: "Appointment Booked",
			Body: "Dear {{patient_name}}, your appointment has been booked for {{date}} at {{time}} in {{department}}.",
			Type: TypeSMS,
		},
		{
			ID:   "payment-receipt",
			Name: "Payment Receipt",
			Body: "Dear {{patient_name}}, we received your payment of {{amount}} GNF. Receipt number: {{receipt_number}}. Thank you.",
			Type: TypeSMS,
		},
		{
			ID:   "prescription-ready",
			Name: "Prescription Ready",
			Body: "Dear {{patient_name}}, your prescription is ready for pickup at the pharmacy.",
			Type: TypeSMS,
		},
		{
			ID:      "visit-summary",
			Name:    "Visit Summary",
			Subject: "Visit Summary for {{patient_name}}",
			Body:    "Dear {{patient_name}}, here is a summary of your visit on {{visit_date}}: {{summary}}",
			Type:    TypeEmail,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

func (e *TemplateEngine) templateType(templateID string) Type {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.templates[templateID]; ok {
		return t.Type
	}
	return TypeSMS
}

// Manager orchestrates sending, storage, and retrieval of notifications.
type Manager struct {
	smsSender   SMSSender
	emailSender EmailSender
	templates   *TemplateEngine
	store       Store
	logger      zerolog.Logger
}

// NewManager constructs a Manager. Pass NewMemoryStore() for tests or a
// PGStore for durable delivery history.
func NewManager(sms SMSSender, email EmailSender, tpl *TemplateEngine, store Store, logger zerolog.Logger) *Manager {
	return &Manager{
		smsSender:   sms,
		emailSender: email,
		templates:   tpl,
		store:       store,
		logger:      logger,
	}
}

// Send dispatches a notification through the appropriate channel, assigns an
// ID and timestamps, and persists the result.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now().UTC()
	n.Status = "pending"

	sendErr := m.dispatch(ctx, n)
	if sendErr != nil {
		n.Status = "failed"
		n.Error = sendErr.Error()
	} else {
		n.Status = "sent"
		sentAt := time.Now().UTC()
		n.SentAt = &sentAt
	}

	if err := m.store.Save(ctx, n); err != nil {
		m.logger.Error().Err(err).Str("notification_id", n.ID).Msg("failed to persist notification")
	}

	return sendErr
}

func (m *Manager) dispatch(ctx context.Context, n *Notification) error {
	switch n.Type {
	case TypeSMS:
		return m.smsSender.SendSMS(ctx, n.Recipient, n.Body)
	case TypeEmail:
		return m.emailSender.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	default:
		return fmt.Errorf("unsupported notification type: %s", n.Type)
	}
}

// SendFromTemplate renders a template and sends the resulting notification.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	n := &Notification{
		Type:         m.templates.templateType(templateID),
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
	}

	if err := m.Send(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// SendFromTemplateAsync sends in a background goroutine so callers on the
// request path are never blocked by a slow SMS gateway. Failures are logged,
// not returned.
func (m *Manager) SendFromTemplateAsync(templateID string, data map[string]string, recipient string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := m.SendFromTemplate(ctx, templateID, data, recipient); err != nil {
			m.logger.Warn().Err(err).
				Str("template_id", templateID).
				Str("recipient", recipient).
				Msg("background notification failed")
		}
	}()
}

// Get retrieves a notification by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Notification, error) {
	return m.store.Get(ctx, id)
}

// ListByRecipient returns notifications for a given recipient, up to limit.
func (m *Manager) ListByRecipient(ctx context.Context, recipient string, limit int) ([]*Notification, error) {
	return m.store.ListByRecipient(ctx, recipient, limit)
}

// Retry re-sends a failed notification. Returns an error if the notification
// is not in "failed" status.
func (m *Manager) Retry(ctx context.Context, id string) error {
	n, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != "failed" {
		return fmt.Errorf("notification %q is not in failed status (current: %s)", id, n.Status)
	}

	sendErr := m.dispatch(ctx, n)
	if sendErr != nil {
		n.Status = "failed"
		n.Error = sendErr.Error()
	} else {
		n.Status = "sent"
		sentAt := time.Now().UTC()
		n.SentAt = &sentAt
		n.Error = ""
	}

	if err := m.store.UpdateStatus(ctx, n); err != nil {
		m.logger.Error().Err(err).Str("notification_id", n.ID).Msg("failed to update notification status")
	}

	return sendErr
}

// Stats returns counts of notifications grouped by status.
func (m *Manager) Stats(ctx context.Context) (map[string]int, error) {
	return m.store.Stats(ctx)
}

// MemoryStore is an in-memory Store used in development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	notifications map[string]*Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notifications: make(map[string]*Notification)}
}

func (s *MemoryStore) Save(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = n
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, n *Notification) error {
	return s.Save(ctx, n)
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, nil
}

func (s *MemoryStore) ListByRecipient(_ context.Context, recipient string, limit int) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Notification
	for _, n := range s.notifications {
		if n.Recipient == recipient {
			result = append(result, n)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (s *MemoryStore) Stats(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int)
	for _, n := range s.notifications {
		stats[n.Status]++
	}
	return stats, nil
}
