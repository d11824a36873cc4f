package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matryer/try"
	"github.com/rs/zerolog"

	"github.com/kleeedolinux/entrywatch/backend"
	"github.com/kleeedolinux/entrywatch/debug"
)

const (
	DefaultQueueSize  = 64
	DefaultRetries    = 3
	DefaultRetryDelay = 500 * time.Millisecond

	systemName = "Entry Detection System"
)

var ErrAlreadyRunning = errors.New("notify: dispatcher already running")

type Email struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers an email. Send may be retried.
type Sender interface {
	Send(ctx context.Context, e Email) error
}

// LogSender logs emails instead of delivering them.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) Send(_ context.Context, e Email) error {
	s.Logger.Info().Str("to", e.To).Str("subject", e.Subject).Msg("Would send email")
	debug.Printf("notify: email body: %s", e.Body)
	return nil
}

// SettingsSource is the part of the REST client the dispatcher needs.
type SettingsSource interface {
	Settings(ctx context.Context) (*backend.Settings, error)
}

type VisitorInfo struct {
	CameraID int
	Location string
	Name     string
	// Time and Date default to the moment of the call.
	Time string
	Date string
}

type job struct {
	email *Email
	entry *Notification
}

// Dispatcher queues notifications and delivers them on one worker
// goroutine. What it sends is gated by the backend settings.
type Dispatcher struct {
	mu       sync.RWMutex
	settings backend.Settings

	inbox      *Inbox
	sender     Sender
	queue      chan job
	retries    int
	retryDelay time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

type Option func(*Dispatcher)

func WithSender(s Sender) Option {
	return func(d *Dispatcher) {
		d.sender = s
	}
}

func WithRetries(n int, delay time.Duration) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.retries = n
		}
		d.retryDelay = delay
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan job, n)
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

func NewDispatcher(inbox *Inbox, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		inbox:      inbox,
		queue:      make(chan job, DefaultQueueSize),
		retries:    DefaultRetries,
		retryDelay: DefaultRetryDelay,
		now:        time.Now,
		logger:     debug.Component("notify"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.sender == nil {
		d.sender = LogSender{Logger: d.logger}
	}
	return d
}

// SetSettings replaces the settings that gate notifications.
func (d *Dispatcher) SetSettings(s backend.Settings) {
	d.mu.Lock()
	d.settings = s
	d.mu.Unlock()
}

func (d *Dispatcher) Settings() backend.Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// LoadSettings fetches settings from src. On failure the previous settings
// are kept.
func (d *Dispatcher) LoadSettings(ctx context.Context, src SettingsSource) error {
	s, err := src.Settings(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to load settings")
		return err
	}
	d.SetSettings(*s)
	d.logger.Info().Msg("Loaded settings from backend")
	return nil
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.cancel != nil {
		d.logger.Warn().Msg("Dispatcher is already running")
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.stopped = make(chan struct{})

	go d.run(ctx, d.stopped)
	d.logger.Info().Msg("Dispatcher started")
	return nil
}

// Stop halts the worker and waits for it to exit. Queued jobs stay queued
// for the next Start.
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	cancel, stopped := d.cancel, d.stopped
	d.cancel, d.stopped = nil, nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	d.logger.Info().Msg("Dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.deliver(ctx, j)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	if j.entry != nil {
		d.inbox.Add(j.entry.Kind, j.entry.Title, j.entry.Message)
		d.logger.Info().Str("title", j.entry.Title).Msg("System notification")
	}
	if j.email != nil {
		d.sendEmail(ctx, *j.email)
	}
}

func (d *Dispatcher) sendEmail(ctx context.Context, e Email) {
	s := d.Settings()
	if !s.EmailNotifications {
		d.logger.Debug().Msg("Email notifications are disabled")
		return
	}
	if s.EmailAddress == "" {
		d.logger.Error().Msg("No email recipient configured")
		return
	}
	e.To = s.EmailAddress

	err := try.Do(func(attempt int) (bool, error) {
		err := d.sender.Send(ctx, e)
		if err != nil && attempt < d.retries && ctx.Err() == nil {
			d.logger.Warn().Err(err).Int("attempt", attempt).Msg("Email failed, retrying")
			select {
			case <-ctx.Done():
			case <-time.After(d.retryDelay * time.Duration(attempt)):
			}
		}
		return attempt < d.retries && ctx.Err() == nil, err
	})
	if err != nil {
		d.logger.Error().Err(err).Str("to", e.To).Str("subject", e.Subject).Msg("Giving up on email")
	}
}

func (d *Dispatcher) enqueue(j job) bool {
	select {
	case d.queue <- j:
		return true
	default:
		d.logger.Warn().Msg("Notification queue full, dropping")
		return false
	}
}

// NotifyUnknownVisitor queues an email and an inbox alert. It does nothing
// unless unknown-visitor alerts are enabled, and reports whether it queued.
func (d *Dispatcher) NotifyUnknownVisitor(v VisitorInfo) bool {
	if !d.Settings().UnknownAlerts {
		return false
	}

	now := d.now()
	location := v.Location
	if location == "" {
		location = "Unknown location"
	}
	at, date := v.Time, v.Date
	if at == "" {
		at = now.Format("15:04:05")
	}
	if date == "" {
		date = now.Format("2006-01-02")
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Unknown visitor detected at %s\n", location)
	fmt.Fprintf(&body, "Time: %s\nDate: %s\n\n", at, date)
	fmt.Fprintf(&body, "Please check the %s for more details.\n", systemName)

	return d.enqueue(job{
		email: &Email{
			Subject: "Unknown Visitor Detected - " + location,
			Body:    body.String(),
		},
		entry: &Notification{
			Kind:    KindAlert,
			Title:   "Unknown visitor",
			Message: fmt.Sprintf("Unknown visitor detected at %s (%s)", location, at),
		},
	})
}

// NotifySystemIssue is gated on system alerts.
func (d *Dispatcher) NotifySystemIssue(kind, details string) bool {
	if !d.Settings().SystemAlerts {
		return false
	}

	now := d.now()
	var body strings.Builder
	fmt.Fprintf(&body, "System issue detected: %s\n\n", kind)
	fmt.Fprintf(&body, "Details: %s\n\n", details)
	fmt.Fprintf(&body, "Time: %s\nDate: %s\n\n", now.Format("15:04:05"), now.Format("2006-01-02"))
	fmt.Fprintf(&body, "Please check the %s for more details.\n", systemName)

	return d.enqueue(job{
		email: &Email{
			Subject: "System Alert - " + kind,
			Body:    body.String(),
		},
		entry: &Notification{
			Kind:    KindWarning,
			Title:   "System issue: " + kind,
			Message: details,
		},
	})
}
