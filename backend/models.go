package backend

import "time"

type Person struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Role       string    `json:"role"`
	Department string    `json:"department"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewPerson is the body of CreatePerson.
type NewPerson struct {
	Name       string `json:"name" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	Role       string `json:"role" validate:"required"`
	Department string `json:"department"`
	Status     string `json:"status" validate:"omitempty,oneof=active inactive"`
}

type Camera struct {
	ID         int        `json:"id"`
	Name       string     `json:"name"`
	Location   string     `json:"location"`
	URL        string     `json:"url"`
	Type       string     `json:"type"`
	Resolution string     `json:"resolution"`
	Status     string     `json:"status"`
	LastActive *time.Time `json:"last_active,omitempty"`
}

type NewCamera struct {
	Name       string `json:"name" validate:"required"`
	Location   string `json:"location" validate:"required"`
	URL        string `json:"url" validate:"required"`
	Type       string `json:"type" validate:"required"`
	Resolution string `json:"resolution"`
	Status     string `json:"status" validate:"omitempty,oneof=online offline"`
}

// VisitorLog is one recognition event. PersonID is nil for unknown
// visitors.
type VisitorLog struct {
	ID         int       `json:"id"`
	PersonID   *int      `json:"person_id,omitempty"`
	Name       string    `json:"name"`
	Time       string    `json:"time"`
	Date       string    `json:"date"`
	Location   string    `json:"location"`
	Status     string    `json:"status"`
	Confidence float64   `json:"confidence"`
	CameraID   int       `json:"camera_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type Stats struct {
	TotalEntries    int    `json:"total_entries"`
	VerifiedEntries int    `json:"verified_entries"`
	UnknownEntries  int    `json:"unknown_entries"`
	PeakEntryTime   string `json:"peak_entry_time"`
}

type Settings struct {
	ID                   int     `json:"id"`
	SystemName           string  `json:"system_name"`
	Institution          string  `json:"institution"`
	Timezone             string  `json:"timezone"`
	DetectionThreshold   float64 `json:"detection_threshold"`
	RecognitionThreshold float64 `json:"recognition_threshold"`
	SaveUnknownFaces     bool    `json:"save_unknown_faces"`
	RealTimeAlerts       bool    `json:"real_time_alerts"`
	EmailNotifications   bool    `json:"email_notifications"`
	EmailAddress         string  `json:"email_address"`
	UnknownAlerts        bool    `json:"unknown_alerts"`
	SystemAlerts         bool    `json:"system_alerts"`
	SessionTimeout       int     `json:"session_timeout"`
	TwoFactorAuth        bool    `json:"two_factor_auth"`
	AuditLogs            bool    `json:"audit_logs"`
	LogRetention         int     `json:"log_retention"`
}

// SettingsUpdate is a partial update: nil fields are left unchanged.
type SettingsUpdate struct {
	SystemName           *string  `json:"system_name,omitempty"`
	Institution          *string  `json:"institution,omitempty"`
	Timezone             *string  `json:"timezone,omitempty"`
	DetectionThreshold   *float64 `json:"detection_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	RecognitionThreshold *float64 `json:"recognition_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	SaveUnknownFaces     *bool    `json:"save_unknown_faces,omitempty"`
	RealTimeAlerts       *bool    `json:"real_time_alerts,omitempty"`
	EmailNotifications   *bool    `json:"email_notifications,omitempty"`
	EmailAddress         *string  `json:"email_address,omitempty" validate:"omitempty,email"`
	UnknownAlerts        *bool    `json:"unknown_alerts,omitempty"`
	SystemAlerts         *bool    `json:"system_alerts,omitempty"`
	SessionTimeout       *int     `json:"session_timeout,omitempty" validate:"omitempty,gt=0"`
	TwoFactorAuth        *bool    `json:"two_factor_auth,omitempty"`
	AuditLogs            *bool    `json:"audit_logs,omitempty"`
	LogRetention         *int     `json:"log_retention,omitempty" validate:"omitempty,gt=0"`
}

// Apply copies the set fields of u onto s.
func (u SettingsUpdate) Apply(s *Settings) {
	if u.SystemName != nil {
		s.SystemName = *u.SystemName
	}
	if u.Institution != nil {
		s.Institution = *u.Institution
	}
	if u.Timezone != nil {
		s.Timezone = *u.Timezone
	}
	if u.DetectionThreshold != nil {
		s.DetectionThreshold = *u.DetectionThreshold
	}
	if u.RecognitionThreshold != nil {
		s.RecognitionThreshold = *u.RecognitionThreshold
	}
	if u.SaveUnknownFaces != nil {
		s.SaveUnknownFaces = *u.SaveUnknownFaces
	}
	if u.RealTimeAlerts != nil {
		s.RealTimeAlerts = *u.RealTimeAlerts
	}
	if u.EmailNotifications != nil {
		s.EmailNotifications = *u.EmailNotifications
	}
	if u.EmailAddress != nil {
		s.EmailAddress = *u.EmailAddress
	}
	if u.UnknownAlerts != nil {
		s.UnknownAlerts = *u.UnknownAlerts
	}
	if u.SystemAlerts != nil {
		s.SystemAlerts = *u.SystemAlerts
	}
	if u.SessionTimeout != nil {
		s.SessionTimeout = *u.SessionTimeout
	}
	if u.TwoFactorAuth != nil {
		s.TwoFactorAuth = *u.TwoFactorAuth
	}
	if u.AuditLogs != nil {
		s.AuditLogs = *u.AuditLogs
	}
	if u.LogRetention != nil {
		s.LogRetention = *u.LogRetention
	}
}

type AuthToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type PeopleQuery struct {
	Skip  int    `validate:"gte=0"`
	Limit int    `validate:"gte=0,lte=1000"`
	Role  string
}

type VisitorLogQuery struct {
	Skip   int    `validate:"gte=0"`
	Limit  int    `validate:"gte=0,lte=1000"`
	Status string `validate:"omitempty,oneof=verified unknown"`
	// Date is YYYY-MM-DD.
	Date string `validate:"omitempty,datetime=2006-01-02"`
}

// FrameResult is the backend's free-form answer to ProcessFrame.
type FrameResult map[string]any
