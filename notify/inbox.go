// Package notify turns channel events into operator notifications.
package notify

import (
	"sort"
	"sync"
	"time"
)

type Kind string

const (
	KindAlert   Kind = "alert"
	KindInfo    Kind = "info"
	KindWarning Kind = "warning"
)

// ParseKind maps s to a Kind, falling back to KindInfo.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindAlert, KindInfo, KindWarning:
		return k
	default:
		return KindInfo
	}
}

type Notification struct {
	ID        int       `json:"id"`
	Kind      Kind      `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

type Filter int

const (
	FilterAll Filter = iota
	FilterUnread
	FilterAlerts
)

func (f Filter) match(n Notification) bool {
	switch f {
	case FilterUnread:
		return !n.Read
	case FilterAlerts:
		return n.Kind == KindAlert
	default:
		return true
	}
}

// Inbox is an in-memory notification list.
type Inbox struct {
	mu     sync.RWMutex
	items  []Notification
	nextID int
	now    func() time.Time
}

func NewInbox() *Inbox {
	return &Inbox{nextID: 1, now: time.Now}
}

func (in *Inbox) Add(kind Kind, title, message string) Notification {
	in.mu.Lock()
	defer in.mu.Unlock()

	n := Notification{
		ID:        in.nextID,
		Kind:      kind,
		Title:     title,
		Message:   message,
		CreatedAt: in.now(),
	}
	in.nextID++
	in.items = append(in.items, n)
	return n
}

// List returns the notifications matching f, newest first.
func (in *Inbox) List(f Filter) []Notification {
	in.mu.RLock()
	defer in.mu.RUnlock()

	out := make([]Notification, 0, len(in.items))
	for _, n := range in.items {
		if f.match(n) {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// MarkRead reports whether id exists.
func (in *Inbox) MarkRead(id int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	for i := range in.items {
		if in.items[i].ID == id {
			in.items[i].Read = true
			return true
		}
	}
	return false
}

func (in *Inbox) MarkAllRead() {
	in.mu.Lock()
	defer in.mu.Unlock()

	for i := range in.items {
		in.items[i].Read = true
	}
}

func (in *Inbox) Delete(id int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	for i, n := range in.items {
		if n.ID == id {
			in.items = append(in.items[:i], in.items[i+1:]...)
			return true
		}
	}
	return false
}

func (in *Inbox) UnreadCount() int {
	in.mu.RLock()
	defer in.mu.RUnlock()

	count := 0
	for _, n := range in.items {
		if !n.Read {
			count++
		}
	}
	return count
}
