// Package liveview keeps the latest detections reported for each camera.
package liveview

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kleeedolinux/entrywatch/debug"
	"github.com/kleeedolinux/entrywatch/realtime"
)

const EventDetection = "detection"

// BBox is expressed in percent of the frame.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Detection struct {
	BBox       BBox    `json:"bbox"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Verified   bool    `json:"verified"`
}

type detectionFrame struct {
	CameraID   int          `json:"camera_id"`
	Detections *[]Detection `json:"detections"`
}

// Board holds one detection list per camera. Each frame replaces the
// camera's previous list.
type Board struct {
	mu         sync.RWMutex
	detections map[int][]Detection
	sub        *realtime.Subscription
	onUpdate   func(cameraID int, detections []Detection)
	logger     zerolog.Logger
}

type Option func(*Board)

// WithUpdateHook is called after a camera's list changes.
func WithUpdateHook(fn func(cameraID int, detections []Detection)) Option {
	return func(b *Board) {
		b.onUpdate = fn
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Board) {
		b.logger = l
	}
}

func NewBoard(opts ...Option) *Board {
	b := &Board{
		detections: make(map[int][]Detection),
		logger:     debug.Component("liveview"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach subscribes the board to detection frames on reg. Attaching again
// moves the subscription.
func (b *Board) Attach(reg *realtime.Registry) error {
	sub, err := reg.Subscribe(EventDetection, b.handle)
	if err != nil {
		return err
	}

	b.mu.Lock()
	old := b.sub
	b.sub = sub
	b.mu.Unlock()

	old.Cancel()
	return nil
}

func (b *Board) Detach() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	sub.Cancel()
}

func (b *Board) handle(f realtime.Frame) {
	var df detectionFrame
	if err := f.Decode(&df); err != nil {
		b.logger.Debug().Err(err).Msg("Ignoring undecodable detection frame")
		return
	}
	if df.CameraID == 0 || df.Detections == nil {
		return
	}

	list := append([]Detection(nil), (*df.Detections)...)

	b.mu.Lock()
	b.detections[df.CameraID] = list
	hook := b.onUpdate
	b.mu.Unlock()

	debug.Printf("liveview: camera %d now has %d detections", df.CameraID, len(list))
	if hook != nil {
		hook(df.CameraID, append([]Detection(nil), list...))
	}
}

// Detections returns a copy of the latest list for cameraID.
func (b *Board) Detections(cameraID int) []Detection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Detection(nil), b.detections[cameraID]...)
}

func (b *Board) Counts(cameraID int) (verified, unknown int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, d := range b.detections[cameraID] {
		if d.Verified {
			verified++
		} else {
			unknown++
		}
	}
	return verified, unknown
}

// Cameras lists the cameras that have reported, in ascending order.
func (b *Board) Cameras() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]int, 0, len(b.detections))
	for id := range b.detections {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
