package notify

import (
	"fmt"
	"strconv"

	"github.com/kleeedolinux/entrywatch/realtime"
)

// Frame types consumed by Bind.
const (
	EventDetection    = "detection"
	EventCameraStatus = "camera_status"
	EventAlert        = "alert"
	EventNotification = "notification"
)

type detectionFrame struct {
	CameraID   int    `json:"camera_id"`
	Location   string `json:"location"`
	Detections []struct {
		Name     string `json:"name"`
		Verified bool   `json:"verified"`
	} `json:"detections"`
}

type cameraStatusFrame struct {
	CameraID int    `json:"camera_id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

type messageFrame struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`
}

// Bind routes channel frames into d and inbox. The returned func removes
// every subscription Bind made.
func Bind(reg *realtime.Registry, d *Dispatcher, inbox *Inbox) (func(), error) {
	var subs []*realtime.Subscription
	unbind := func() {
		for _, s := range subs {
			s.Cancel()
		}
	}

	handlers := map[string]realtime.Handler{
		EventDetection: func(f realtime.Frame) {
			var df detectionFrame
			if err := f.Decode(&df); err != nil {
				d.logger.Debug().Err(err).Msg("Ignoring undecodable detection frame")
				return
			}
			for _, det := range df.Detections {
				if det.Verified {
					continue
				}
				location := df.Location
				if location == "" && df.CameraID > 0 {
					location = fmt.Sprintf("Camera %d", df.CameraID)
				}
				d.NotifyUnknownVisitor(VisitorInfo{CameraID: df.CameraID, Location: location, Name: det.Name})
				// One alert per frame is enough.
				return
			}
		},
		EventCameraStatus: func(f realtime.Frame) {
			var cs cameraStatusFrame
			if err := f.Decode(&cs); err != nil || cs.Status != "offline" {
				return
			}
			name := cs.Name
			if name == "" {
				name = strconv.Itoa(cs.CameraID)
			}
			d.NotifySystemIssue("Camera Offline", fmt.Sprintf("Camera '%s' is offline", name))
		},
		EventAlert: func(f realtime.Frame) {
			var m messageFrame
			if err := f.Decode(&m); err != nil {
				return
			}
			inbox.Add(KindAlert, orDefault(m.Title, "Alert"), m.Message)
		},
		EventNotification: func(f realtime.Frame) {
			var m messageFrame
			if err := f.Decode(&m); err != nil {
				return
			}
			inbox.Add(ParseKind(m.Level), orDefault(m.Title, "Notification"), m.Message)
		},
	}

	for _, eventType := range []string{EventDetection, EventCameraStatus, EventAlert, EventNotification} {
		sub, err := reg.Subscribe(eventType, handlers[eventType])
		if err != nil {
			unbind()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return unbind, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
