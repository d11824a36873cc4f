package main

import (
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/launchdarkly/eventsource"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/kleeedolinux/entrywatch/backend"
	"github.com/kleeedolinux/entrywatch/realtime/hub"
)

const (
	streamChannel = "events"
	flapEvery     = 20
)

// sseEvent adapts a frame to eventsource.Event.
type sseEvent struct {
	id   string
	data []byte
}

func (e sseEvent) Id() string    { return e.id }
func (e sseEvent) Event() string { return "" }
func (e sseEvent) Data() string  { return string(e.data) }

// devServer is an in-memory stand-in for the access-control backend.
type devServer struct {
	mu       sync.RWMutex
	users    map[string][]byte
	tokens   map[string]string
	people   []backend.Person
	cameras  []backend.Camera
	logs     []backend.VisitorLog
	settings backend.Settings
	faces    map[int]int

	hub    *hub.Hub
	stream *eventsource.Server
	logger zerolog.Logger
	rng    *rand.Rand
}

func newDevServer(logger zerolog.Logger) *devServer {
	s := &devServer{
		users:  make(map[string][]byte),
		tokens: make(map[string]string),
		faces:  make(map[int]int),
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		settings: backend.Settings{
			ID:                   1,
			SystemName:           "Entry Detection System",
			Institution:          "Example Institute",
			Timezone:             "UTC",
			DetectionThreshold:   0.5,
			RecognitionThreshold: 0.6,
			RealTimeAlerts:       true,
			UnknownAlerts:        true,
			SystemAlerts:         true,
			SessionTimeout:       30,
			LogRetention:         90,
		},
		cameras: []backend.Camera{
			{ID: 1, Name: "Main Entrance", Location: "Building A", URL: "rtsp://cam1/stream", Type: "ip", Resolution: "1080p", Status: "online"},
			{ID: 2, Name: "Side Entrance", Location: "Building B", URL: "rtsp://cam2/stream", Type: "ip", Resolution: "720p", Status: "online"},
		},
		people: []backend.Person{
			{ID: 1, Name: "Ada Lovelace", Email: "ada@example.edu", Role: "staff", Department: "Mathematics", Status: "active", CreatedAt: time.Now()},
			{ID: 2, Name: "Alan Turing", Email: "alan@example.edu", Role: "student", Department: "Computing", Status: "active", CreatedAt: time.Now()},
		},
	}

	s.hub = hub.New(
		hub.WithAuthenticator(hub.BearerAuth(s.validToken)),
		hub.WithLogger(logger.With().Str("component", "hub").Logger()),
	)
	s.stream = eventsource.NewServer()
	s.stream.AllowCORS = true
	return s
}

func (s *devServer) addUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.users[username] = hash
	s.mu.Unlock()
	return nil
}

func (s *devServer) validToken(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tokens[token]
	return ok
}

func (s *devServer) revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

func (s *devServer) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/token", s.handleToken).Methods(http.MethodPost)
	r.Handle("/token", s.requireToken(http.HandlerFunc(s.handleRevoke))).Methods(http.MethodDelete)
	r.Handle("/ws", s.hub)
	r.Handle("/events", s.requireToken(s.stream.Handler(streamChannel)))

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireToken)
	api.HandleFunc("/people", s.handlePeople).Methods(http.MethodGet)
	api.HandleFunc("/people", s.handleCreatePerson).Methods(http.MethodPost)
	api.HandleFunc("/people/{id:[0-9]+}/face", s.handleFace).Methods(http.MethodPost)
	api.HandleFunc("/visitor-logs", s.handleVisitorLogs).Methods(http.MethodGet)
	api.HandleFunc("/cameras", s.handleCameras).Methods(http.MethodGet)
	api.HandleFunc("/cameras", s.handleCreateCamera).Methods(http.MethodPost)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleUpdateSettings).Methods(http.MethodPut)
	api.HandleFunc("/process-frame", s.handleProcessFrame).Methods(http.MethodPost)
	return r
}

func (s *devServer) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || !s.validToken(token) {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *devServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil && err != http.ErrNotMultipart {
		writeError(w, http.StatusBadRequest, "Invalid form")
		return
	}
	username, password := r.FormValue("username"), r.FormValue("password")

	s.mu.RLock()
	hash, ok := s.users[username]
	s.mu.RUnlock()
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		s.logger.Info().Str("user", username).Msg("Login failed")
		writeError(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = username
	s.mu.Unlock()

	s.logger.Info().Str("user", username).Msg("Issued token")
	writeJSON(w, http.StatusOK, backend.AuthToken{AccessToken: token, TokenType: "bearer"})
}

// handleRevoke invalidates the caller's token. Open channels stay up until
// they reconnect.
func (s *devServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.revoke(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	w.WriteHeader(http.StatusNoContent)
}

func paging(r *http.Request) (skip, limit int) {
	skip, _ = strconv.Atoi(r.URL.Query().Get("skip"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = backend.DefaultLimit
	}
	if skip < 0 {
		skip = 0
	}
	return skip, limit
}

func page[T any](items []T, skip, limit int) []T {
	if skip >= len(items) {
		return []T{}
	}
	end := skip + limit
	if end > len(items) {
		end = len(items)
	}
	return append([]T{}, items[skip:end]...)
}

func (s *devServer) handlePeople(w http.ResponseWriter, r *http.Request) {
	skip, limit := paging(r)
	role := r.URL.Query().Get("role")

	s.mu.RLock()
	matched := make([]backend.Person, 0, len(s.people))
	for _, p := range s.people {
		if role == "" || p.Role == role {
			matched = append(matched, p)
		}
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, page(matched, skip, limit))
}

func (s *devServer) handleCreatePerson(w http.ResponseWriter, r *http.Request) {
	var in backend.NewPerson
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "Invalid person")
		return
	}

	s.mu.Lock()
	p := backend.Person{
		ID:         len(s.people) + 1,
		Name:       in.Name,
		Email:      in.Email,
		Role:       in.Role,
		Department: in.Department,
		Status:     orDefault(in.Status, "active"),
		CreatedAt:  time.Now(),
	}
	s.people = append(s.people, p)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, p)
}

func (s *devServer) handleFace(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file")
		return
	}
	defer file.Close()
	n, _ := io.Copy(io.Discard, file)

	s.mu.Lock()
	found := false
	for _, p := range s.people {
		if p.ID == id {
			found = true
			break
		}
	}
	if found {
		s.faces[id]++
	}
	count := s.faces[id]
	s.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "Person not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"person_id": id, "bytes": n, "samples": count})
}

func (s *devServer) handleVisitorLogs(w http.ResponseWriter, r *http.Request) {
	skip, limit := paging(r)
	status, date := r.URL.Query().Get("status"), r.URL.Query().Get("date")

	s.mu.RLock()
	matched := make([]backend.VisitorLog, 0, len(s.logs))
	for i := len(s.logs) - 1; i >= 0; i-- {
		l := s.logs[i]
		if (status == "" || l.Status == status) && (date == "" || l.Date == date) {
			matched = append(matched, l)
		}
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, page(matched, skip, limit))
}

func (s *devServer) handleCameras(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	out := append([]backend.Camera{}, s.cameras...)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *devServer) handleCreateCamera(w http.ResponseWriter, r *http.Request) {
	var in backend.NewCamera
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "Invalid camera")
		return
	}

	s.mu.Lock()
	cam := backend.Camera{
		ID:         len(s.cameras) + 1,
		Name:       in.Name,
		Location:   in.Location,
		URL:        in.URL,
		Type:       in.Type,
		Resolution: in.Resolution,
		Status:     orDefault(in.Status, "offline"),
	}
	s.cameras = append(s.cameras, cam)
	s.mu.Unlock()

	s.publish(map[string]any{"type": "camera_status", "camera_id": cam.ID, "name": cam.Name, "status": cam.Status})
	writeJSON(w, http.StatusOK, cam)
}

func (s *devServer) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := backend.Stats{PeakEntryTime: "N/A"}
	hours := map[int]int{}
	for _, l := range s.logs {
		stats.TotalEntries++
		if l.Status == "verified" {
			stats.VerifiedEntries++
		} else {
			stats.UnknownEntries++
		}
		hours[l.CreatedAt.Hour()]++
	}
	best := -1
	for h, n := range hours {
		if best < 0 || n > hours[best] || n == hours[best] && h < best {
			best = h
		}
	}
	if best >= 0 {
		stats.PeakEntryTime = time.Date(0, 1, 1, best, 0, 0, 0, time.UTC).Format("03:04 PM")
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *devServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	out := s.settings
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *devServer) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var u backend.SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid settings")
		return
	}

	s.mu.Lock()
	u.Apply(&s.settings)
	out := s.settings
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *devServer) handleProcessFrame(w http.ResponseWriter, r *http.Request) {
	var in struct {
		CameraID int    `json:"camera_id"`
		Frame    string `json:"frame"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.CameraID <= 0 || in.Frame == "" {
		writeError(w, http.StatusUnprocessableEntity, "camera_id and frame are required")
		return
	}

	frame := s.simulate(in.CameraID)
	writeJSON(w, http.StatusOK, frame)
}

// simulate invents detections for cameraID, records them as visitor logs
// and publishes the frame.
func (s *devServer) simulate(cameraID int) map[string]any {
	now := time.Now()

	s.mu.Lock()
	location := "Camera " + strconv.Itoa(cameraID)
	for _, c := range s.cameras {
		if c.ID == cameraID {
			location = c.Name
		}
	}

	n := 1 + s.rng.Intn(2)
	detections := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		verified := s.rng.Float64() < 0.7
		name := "Unknown"
		var personID *int
		if verified && len(s.people) > 0 {
			p := s.people[s.rng.Intn(len(s.people))]
			name = p.Name
			id := p.ID
			personID = &id
		}
		confidence := 55 + s.rng.Float64()*44
		detections = append(detections, map[string]any{
			"bbox": map[string]float64{
				"x":      s.rng.Float64() * 70,
				"y":      s.rng.Float64() * 50,
				"width":  10 + s.rng.Float64()*15,
				"height": 20 + s.rng.Float64()*20,
			},
			"name":       name,
			"confidence": confidence,
			"verified":   verified,
		})

		status := "unknown"
		if verified {
			status = "verified"
		}
		s.logs = append(s.logs, backend.VisitorLog{
			ID:         len(s.logs) + 1,
			PersonID:   personID,
			Name:       name,
			Time:       now.Format("15:04:05"),
			Date:       now.Format("2006-01-02"),
			Location:   location,
			Status:     status,
			Confidence: confidence,
			CameraID:   cameraID,
			CreatedAt:  now,
		})
	}
	s.mu.Unlock()

	frame := map[string]any{
		"type":       "detection",
		"camera_id":  cameraID,
		"location":   location,
		"detections": detections,
		"timestamp":  now.Format(time.RFC3339),
	}
	s.publish(frame)
	return frame
}

// publish fans a frame out to websocket peers and the SSE stream.
func (s *devServer) publish(frame map[string]any) {
	if _, err := s.hub.Broadcast(frame); err != nil {
		s.logger.Error().Err(err).Msg("Broadcast failed")
		return
	}
	if id, ok := frame["camera_id"].(int); ok {
		s.hub.BroadcastToRoom(hub.CameraRoom(id), map[string]any{"type": "watched", "frame": frame})
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.stream.Publish([]string{streamChannel}, sseEvent{id: uuid.NewString(), data: data})
}

// run simulates a detection on a random camera every interval until stop
// is closed.
func (s *devServer) run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if tick%flapEvery == 0 {
				s.flap()
			}
			if id, ok := s.pickOnline(); ok {
				s.simulate(id)
			}
		}
	}
}

func (s *devServer) pickOnline() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int
	for _, c := range s.cameras {
		if c.Status == "online" {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return 0, false
	}
	return ids[s.rng.Intn(len(ids))], true
}

// flap toggles the last camera between online and offline.
func (s *devServer) flap() {
	s.mu.Lock()
	if len(s.cameras) == 0 {
		s.mu.Unlock()
		return
	}
	cam := &s.cameras[len(s.cameras)-1]
	if cam.Status == "online" {
		cam.Status = "offline"
	} else {
		cam.Status = "online"
		now := time.Now()
		cam.LastActive = &now
	}
	frame := map[string]any{"type": "camera_status", "camera_id": cam.ID, "name": cam.Name, "status": cam.Status}
	s.mu.Unlock()

	s.logger.Info().Int("camera", frame["camera_id"].(int)).Str("status", frame["status"].(string)).Msg("Camera status changed")
	s.publish(frame)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
