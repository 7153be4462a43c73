// Package remotetest provides an in-process fake of a hosted Gradio
// repository for tests.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaAPI is the preset lookup operation the fake declares.
	SchemaAPI = "/get_presets"
	// AudioPath is the server-side path of the produced audio file.
	AudioPath = "/tmp/gradio/job/audio.wav"

	heartbeatEvery = 20 * time.Millisecond
)

// JoinRequest is the decoded body of a queue join.
type JoinRequest struct {
	Data        []any  `json:"data"`
	FnIndex     int    `json:"fn_index"`
	TriggerID   int    `json:"trigger_id"`
	SessionHash string `json:"session_hash"`
}

// Behavior controls how the fake answers. Zero values give a healthy
// repository that serves Audio for any valid voice and preset.
type Behavior struct {
	QueueSize int
	// Voices is both the advertised enumeration and the accepted presets.
	Voices map[string][]string
	// NoEnumeration hides the voice enum from the metadata.
	NoEnumeration bool
	// BareChoices returns presets as plain labels instead of pairs.
	BareChoices bool
	// FailVoices answers the preset lookup of these voices with an error event.
	FailVoices []string
	// StallVoices answers the preset lookup of these voices with heartbeats only.
	StallVoices []string
	// MalformedVoices answers the preset lookup of these voices without a choices list.
	MalformedVoices []string
	Audio       []byte
	// BarePath returns the output as a plain path instead of a file object.
	BarePath bool
	// JoinDelay stalls the join response.
	JoinDelay time.Duration
	// NeverStart keeps jobs queued, sending only heartbeats.
	NeverStart bool
	// FailJob completes every job unsuccessfully with this message.
	FailJob string
	// Token, when set, is required on every request.
	Token string
}

type pendingJob struct {
	eventID string
	voice   string
	preset  string
}

// Server is a fake repository. Its behavior may be changed between requests.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	behavior Behavior
	jobs     map[string]pendingJob
	lookups  map[string]string
	joins    []JoinRequest
	status   int
	download int
}

// NewServer starts a fake repository.
func NewServer(behavior Behavior) *Server {
	fake := &Server{
		behavior: behavior,
		jobs:     make(map[string]pendingJob),
		lookups:  make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /gradio_api/queue/status", fake.handleStatus)
	mux.HandleFunc("GET /gradio_api/info", fake.handleInfo)
	mux.HandleFunc("POST /gradio_api/call/{name}", fake.handleCall)
	mux.HandleFunc("GET /gradio_api/call/{name}/{id}", fake.handleCallStream)
	mux.HandleFunc("POST /gradio_api/queue/join", fake.handleJoin)
	mux.HandleFunc("GET /gradio_api/queue/data", fake.handleData)
	mux.HandleFunc("GET /", fake.handleFile)

	fake.Server = httptest.NewServer(fake.authorize(mux))

	return fake
}

// SetBehavior replaces the behavior for subsequent requests.
func (s *Server) SetBehavior(behavior Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.behavior = behavior
}

// Joins returns every job submitted so far.
func (s *Server) Joins() []JoinRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.joins)
}

// StatusCalls counts queue status probes.
func (s *Server) StatusCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// Downloads counts audio downloads.
func (s *Server) Downloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.download
}

func (s *Server) current() Behavior {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.behavior
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.current().Token
		if token != "" {
			cookie, err := r.Cookie("studio_token")
			if r.Header.Get("Authorization") != "Bearer "+token || err != nil || cookie.Value != token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)

				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.status++
	size := s.behavior.QueueSize
	s.mu.Unlock()

	writeJSON(w, map[string]any{"queue_size": size, "queue_eta": 0})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	behavior := s.current()

	voices := make([]string, 0, len(behavior.Voices))
	for voice := range behavior.Voices {
		voices = append(voices, voice)
	}

	slices.Sort(voices)

	parameterType := map[string]any{"type": "string"}
	if !behavior.NoEnumeration {
		parameterType["enum"] = voices
	}

	writeJSON(w, map[string]any{
		"named_endpoints": map[string]any{
			SchemaAPI: map[string]any{
				"parameters": []any{
					map[string]any{"label": "text", "type": map[string]any{"type": "string"}},
					map[string]any{"parameter_name": "character", "type": parameterType},
				},
			},
		},
		"unnamed_endpoints": map[string]any{},
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data []string `json:"data"`
	}

	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil || len(body.Data) != 1 {
		http.Error(w, "bad request", http.StatusUnprocessableEntity)

		return
	}

	eventID := uuid.NewString()

	s.mu.Lock()
	s.lookups[eventID] = body.Data[0]
	s.mu.Unlock()

	writeJSON(w, map[string]string{"event_id": eventID})
}

func (s *Server) handleCallStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	voice, found := s.lookups[r.PathValue("id")]
	behavior := s.behavior
	s.mu.Unlock()

	if !found {
		http.NotFound(w, r)

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")

	if slices.Contains(behavior.FailVoices, voice) {
		fmt.Fprint(w, "event: error\ndata: null\n\n")

		return
	}

	if slices.Contains(behavior.StallVoices, voice) {
		stallWithHeartbeats(w, r)

		return
	}

	if slices.Contains(behavior.MalformedVoices, voice) {
		fmt.Fprint(w, "event: complete\ndata: [{\"choices\": \"普通\"}]\n\n")

		return
	}

	choices := make([]any, 0, len(behavior.Voices[voice]))

	for _, preset := range behavior.Voices[voice] {
		if behavior.BareChoices {
			choices = append(choices, preset)
		} else {
			choices = append(choices, []string{preset, preset})
		}
	}

	payload, _ := json.Marshal([]any{map[string]any{"choices": choices, "__type__": "update"}})

	fmt.Fprint(w, "event: heartbeat\ndata: null\n\n")
	fmt.Fprintf(w, "event: complete\ndata: %s\n\n", payload)
}

func stallWithHeartbeats(w http.ResponseWriter, r *http.Request) {
	flusher, _ := w.(http.Flusher)

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, "event: heartbeat\ndata: null\n\n")

			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var request JoinRequest

	err := json.NewDecoder(r.Body).Decode(&request)
	if err != nil || len(request.Data) < 3 {
		http.Error(w, "bad request", http.StatusUnprocessableEntity)

		return
	}

	behavior := s.current()

	if behavior.JoinDelay > 0 {
		select {
		case <-time.After(behavior.JoinDelay):
		case <-r.Context().Done():
			return
		}
	}

	voice, _ := request.Data[1].(string)
	preset, _ := request.Data[2].(string)
	eventID := uuid.NewString()

	s.mu.Lock()
	s.joins = append(s.joins, request)
	s.jobs[request.SessionHash] = pendingJob{eventID: eventID, voice: voice, preset: preset}
	s.mu.Unlock()

	writeJSON(w, map[string]string{"event_id": eventID})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	pending, found := s.jobs[r.URL.Query().Get("session_hash")]
	behavior := s.behavior
	s.mu.Unlock()

	if !found {
		http.NotFound(w, r)

		return
	}

	flusher, _ := w.(http.Flusher)
	send := func(message map[string]any) {
		payload, _ := json.Marshal(message)
		fmt.Fprintf(w, "data: %s\n\n", payload)

		if flusher != nil {
			flusher.Flush()
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	send(map[string]any{"msg": "estimation", "event_id": pending.eventID, "rank": 0, "queue_size": 1})

	if behavior.NeverStart {
		ticker := time.NewTicker(heartbeatEvery)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				send(map[string]any{"msg": "heartbeat"})
			}
		}
	}

	send(map[string]any{"msg": "process_starts", "event_id": pending.eventID})
	send(map[string]any{"msg": "process_completed", "event_id": "someone-else", "success": false,
		"output": map[string]any{"error": "not ours"}})

	if failure := s.jobFailure(behavior, pending); failure != "" {
		send(map[string]any{"msg": "process_completed", "event_id": pending.eventID, "success": false,
			"output": map[string]any{"error": failure}})

		return
	}

	var fileRef any = map[string]any{
		"path":      AudioPath,
		"url":       s.URL + "/gradio_api/file=" + AudioPath,
		"orig_name": "audio.wav",
		"meta":      map[string]string{"_type": "gradio.FileData"},
	}

	if behavior.BarePath {
		fileRef = AudioPath
	}

	send(map[string]any{"msg": "process_generating", "event_id": pending.eventID})
	send(map[string]any{"msg": "process_completed", "event_id": pending.eventID, "success": true,
		"output": map[string]any{"data": []any{fileRef}}})
	send(map[string]any{"msg": "close_stream"})
}

func (s *Server) jobFailure(behavior Behavior, pending pendingJob) string {
	if behavior.FailJob != "" {
		return behavior.FailJob
	}

	presets, known := behavior.Voices[pending.voice]
	if known && !slices.Contains(presets, pending.preset) {
		return fmt.Sprintf("Value: %s is not in the list of choices: %v", pending.preset, presets)
	}

	return ""
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/gradio_api/file=") {
		http.NotFound(w, r)

		return
	}

	s.mu.Lock()
	s.download++
	audio := s.behavior.Audio
	s.mu.Unlock()

	w.Header().Set("Content-Type", "audio/wav")
	_, _ = w.Write(audio)
}
