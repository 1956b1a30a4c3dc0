package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gelotto/zimage-studio/internal/models"
)

// MockAPIServer is a configurable mock generation backend for testing
type MockAPIServer struct {
	*httptest.Server
	mu sync.Mutex

	// Request tracking
	StreamCalls       int32
	ImagesCalls       int32
	HistoryCalls      int32
	ClearHistoryCalls int32
	SettingsCalls     int32
	ModelPathCalls    int32
	GPUInfoCalls      int32

	// Last request data
	LastRequest       *models.GenerationRequest
	LastRawRequest    map[string]interface{}
	LastImagesSession string
	LastModelPath     *models.ModelPathRequest
	LastAuthHeader    string

	// Stream behaviour. StreamBody is written in pieces of StreamChunkSize
	// bytes (0 means all at once), flushing and sleeping StreamDelay between them.
	StreamBody      string
	StreamChunkSize int
	StreamDelay     time.Duration
	// StreamHang keeps the response open after the body until the client leaves
	StreamHang bool

	// Configurable responses
	Images   map[string][]models.GeneratedImage
	History  []models.HistoryItem
	Settings models.BackendSettings
	GPUInfo  models.GPUInfo

	// Failure injection
	StreamError       *HTTPError
	ImagesError       *HTTPError
	HistoryError      *HTTPError
	ClearHistoryError *HTTPError
	SettingsError     *HTTPError
	HealthError       *HTTPError

	// Custom handlers
	CustomStreamHandler func(w http.ResponseWriter, r *http.Request)
	CustomImagesHandler func(w http.ResponseWriter, r *http.Request)
}

// HTTPError represents an HTTP error response
type HTTPError struct {
	StatusCode int
	Message    string
}

// NewMockAPIServer creates a new mock API server
func NewMockAPIServer() *MockAPIServer {
	mock := &MockAPIServer{
		Images: make(map[string][]models.GeneratedImage),
		Settings: models.BackendSettings{
			ModelID: "Tongyi-MAI/Z-Image-Turbo",
		},
		GPUInfo: models.GPUInfo{
			Available:   true,
			DeviceName:  "Mock GPU",
			DeviceCount: 1,
		},
	}

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.handleRequest(w, r)
	}))

	return mock
}

func (m *MockAPIServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	m.mu.Lock()
	m.LastAuthHeader = r.Header.Get("Authorization")
	m.mu.Unlock()

	switch {
	case path == "/generate/stream" && r.Method == http.MethodPost:
		m.handleStream(w, r)
	case strings.HasPrefix(path, "/get_images/") && r.Method == http.MethodGet:
		m.handleImages(w, r, strings.TrimPrefix(path, "/get_images/"))
	case path == "/history" && r.Method == http.MethodGet:
		m.handleHistory(w, r)
	case path == "/history" && r.Method == http.MethodDelete:
		m.handleClearHistory(w, r)
	case path == "/settings" && r.Method == http.MethodGet:
		m.handleSettings(w, r)
	case path == "/settings/model-path" && r.Method == http.MethodPost:
		m.handleModelPath(w, r)
	case path == "/gpu-info":
		atomic.AddInt32(&m.GPUInfoCalls, 1)
		writeJSON(w, m.GPUInfo)
	case path == "/health":
		m.mu.Lock()
		healthErr := m.HealthError
		m.mu.Unlock()
		if healthErr != nil {
			http.Error(w, healthErr.Message, healthErr.StatusCode)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (m *MockAPIServer) handleStream(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&m.StreamCalls, 1)

	body, _ := io.ReadAll(r.Body)
	var req models.GenerationRequest
	var raw map[string]interface{}
	_ = json.Unmarshal(body, &req)
	_ = json.Unmarshal(body, &raw)

	m.mu.Lock()
	m.LastRequest = &req
	m.LastRawRequest = raw
	streamBody := m.StreamBody
	chunkSize := m.StreamChunkSize
	delay := m.StreamDelay
	hang := m.StreamHang
	m.mu.Unlock()

	if m.CustomStreamHandler != nil {
		m.CustomStreamHandler(w, r)
		return
	}

	if m.StreamError != nil {
		http.Error(w, m.StreamError.Message, m.StreamError.StatusCode)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	data := []byte(streamBody)
	if chunkSize <= 0 {
		chunkSize = len(data)
	}
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		if _, err := w.Write(data[:n]); err != nil {
			return
		}
		flush()
		data = data[n:]

		if delay > 0 && len(data) > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
	}

	if hang {
		<-r.Context().Done()
	}
}

func (m *MockAPIServer) handleImages(w http.ResponseWriter, r *http.Request, sessionID string) {
	atomic.AddInt32(&m.ImagesCalls, 1)

	m.mu.Lock()
	m.LastImagesSession = sessionID
	images, ok := m.Images[sessionID]
	m.mu.Unlock()

	if m.CustomImagesHandler != nil {
		m.CustomImagesHandler(w, r)
		return
	}

	if m.ImagesError != nil {
		http.Error(w, m.ImagesError.Message, m.ImagesError.StatusCode)
		return
	}

	if !ok {
		http.Error(w, `{"detail":"Session not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, models.ImagesResponse{Images: images})
}

func (m *MockAPIServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&m.HistoryCalls, 1)

	if m.HistoryError != nil {
		http.Error(w, m.HistoryError.Message, m.HistoryError.StatusCode)
		return
	}

	m.mu.Lock()
	items := append([]models.HistoryItem{}, m.History...)
	m.mu.Unlock()

	writeJSON(w, items)
}

func (m *MockAPIServer) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&m.ClearHistoryCalls, 1)

	if m.ClearHistoryError != nil {
		http.Error(w, m.ClearHistoryError.Message, m.ClearHistoryError.StatusCode)
		return
	}

	m.mu.Lock()
	m.History = nil
	m.mu.Unlock()

	writeJSON(w, models.StatusResponse{Status: "success"})
}

func (m *MockAPIServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&m.SettingsCalls, 1)

	if m.SettingsError != nil {
		http.Error(w, m.SettingsError.Message, m.SettingsError.StatusCode)
		return
	}

	m.mu.Lock()
	settings := m.Settings
	m.mu.Unlock()

	writeJSON(w, settings)
}

func (m *MockAPIServer) handleModelPath(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&m.ModelPathCalls, 1)

	var req models.ModelPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	m.mu.Lock()
	m.LastModelPath = &req
	m.Settings.CacheDir = &req.CacheDir
	m.Settings.CPUOffload = req.CPUOffload
	m.mu.Unlock()

	writeJSON(w, models.StatusResponse{Status: "success", Message: "Settings updated. Model will reload on next generation."})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// SetStream configures the frames written by the next streams
func (m *MockAPIServer) SetStream(body string, chunkSize int, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamBody = body
	m.StreamChunkSize = chunkSize
	m.StreamDelay = delay
}

// SetHang makes streams stay open after their body until the client disconnects
func (m *MockAPIServer) SetHang(hang bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamHang = hang
}

// SetImages registers the image batch returned for a session
func (m *MockAPIServer) SetImages(sessionID string, images ...models.GeneratedImage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Images[sessionID] = images
}

// SetHistory replaces the persisted history, oldest first
func (m *MockAPIServer) SetHistory(items ...models.HistoryItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.History = items
}

// SetStreamError configures the stream endpoint to return an error
func (m *MockAPIServer) SetStreamError(statusCode int, message string) {
	m.StreamError = &HTTPError{StatusCode: statusCode, Message: message}
}

// SetImagesError configures the images endpoint to return an error
func (m *MockAPIServer) SetImagesError(statusCode int, message string) {
	m.ImagesError = &HTTPError{StatusCode: statusCode, Message: message}
}

// SetHistoryError configures the history endpoint to return an error
func (m *MockAPIServer) SetHistoryError(statusCode int, message string) {
	m.HistoryError = &HTTPError{StatusCode: statusCode, Message: message}
}

// SetClearHistoryError configures history deletion to return an error
func (m *MockAPIServer) SetClearHistoryError(statusCode int, message string) {
	m.ClearHistoryError = &HTTPError{StatusCode: statusCode, Message: message}
}

// SetHealthError configures the health endpoint to return an error
func (m *MockAPIServer) SetHealthError(statusCode int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HealthError = &HTTPError{StatusCode: statusCode, Message: message}
}

// GetLastRequest returns the last generation request body (thread-safe)
func (m *MockAPIServer) GetLastRequest() *models.GenerationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastRequest
}

// GetLastRawRequest returns the last generation request as a JSON object (thread-safe)
func (m *MockAPIServer) GetLastRawRequest() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastRawRequest
}

// GetLastImagesSession returns the last requested session id (thread-safe)
func (m *MockAPIServer) GetLastImagesSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastImagesSession
}

// GetLastAuthHeader returns the Authorization header of the last request (thread-safe)
func (m *MockAPIServer) GetLastAuthHeader() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastAuthHeader
}

// Reset clears all state and errors
func (m *MockAPIServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	atomic.StoreInt32(&m.StreamCalls, 0)
	atomic.StoreInt32(&m.ImagesCalls, 0)
	atomic.StoreInt32(&m.HistoryCalls, 0)
	atomic.StoreInt32(&m.ClearHistoryCalls, 0)
	atomic.StoreInt32(&m.SettingsCalls, 0)
	atomic.StoreInt32(&m.ModelPathCalls, 0)
	atomic.StoreInt32(&m.GPUInfoCalls, 0)

	m.LastRequest = nil
	m.LastRawRequest = nil
	m.LastImagesSession = ""
	m.LastModelPath = nil
	m.LastAuthHeader = ""

	m.StreamBody = ""
	m.StreamChunkSize = 0
	m.StreamDelay = 0
	m.StreamHang = false

	m.Images = make(map[string][]models.GeneratedImage)
	m.History = nil

	m.StreamError = nil
	m.ImagesError = nil
	m.HistoryError = nil
	m.ClearHistoryError = nil
	m.SettingsError = nil
	m.HealthError = nil

	m.CustomStreamHandler = nil
	m.CustomImagesHandler = nil
}

// GetStreamCalls returns the number of stream calls (thread-safe)
func (m *MockAPIServer) GetStreamCalls() int {
	return int(atomic.LoadInt32(&m.StreamCalls))
}

// GetImagesCalls returns the number of image fetches (thread-safe)
func (m *MockAPIServer) GetImagesCalls() int {
	return int(atomic.LoadInt32(&m.ImagesCalls))
}

// GetHistoryCalls returns the number of history reads (thread-safe)
func (m *MockAPIServer) GetHistoryCalls() int {
	return int(atomic.LoadInt32(&m.HistoryCalls))
}

// GetClearHistoryCalls returns the number of history deletions (thread-safe)
func (m *MockAPIServer) GetClearHistoryCalls() int {
	return int(atomic.LoadInt32(&m.ClearHistoryCalls))
}

// Frame renders one stream frame line for a JSON-encodable payload
func Frame(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("testutil.Frame: %v", err))
	}
	return "data: " + string(data) + "\n"
}
