package testutil

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/Gelotto/zimage-studio/internal/models"
)

// ValidAPIKey returns an API key for testing
func ValidAPIKey() string {
	return "zk_" + strings.Repeat("a", 32)
}

// CreateRequest creates a test generation request with default parameters
func CreateRequest(prompt string) models.GenerationRequest {
	return models.NewGenerationRequest(prompt, "", models.DefaultParams())
}

// CreateImage creates a GeneratedImage holding a w x h PNG filled with c
func CreateImage(seed int64, w, h int, c color.Color) models.GeneratedImage {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return models.GeneratedImage{
		Image: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		Seed:  seed,
	}
}

// CreateHistory creates n history items with prompts "prompt 0".."prompt n-1", oldest first
func CreateHistory(n int) []models.HistoryItem {
	items := make([]models.HistoryItem, n)
	for i := range items {
		items[i] = models.HistoryItem{
			Prompt: fmt.Sprintf("prompt %d", i),
			Params: models.DefaultParams(),
		}
	}
	return items
}

// LogFrame renders a log frame
func LogFrame(message string) string {
	return Frame(map[string]interface{}{"type": "log", "message": message})
}

// ProgressFrame renders a progress frame
func ProgressFrame(step, total int) string {
	return Frame(map[string]interface{}{"type": "progress", "step": step, "total_steps": total})
}

// CompleteFrame renders a complete frame
func CompleteFrame(sessionID string) string {
	return Frame(map[string]interface{}{"type": "complete", "session_id": sessionID})
}

// ErrorFrame renders an error frame
func ErrorFrame(message string) string {
	return Frame(map[string]interface{}{"type": "error", "message": message})
}

// WaitForCondition waits for a condition to be true or times out
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for condition: %s", message)
}

// WaitForCallCount waits for a call count to reach expected value
func WaitForCallCount(t *testing.T, getCalls func() int, expected int, timeout time.Duration, name string) {
	t.Helper()
	WaitForCondition(t, func() bool {
		return getCalls() >= expected
	}, timeout, name+" call count")
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

// AssertErrorContains fails if err is nil or doesn't contain expected substring
func AssertErrorContains(t *testing.T, err error, expected string, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected error containing %q but got nil", msg, expected)
	}
	if !strings.Contains(err.Error(), expected) {
		t.Fatalf("%s: expected error containing %q but got %q", msg, expected, err.Error())
	}
}

// AssertEqual fails if got != want
func AssertEqual[T comparable](t *testing.T, got, want T, msg string) {
	t.Helper()
	if got != want {
		t.Fatalf("%s: got %v, want %v", msg, got, want)
	}
}

// StringPtr returns a pointer to a string
func StringPtr(v string) *string {
	return &v
}
