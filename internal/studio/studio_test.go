package studio

import (
	"context"
	"errors"
	"image/color"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gelotto/zimage-studio/internal/client"
	"github.com/Gelotto/zimage-studio/internal/models"
	"github.com/Gelotto/zimage-studio/internal/testutil"
)

func newTestStudio(t *testing.T, mock *testutil.MockAPIServer, configure func(cfg *Config)) *Studio {
	t.Helper()
	cfg := DefaultConfig()
	cfg.API.URL = mock.URL
	if configure != nil {
		configure(cfg)
	}
	require.NoError(t, cfg.Validate())
	return New(client.NewAPIClient(cfg.API.URL, cfg.API.Key), cfg)
}

func sampleRequest() models.GenerationRequest {
	return models.NewGenerationRequest("cat", "", models.Params{
		Steps:         8,
		GuidanceScale: 0,
		Width:         1024,
		Height:        1024,
		Seed:          models.RandomSeed,
		NumImages:     1,
	})
}

func sampleStream() string {
	return testutil.LogFrame("starting") +
		testutil.ProgressFrame(4, 8) +
		testutil.CompleteFrame("s1")
}

// startAsync runs Generate on its own goroutine and returns its result channel
func startAsync(s *Studio, req models.GenerationRequest) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Generate(context.Background(), req)
	}()
	return errCh
}

func waitResult(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not finish")
		return nil
	}
}

func TestGenerate_EndToEnd(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetStream(sampleStream(), 0, 0)
	mock.SetImages("s1", testutil.CreateImage(12345, 4, 4, color.White))
	mock.SetHistory(models.HistoryItem{Prompt: "cat", Params: models.DefaultParams()})

	s := newTestStudio(t, mock, nil)
	err := s.Generate(context.Background(), sampleRequest())
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.False(t, snap.Loading)
	assert.NoError(t, snap.Err)
	assert.NotEmpty(t, snap.RunID)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, int64(12345), snap.Results[0].Seed)
	require.Len(t, snap.Logs, 1)
	assert.Equal(t, "starting", snap.Logs[0].Message)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, 4, snap.Progress.Step)
	require.Len(t, snap.History, 1)
	assert.Equal(t, "cat", snap.History[0].Prompt)

	assert.Equal(t, 1, mock.GetImagesCalls())
	assert.Equal(t, "s1", mock.GetLastImagesSession())

	raw := mock.GetLastRawRequest()
	assert.Equal(t, "cat", raw["prompt"])
	assert.Nil(t, raw["negative_prompt"])
	assert.Equal(t, float64(-1), raw["seed"])
	assert.Equal(t, false, raw["enhance_prompt"])
}

func TestGenerate_ChunkingDoesNotChangeOutcome(t *testing.T) {
	body := testutil.LogFrame("one — ünïcödé") +
		"\n: comment\n" +
		"data: {broken\n" +
		testutil.LogFrame("two") +
		testutil.ProgressFrame(8, 8) +
		testutil.CompleteFrame("s1")

	outcome := func(serverChunk, readChunk int) Snapshot {
		mock := testutil.NewMockAPIServer()
		defer mock.Close()
		mock.SetStream(body, serverChunk, 0)
		mock.SetImages("s1", testutil.CreateImage(7, 2, 2, color.Black))

		s := newTestStudio(t, mock, func(cfg *Config) {
			cfg.Generation.ChunkSize = readChunk
		})
		require.NoError(t, s.Generate(context.Background(), testutil.CreateRequest("cat")))
		return s.Snapshot()
	}

	whole := outcome(0, 32*1024)
	byteByByte := outcome(1, 1)
	odd := outcome(7, 3)

	for name, got := range map[string]Snapshot{"byte-by-byte": byteByByte, "odd": odd} {
		require.Len(t, got.Logs, len(whole.Logs), name)
		for i := range whole.Logs {
			assert.Equal(t, whole.Logs[i].Message, got.Logs[i].Message, name)
		}
		assert.Equal(t, whole.Results, got.Results, name)
		assert.False(t, got.Loading, name)
	}
	require.Len(t, whole.Logs, 2)
	assert.Equal(t, "one — ünïcödé", whole.Logs[0].Message)
}

func TestGenerate_ErrorFrameSkipsImageFetch(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetStream(testutil.LogFrame("loading")+testutil.ErrorFrame("CUDA out of memory"), 0, 0)

	s := newTestStudio(t, mock, nil)
	err := s.Generate(context.Background(), testutil.CreateRequest("cat"))

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "CUDA out of memory", serverErr.Message)
	assert.Equal(t, 0, mock.GetImagesCalls())

	snap := s.Snapshot()
	assert.False(t, snap.Loading)
	assert.Empty(t, snap.Results)
	assert.Len(t, snap.Logs, 1)
	assert.Equal(t, err, snap.Err)
}

func TestGenerate_ImageFetchFailureIsTerminal(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetStream(sampleStream(), 0, 0)
	mock.SetImagesError(http.StatusNotFound, "Session not found")

	s := newTestStudio(t, mock, nil)
	err := s.Generate(context.Background(), sampleRequest())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch images for session s1")
	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	snap := s.Snapshot()
	assert.False(t, snap.Loading)
	assert.Empty(t, snap.Results)
	assert.Equal(t, 0, mock.GetHistoryCalls())
}

func TestGenerate_HistoryFailureIsNotFatal(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetStream(sampleStream(), 0, 0)
	mock.SetImages("s1", testutil.CreateImage(1, 2, 2, color.White))
	mock.SetHistoryError(http.StatusInternalServerError, "disk full")

	s := newTestStudio(t, mock, nil)
	err := s.Generate(context.Background(), sampleRequest())

	require.NoError(t, err)
	snap := s.Snapshot()
	assert.Len(t, snap.Results, 1)
	assert.Empty(t, snap.History)
	assert.Equal(t, 1, mock.GetHistoryCalls())
}

func TestGenerate_StreamClosedWithoutTerminal(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetStream(testutil.LogFrame("starting")+testutil.ProgressFrame(1, 8), 0, 0)

	s := newTestStudio(t, mock, nil)
	err := s.Generate(context.Background(), testutil.CreateRequest("cat"))

	require.ErrorIs(t, err, ErrStreamClosed)
	snap := s.Snapshot()
	assert.False(t, snap.Loading)
	assert.Len(t, snap.Logs, 1)
}

func TestGenerate_UnterminatedTrailingFrameIsDropped(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetStream(testutil.LogFrame("starting")+`data: {"type":"complete","session_id":"s1"}`, 0, 0)
	mock.SetImages("s1", testutil.CreateImage(1, 2, 2, color.White))

	s := newTestStudio(t, mock, nil)
	err := s.Generate(context.Background(), testutil.CreateRequest("cat"))

	require.ErrorIs(t, err, ErrStreamClosed)
	assert.Equal(t, 0, mock.GetImagesCalls())
}

func TestGenerate_OpenStreamStatusError(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetStreamError(http.StatusServiceUnavailable, "model loading")

	s := newTestStudio(t, mock, nil)
	err := s.Generate(context.Background(), testutil.CreateRequest("cat"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "open stream")
	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.False(t, s.Snapshot().Loading)
}

func TestGenerate_IdleTimeout(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetStream(testutil.LogFrame("starting"), 0, 0)
	mock.SetHang(true)

	s := newTestStudio(t, mock, func(cfg *Config) {
		cfg.Generation.IdleTimeout = 150 * time.Millisecond
	})
	err := waitResult(t, startAsync(s, testutil.CreateRequest("cat")))

	require.ErrorIs(t, err, ErrStreamIdle)
	snap := s.Snapshot()
	assert.False(t, snap.Loading)
	assert.Len(t, snap.Logs, 1)
}

func TestGenerate_SlowButSteadyStreamIsNotIdle(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetStream(sampleStream(), 16, 40*time.Millisecond)
	mock.SetImages("s1", testutil.CreateImage(1, 2, 2, color.White))

	s := newTestStudio(t, mock, func(cfg *Config) {
		cfg.Generation.IdleTimeout = 200 * time.Millisecond
	})
	require.NoError(t, waitResult(t, startAsync(s, sampleRequest())))
}

func TestGenerate_MaxDuration(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetHang(true)

	s := newTestStudio(t, mock, func(cfg *Config) {
		cfg.Generation.MaxDuration = 150 * time.Millisecond
	})
	err := waitResult(t, startAsync(s, testutil.CreateRequest("cat")))

	assert.ErrorIs(t, err, ErrRunTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGenerate_ParentContextCancelled(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetHang(true)

	s := newTestStudio(t, mock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Generate(ctx, testutil.CreateRequest("cat"))
	}()

	testutil.WaitForCallCount(t, mock.GetStreamCalls, 1, 2*time.Second, "stream")
	cancel()

	err := waitResult(t, errCh)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Loading())
}

func TestGenerate_RejectsInvalidInput(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	s := newTestStudio(t, mock, nil)

	err := s.Generate(context.Background(), testutil.CreateRequest("   "))
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	req := testutil.CreateRequest("cat")
	req.Width = 1000
	err = s.Generate(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrInvalidParams)

	assert.Equal(t, 0, mock.GetStreamCalls())
	assert.Empty(t, s.Snapshot().RunID)
}

func TestGenerate_RejectsSecondRunInFlight(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetHang(true)

	s := newTestStudio(t, mock, nil)
	errCh := startAsync(s, testutil.CreateRequest("first"))
	testutil.WaitForCondition(t, s.Loading, 2*time.Second, "run to start")

	err := s.Generate(context.Background(), testutil.CreateRequest("second"))
	assert.ErrorIs(t, err, ErrRunInFlight)

	assert.True(t, s.Cancel())
	assert.ErrorIs(t, waitResult(t, errCh), ErrRunCancelled)
	assert.False(t, s.Cancel(), "nothing left to cancel")
	assert.Equal(t, 1, mock.GetStreamCalls())
}

func TestSupersede_ReplacesInFlightRun(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetImages("s2", testutil.CreateImage(2, 2, 2, color.White))

	var calls int32
	mock.CustomStreamHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if atomic.AddInt32(&calls, 1) == 1 {
			_, _ = w.Write([]byte(testutil.LogFrame("first run")))
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		_, _ = w.Write([]byte(testutil.LogFrame("second run") + testutil.CompleteFrame("s2")))
	}

	s := newTestStudio(t, mock, nil)
	firstCh := startAsync(s, testutil.CreateRequest("first"))
	testutil.WaitForCondition(t, func() bool {
		return len(s.Snapshot().Logs) == 1
	}, 2*time.Second, "first run log")
	firstID := s.Snapshot().RunID

	err := s.Supersede(context.Background(), testutil.CreateRequest("second"))
	require.NoError(t, err)
	assert.ErrorIs(t, waitResult(t, firstCh), ErrRunCancelled)

	snap := s.Snapshot()
	assert.NotEqual(t, firstID, snap.RunID)
	assert.Equal(t, "second", snap.Request.Prompt)
	require.Len(t, snap.Logs, 1)
	assert.Equal(t, "second run", snap.Logs[0].Message)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, int64(2), snap.Results[0].Seed)
}

func TestGenerate_NewRunClearsPreviousState(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetStream(sampleStream(), 0, 0)
	mock.SetImages("s1", testutil.CreateImage(1, 2, 2, color.White))

	s := newTestStudio(t, mock, nil)
	require.NoError(t, s.Generate(context.Background(), sampleRequest()))
	require.Len(t, s.Snapshot().Results, 1)

	var mu sync.Mutex
	var starts []Snapshot
	unsubscribe := s.Subscribe(func(snap Snapshot) {
		if snap.Loading {
			mu.Lock()
			starts = append(starts, snap)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	mock.SetStream(testutil.ErrorFrame("boom"), 0, 0)
	err := s.Generate(context.Background(), sampleRequest())
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, starts)
	assert.Empty(t, starts[0].Logs)
	assert.Empty(t, starts[0].Results)
	assert.Nil(t, starts[0].Progress)
	assert.Empty(t, s.Snapshot().Results)
}

func TestSubscribe_ReceivesOrderedSnapshots(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetStream(sampleStream(), 0, 0)
	mock.SetImages("s1", testutil.CreateImage(1, 2, 2, color.White))

	s := newTestStudio(t, mock, nil)

	var snaps []Snapshot
	unsubscribe := s.Subscribe(func(snap Snapshot) {
		snaps = append(snaps, snap)
	})

	require.NoError(t, s.Generate(context.Background(), sampleRequest()))
	unsubscribe()

	require.GreaterOrEqual(t, len(snaps), 5)
	assert.True(t, snaps[0].Loading)
	assert.False(t, snaps[len(snaps)-1].Loading)
	for i := 1; i < len(snaps); i++ {
		assert.Greater(t, snaps[i].Seq, snaps[i-1].Seq)
	}

	count := len(snaps)
	require.NoError(t, s.RefreshHistory(context.Background()))
	assert.Len(t, snaps, count, "unsubscribed callback must not run")
}

func TestSnapshot_IsACopy(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetStream(sampleStream(), 0, 0)
	mock.SetImages("s1", testutil.CreateImage(1, 2, 2, color.White))

	s := newTestStudio(t, mock, nil)
	require.NoError(t, s.Generate(context.Background(), sampleRequest()))

	snap := s.Snapshot()
	snap.Logs[0].Message = "changed"
	snap.Results[0].Seed = 99
	snap.Progress.Step = 0

	fresh := s.Snapshot()
	assert.Equal(t, "starting", fresh.Logs[0].Message)
	assert.Equal(t, int64(1), fresh.Results[0].Seed)
	assert.Equal(t, 4, fresh.Progress.Step)
}

func TestRefreshHistory_KeepsRecentNewestFirst(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetHistory(testutil.CreateHistory(15)...)

	s := newTestStudio(t, mock, nil)
	require.NoError(t, s.RefreshHistory(context.Background()))

	history := s.Snapshot().History
	require.Len(t, history, 10)
	assert.Equal(t, "prompt 14", history[0].Prompt)
	assert.Equal(t, "prompt 5", history[9].Prompt)
}

func TestRefreshHistory_Error(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetHistoryError(http.StatusInternalServerError, "boom")

	s := newTestStudio(t, mock, nil)
	err := s.RefreshHistory(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh history")
}

func TestClearHistory(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetHistory(testutil.CreateHistory(3)...)

	s := newTestStudio(t, mock, nil)
	require.NoError(t, s.RefreshHistory(context.Background()))
	require.Len(t, s.Snapshot().History, 3)

	require.NoError(t, s.ClearHistory(context.Background()))
	assert.Empty(t, s.Snapshot().History)
	assert.Equal(t, 1, mock.GetClearHistoryCalls())
}

func TestClearHistory_ErrorKeepsLocalList(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetHistory(testutil.CreateHistory(2)...)

	s := newTestStudio(t, mock, nil)
	require.NoError(t, s.RefreshHistory(context.Background()))

	mock.SetClearHistoryError(http.StatusInternalServerError, "locked")
	err := s.ClearHistory(context.Background())
	require.Error(t, err)
	assert.Len(t, s.Snapshot().History, 2)
}

func TestClassify_UnrelatedErrorPassesThrough(t *testing.T) {
	s := New(nil, nil)
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	r := &run{ctx: ctx, cancel: cancel}

	sentinel := errors.New("boom")
	assert.Equal(t, sentinel, s.classify(r, sentinel))

	cancel(ErrStreamIdle)
	assert.Equal(t, ErrStreamIdle, s.classify(r, sentinel))
}

func TestGenerate_SendsAPIKey(t *testing.T) {
	mock := testutil.NewMockAPIServer()
	defer mock.Close()
	mock.SetStream(testutil.ErrorFrame("rejected"), 0, 0)

	key := testutil.ValidAPIKey()
	s := newTestStudio(t, mock, func(cfg *Config) {
		cfg.API.Key = key
	})

	err := s.Generate(context.Background(), sampleRequest())
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)

	assert.Equal(t, 1, mock.GetStreamCalls())
	assert.Equal(t, 0, mock.GetImagesCalls())
	assert.Equal(t, "Bearer "+key, mock.GetLastAuthHeader())
}

func TestIdleTimer_StopReportsExpiry(t *testing.T) {
	var fired atomic.Int32
	timer := newIdleTimer(10*time.Millisecond, func() { fired.Add(1) })

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, timer.stop(), "stop after expiry must report it")
}

func TestIdleTimer_StopBeforeExpiryCancelsCallback(t *testing.T) {
	var fired atomic.Int32
	timer := newIdleTimer(30*time.Millisecond, func() { fired.Add(1) })

	assert.True(t, timer.stop())
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	timer.reset()
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, timer.stop())
}

func TestIdleTimer_StaleCallbackIsIgnored(t *testing.T) {
	var fired atomic.Int32
	timer := newIdleTimer(time.Millisecond, func() { fired.Add(1) })

	// Hold the lock so the first callback waits behind a stop and re-arm.
	timer.mu.Lock()
	time.Sleep(20 * time.Millisecond)
	timer.gen++
	timer.timer.Stop()
	timer.timeout = time.Hour
	timer.arm()
	timer.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.True(t, timer.stop())
}

func TestIdleTimer_ZeroTimeoutDisabled(t *testing.T) {
	timer := newIdleTimer(0, func() { t.Error("disabled timer fired") })
	timer.reset()
	assert.True(t, timer.stop())
}
