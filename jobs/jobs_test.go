package jobs_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	admem "github.com/chorusflow/chorus/admission/memory"
	"github.com/chorusflow/chorus/checkpoint"
	chmem "github.com/chorusflow/chorus/checkpoint/memory"
	"github.com/chorusflow/chorus/event"
	evmem "github.com/chorusflow/chorus/event/memory"
	"github.com/chorusflow/chorus/function"
	"github.com/chorusflow/chorus/httpstep"
	"github.com/chorusflow/chorus/jobs"
	"github.com/chorusflow/chorus/pollloop"
	"github.com/chorusflow/chorus/retry"
	"github.com/chorusflow/chorus/scheduler"
)

type harness struct {
	engine *scheduler.Engine
	store  *chmem.Store
	bus    *evmem.Bus
	log    *evmem.Log
	pubs   *jobs.MemoryPublications
}

func newHarness(t *testing.T, endpoints jobs.Endpoints) *harness {
	t.Helper()
	return newHarnessDeps(t, jobs.Deps{Endpoints: endpoints})
}

// newHarnessDeps wires the in-memory stack around caller-supplied deps; the
// bus, HTTP client, and publication store are always the harness's own.
func newHarnessDeps(t *testing.T, deps jobs.Deps) *harness {
	t.Helper()

	schemas := event.NewSchemas()
	jobs.RegisterSchemas(schemas)

	log := evmem.NewLog()
	bus := evmem.NewBus(evmem.BusConfig{Schemas: schemas, Log: log})
	pubs := jobs.NewMemoryPublications()

	deps.Bus = bus
	deps.HTTP = httpstep.New(nil, "test-secret")
	deps.Publications = pubs

	reg := function.NewRegistry()
	if err := jobs.RegisterAll(reg, deps); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	store := chmem.New()
	disp := scheduler.NewInProcess()
	engine, err := scheduler.New(scheduler.Config{
		Registry:   reg,
		Store:      store,
		Bus:        bus,
		Admission:  admem.New(),
		Dispatcher: disp,
		DeferDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	disp.Bind(engine)
	engine.Subscribe()
	t.Cleanup(disp.Stop)

	return &harness{engine: engine, store: store, bus: bus, log: log, pubs: pubs}
}

func (h *harness) waitForRun(t *testing.T, runID string, want checkpoint.RunStatus) checkpoint.Run {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.store.GetRun(ctx, runID)
		if err == nil && run.Status == want {
			return run
		}
		if err == nil && run.Status.IsTerminal() && run.Status != want {
			t.Fatalf("run %s settled as %s (%s), want %s", runID, run.Status, run.Error, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return checkpoint.Run{}
}

func jsonHandler(fn func(r *http.Request) (int, any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, body := fn(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if body != nil {
			json.NewEncoder(w).Encode(body)
		}
	}
}

func TestPublishContentFanOut(t *testing.T) {
	var published []string
	srv := httptest.NewServer(jsonHandler(func(r *http.Request) (int, any) {
		var req struct {
			ChannelID string `json:"channelId"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		published = append(published, req.ChannelID)
		return http.StatusOK, map[string]string{"externalUrl": "https://posts.example/" + req.ChannelID}
	}))
	defer srv.Close()

	h := newHarness(t, jobs.Endpoints{Publish: srv.URL})
	ctx := context.Background()

	evt, err := event.New(jobs.EventPublishContent, jobs.PublishContentPayload{
		UserID:    "u1",
		ContentID: "c1",
		Channels:  []string{"twitter", "mastodon"},
		Text:      "hello world",
	})
	if err != nil {
		t.Fatalf("event.New: %v", err)
	}
	if _, err := h.bus.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	runID := event.DeterministicID("run", "publish-content", evt.ID)
	h.waitForRun(t, runID, checkpoint.RunCompleted)

	if len(published) != 2 {
		t.Errorf("publish endpoint called %d times, want 2", len(published))
	}

	completed, err := h.log.ListRecent(ctx, jobs.EventPublishContentCompleted, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("completed events = %d, want 1", len(completed))
	}
	payload, err := event.Decode[jobs.PublishContentCompletedPayload](completed[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.ContentID != "c1" || len(payload.Results) != 2 {
		t.Errorf("completed payload = %+v", payload)
	}
	for _, res := range payload.Results {
		if res.Status != jobs.PublicationPublished || res.ExternalURL == "" {
			t.Errorf("channel result = %+v, want published with URL", res)
		}
	}
}

func TestPublishContentTerminalChannelDoesNotSinkFanOut(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(func(r *http.Request) (int, any) {
		var req struct {
			ChannelID string `json:"channelId"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.ChannelID == "blocked" {
			return http.StatusForbidden, map[string]string{"error": "channel revoked"}
		}
		return http.StatusOK, map[string]string{"externalUrl": "https://posts.example/" + req.ChannelID}
	}))
	defer srv.Close()

	h := newHarness(t, jobs.Endpoints{Publish: srv.URL})
	ctx := context.Background()

	evt, _ := event.New(jobs.EventPublishContent, jobs.PublishContentPayload{
		UserID:    "u1",
		ContentID: "c1",
		Channels:  []string{"blocked", "mastodon"},
		Text:      "hello world",
	})
	if _, err := h.bus.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	runID := event.DeterministicID("run", "publish-content", evt.ID)
	h.waitForRun(t, runID, checkpoint.RunCompleted)

	completed, _ := h.log.ListRecent(ctx, jobs.EventPublishContentCompleted, 10)
	if len(completed) != 1 {
		t.Fatalf("completed events = %d, want 1", len(completed))
	}
	payload, _ := event.Decode[jobs.PublishContentCompletedPayload](completed[0])

	byChannel := map[string]jobs.ChannelResult{}
	for _, res := range payload.Results {
		byChannel[res.ChannelID] = res
	}
	if byChannel["blocked"].Status != jobs.PublicationFailed {
		t.Errorf("blocked channel = %+v, want failed", byChannel["blocked"])
	}
	if byChannel["mastodon"].Status != jobs.PublicationPublished {
		t.Errorf("mastodon channel = %+v, want published", byChannel["mastodon"])
	}
}

func TestScheduleContentRescheduleMovesThePublish(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(func(r *http.Request) (int, any) {
		return http.StatusOK, map[string]string{"externalUrl": "https://posts.example/1"}
	}))
	defer srv.Close()

	h := newHarness(t, jobs.Endpoints{Publish: srv.URL})
	ctx := context.Background()

	first, _ := event.New(jobs.EventScheduleRequested, jobs.SchedulePayload{
		UserID:      "u1",
		ContentID:   "c1",
		Channels:    []string{"twitter"},
		Text:        "scheduled post",
		ScheduledAt: time.Now().Add(time.Hour),
	})
	if _, err := h.bus.Publish(ctx, first); err != nil {
		t.Fatalf("Publish first: %v", err)
	}

	firstRunID := event.DeterministicID("run", "schedule-content", first.ID)
	h.waitForRun(t, firstRunID, checkpoint.RunSleeping)

	second, _ := event.New(jobs.EventScheduleRequested, jobs.SchedulePayload{
		UserID:      "u1",
		ContentID:   "c1",
		Channels:    []string{"twitter"},
		Text:        "scheduled post",
		ScheduledAt: time.Now().Add(40 * time.Millisecond),
	})
	if _, err := h.bus.Publish(ctx, second); err != nil {
		t.Fatalf("Publish second: %v", err)
	}

	run, err := h.store.GetRun(ctx, firstRunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != checkpoint.RunCancelled {
		t.Fatalf("first run = %s, want cancelled", run.Status)
	}

	secondRunID := event.DeterministicID("run", "schedule-content", second.ID)
	h.waitForRun(t, secondRunID, checkpoint.RunCompleted)

	// Exactly one fan-out: the superseded run never dispatched.
	dispatched, _ := h.log.ListRecent(ctx, jobs.EventPublishToChannel, 10)
	if len(dispatched) != 1 {
		t.Fatalf("publish.to-channel events = %d, want 1", len(dispatched))
	}

	// The dispatched event drives publish-to-channel through to published.
	p, _ := event.Decode[jobs.PublishToChannelPayload](dispatched[0])
	channelRunID := event.DeterministicID("run", "publish-to-channel", dispatched[0].ID)
	h.waitForRun(t, channelRunID, checkpoint.RunCompleted)

	pub, found, _ := h.pubs.Get(ctx, p.PublicationID)
	if !found || pub.Status != jobs.PublicationPublished {
		t.Errorf("publication = %+v (found=%v), want published", pub, found)
	}
}

func TestPublishToChannelSuppressesDuplicate(t *testing.T) {
	var posts int
	srv := httptest.NewServer(jsonHandler(func(r *http.Request) (int, any) {
		posts++
		return http.StatusOK, map[string]string{"externalUrl": "https://posts.example/1"}
	}))
	defer srv.Close()

	h := newHarness(t, jobs.Endpoints{Publish: srv.URL})
	ctx := context.Background()

	publish := func(publicationID string) string {
		evt, _ := event.New(jobs.EventPublishToChannel, jobs.PublishToChannelPayload{
			PublicationID: publicationID,
			ChannelID:     "twitter",
			UserID:        "u1",
			ContentID:     "c1",
			Text:          "same text",
		})
		if _, err := h.bus.Publish(ctx, evt); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		return event.DeterministicID("run", "publish-to-channel", evt.ID)
	}

	h.waitForRun(t, publish("pub-1"), checkpoint.RunCompleted)
	h.waitForRun(t, publish("pub-2"), checkpoint.RunCompleted)

	if posts != 1 {
		t.Errorf("publish endpoint called %d times, want 1 (duplicate suppressed)", posts)
	}

	dup, found, _ := h.pubs.Get(ctx, "pub-2")
	if !found || dup.Status != jobs.PublicationDuplicate {
		t.Errorf("pub-2 = %+v (found=%v), want duplicate", dup, found)
	}
	orig, _, _ := h.pubs.Get(ctx, "pub-1")
	if orig.Status != jobs.PublicationPublished {
		t.Errorf("pub-1 = %+v, want published", orig)
	}
}

func TestPublishToChannelFailureMarksPublication(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(func(r *http.Request) (int, any) {
		return http.StatusForbidden, map[string]string{"error": "revoked"}
	}))
	defer srv.Close()

	h := newHarness(t, jobs.Endpoints{Publish: srv.URL})
	ctx := context.Background()

	evt, _ := event.New(jobs.EventPublishToChannel, jobs.PublishToChannelPayload{
		PublicationID: "pub-1",
		ChannelID:     "twitter",
		UserID:        "u1",
		ContentID:     "c1",
		Text:          "hello",
	})
	if _, err := h.bus.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	runID := event.DeterministicID("run", "publish-to-channel", evt.ID)
	run := h.waitForRun(t, runID, checkpoint.RunFailed)
	if run.FailureClass != string(retry.ClassProviderTerminal) {
		t.Errorf("class = %q, want provider_terminal", run.FailureClass)
	}

	pub, found, _ := h.pubs.Get(ctx, "pub-1")
	if !found || pub.Status != jobs.PublicationFailed {
		t.Errorf("publication = %+v (found=%v), want failed", pub, found)
	}
	if pub.Error == "" {
		t.Error("publication should carry the failure detail")
	}
}

func TestRenderVideoCompletes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", jsonHandler(func(r *http.Request) (int, any) {
		return http.StatusOK, map[string]string{"jobId": "job-1"}
	}))
	mux.HandleFunc("/status", jsonHandler(func(r *http.Request) (int, any) {
		return http.StatusOK, map[string]string{
			"status":   "completed",
			"videoUrl": "https://cdn.example/v.mp4",
		}
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHarness(t, jobs.Endpoints{
		RenderSubmit: srv.URL + "/submit",
		RenderStatus: srv.URL + "/status",
	})
	ctx := context.Background()

	evt, _ := event.New(jobs.EventRenderRequested, jobs.RenderPayload{
		TaskID:          "task-1",
		ProviderID:      "prov-1",
		UserID:          "u1",
		RenderType:      "short",
		Prompt:          "a sunrise over mountains",
		DurationSeconds: 30,
	})
	if _, err := h.bus.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	runID := event.DeterministicID("run", "render-video", evt.ID)
	h.waitForRun(t, runID, checkpoint.RunCompleted)

	completed, _ := h.log.ListRecent(ctx, jobs.EventRenderCompleted, 10)
	if len(completed) != 1 {
		t.Fatalf("render completed events = %d, want 1", len(completed))
	}
	payload, _ := event.Decode[jobs.RenderCompletedPayload](completed[0])
	if payload.TaskID != "task-1" || payload.VideoURL != "https://cdn.example/v.mp4" {
		t.Errorf("completed payload = %+v", payload)
	}
}

func TestRenderVideoProviderFailureEmitsFailedOnce(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", jsonHandler(func(r *http.Request) (int, any) {
		return http.StatusOK, map[string]string{"jobId": "job-1"}
	}))
	mux.HandleFunc("/status", jsonHandler(func(r *http.Request) (int, any) {
		return http.StatusOK, map[string]string{
			"status":  "failed",
			"message": "content policy",
		}
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHarness(t, jobs.Endpoints{
		RenderSubmit: srv.URL + "/submit",
		RenderStatus: srv.URL + "/status",
	})
	ctx := context.Background()

	evt, _ := event.New(jobs.EventRenderRequested, jobs.RenderPayload{
		TaskID:          "task-1",
		ProviderID:      "prov-1",
		UserID:          "u1",
		RenderType:      "short",
		Prompt:          "a sunrise over mountains",
		DurationSeconds: 30,
	})
	if _, err := h.bus.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	runID := event.DeterministicID("run", "render-video", evt.ID)
	run := h.waitForRun(t, runID, checkpoint.RunFailed)
	if run.FailureClass != string(retry.ClassProviderTerminal) {
		t.Errorf("class = %q, want provider_terminal", run.FailureClass)
	}

	failed, _ := h.log.ListRecent(ctx, jobs.EventRenderFailed, 10)
	if len(failed) != 1 {
		t.Fatalf("render failed events = %d, want 1", len(failed))
	}
	payload, _ := event.Decode[jobs.RenderFailedPayload](failed[0])
	if payload.TaskID != "task-1" || payload.Class != string(retry.ClassProviderTerminal) {
		t.Errorf("failed payload = %+v", payload)
	}
	if len(payload.Reason) == 0 {
		t.Error("failed payload should carry the cause")
	}
}

func TestRenderVideoStuckProviderTimesOut(t *testing.T) {
	var checks int
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", jsonHandler(func(r *http.Request) (int, any) {
		return http.StatusOK, map[string]string{"jobId": "job-1"}
	}))
	mux.HandleFunc("/status", jsonHandler(func(r *http.Request) (int, any) {
		checks++
		return http.StatusOK, map[string]string{"status": "processing"}
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHarnessDeps(t, jobs.Deps{
		Endpoints: jobs.Endpoints{
			RenderSubmit: srv.URL + "/submit",
			RenderStatus: srv.URL + "/status",
		},
		RenderPoll: pollloop.Options{
			MaxPolls: 3,
			Budget:   time.Minute,
			Backoff:  func(int) time.Duration { return time.Millisecond },
		},
	})
	ctx := context.Background()

	evt, _ := event.New(jobs.EventRenderRequested, jobs.RenderPayload{
		TaskID:          "task-1",
		ProviderID:      "prov-1",
		UserID:          "u1",
		RenderType:      "short",
		Prompt:          "a sunrise over mountains",
		DurationSeconds: 30,
	})
	if _, err := h.bus.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	runID := event.DeterministicID("run", "render-video", evt.ID)
	run := h.waitForRun(t, runID, checkpoint.RunFailed)
	if run.FailureClass != string(retry.ClassTimeout) {
		t.Errorf("class = %q, want timeout", run.FailureClass)
	}
	if checks != 3 {
		t.Errorf("status endpoint polled %d times, want 3", checks)
	}

	failed, _ := h.log.ListRecent(ctx, jobs.EventRenderFailed, 10)
	if len(failed) != 1 {
		t.Fatalf("render failed events = %d, want 1", len(failed))
	}
	payload, _ := event.Decode[jobs.RenderFailedPayload](failed[0])
	if payload.TaskID != "task-1" || payload.Class != string(retry.ClassTimeout) {
		t.Errorf("failed payload = %+v", payload)
	}
}

func TestFactCheckScoresAndEmits(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/extract", jsonHandler(func(r *http.Request) (int, any) {
		return http.StatusOK, map[string]any{
			"claims": []string{"the sky is blue", "pigs can fly"},
		}
	}))
	mux.HandleFunc("/verify", jsonHandler(func(r *http.Request) (int, any) {
		var req struct {
			Claim string `json:"claim"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Claim == "the sky is blue" {
			return http.StatusOK, map[string]any{"verified": true, "confidence": 0.9}
		}
		return http.StatusOK, map[string]any{"verified": false, "confidence": 0.5}
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHarness(t, jobs.Endpoints{
		ExtractClaims: srv.URL + "/extract",
		VerifyClaim:   srv.URL + "/verify",
	})
	ctx := context.Background()

	evt, _ := event.New(jobs.EventFactCheckRequested, jobs.FactCheckPayload{
		UserID:    "u1",
		ContentID: "c1",
		Title:     "weather report",
		Body:      "the sky is blue and pigs can fly",
	})
	if _, err := h.bus.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	runID := event.DeterministicID("run", "factcheck-content", evt.ID)
	h.waitForRun(t, runID, checkpoint.RunCompleted)

	completed, _ := h.log.ListRecent(ctx, jobs.EventFactCheckCompleted, 10)
	if len(completed) != 1 {
		t.Fatalf("factcheck completed events = %d, want 1", len(completed))
	}
	payload, _ := event.Decode[jobs.FactCheckCompletedPayload](completed[0])

	// 0.5 verified rate, 0.7 mean confidence: 100*(0.35+0.21) = 56.
	if payload.Score != 56 {
		t.Errorf("score = %d, want 56", payload.Score)
	}
	if payload.Verdict != jobs.VerdictCaution {
		t.Errorf("verdict = %q, want caution", payload.Verdict)
	}
	if len(payload.Verifications) != 2 {
		t.Errorf("verifications = %d, want 2", len(payload.Verifications))
	}
}
