package integration

import (
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/workorder/internal/channel"
	"github.com/pitabwire/workorder/internal/notify"
	"github.com/pitabwire/workorder/internal/workorder"
	"github.com/pitabwire/workorder/model"
)

// createWebhookRule registers a rule that posts submissions to the receiver.
func createWebhookRule(t *testing.T, h *TestHarness, maxRetries int) model.NotificationConfig {
	t.Helper()
	var cfg model.NotificationConfig
	h.AssertJSON(t, h.POST("/api/v1/notification-configs", model.NotificationConfig{
		Name:            "Ops webhook on submit",
		EventTypes:      []model.EventType{model.EventInstanceSubmitted},
		Channels:        []model.Channel{model.ChannelWebhook},
		RecipientTypes:  []model.RecipientType{model.RecipientCreator},
		MessageTemplate: "{{title}} submitted by {{actor_id}}",
		MaxRetries:      maxRetries,
		WebhookURL:      h.Webhooks.URL() + "/hooks/workorder",
		WebhookHeaders:  map[string]string{"X-Team": "facilities"},
	}, h.GenerateToken(AdminClaims())), http.StatusCreated, &cfg)
	return cfg
}

func listLogs(t *testing.T, h *TestHarness, instanceID string) []model.NotificationLog {
	t.Helper()
	var list struct {
		Data []model.NotificationLog `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/v1/notifications/logs?channel=webhook&instance_id="+instanceID,
		h.GenerateToken(AdminClaims())), http.StatusOK, &list)
	return list.Data
}

func TestResilience_WebhookRetriedUntilDelivered(t *testing.T) {
	backends(t, func(t *testing.T, h *TestHarness) {
		createWebhookRule(t, h, 2)
		h.Webhooks.RespondWith(http.StatusServiceUnavailable, http.StatusBadGateway)

		inst := h.CreateWorkorder(t, RequesterClaims(), "Elevator stuck")
		h.AssertStatus(t, h.Transition(RequesterClaims(), inst.ID, workorder.TransitionRequest{Action: model.ActionSubmit}), http.StatusOK)

		h.Eventually(t, "webhook delivery", func() bool { return len(h.Webhooks.Received()) == 1 })
		if got := h.Webhooks.Attempts(); got != 3 {
			t.Errorf("attempts = %d, want 3", got)
		}

		hook := h.Webhooks.Received()[0]
		if hook.Payload.Content != "Elevator stuck submitted by u-ana" {
			t.Errorf("content = %q", hook.Payload.Content)
		}
		if hook.Payload.InstanceID != inst.ID || hook.Payload.EventType != model.EventInstanceSubmitted {
			t.Errorf("payload = %+v", hook.Payload)
		}
		if hook.Headers.Get("X-Team") != "facilities" {
			t.Errorf("custom header = %q", hook.Headers.Get("X-Team"))
		}
		ts := hook.Headers.Get(channel.HeaderWebhookTimestamp)
		if !channel.VerifyWebhookSignature("it-secret", ts, hook.Headers.Get(channel.HeaderWebhookSignature), hook.RawBody) {
			t.Error("webhook signature does not verify")
		}

		h.Eventually(t, "three log rows", func() bool { return len(listLogs(t, h, inst.ID)) == 3 })
		var failed, delivered int
		for _, l := range listLogs(t, h, inst.ID) {
			switch l.Status {
			case model.LogFailed:
				failed++
			case model.LogSuccess:
				delivered++
				if !l.Final {
					t.Error("successful attempt not marked final")
				}
			}
		}
		if failed != 2 || delivered != 1 {
			t.Errorf("logs: %d failed, %d delivered", failed, delivered)
		}
	})
}

func TestResilience_WebhookGivesUpAfterMaxRetries(t *testing.T) {
	h := NewTestHarness(t)
	createWebhookRule(t, h, 1)
	h.Webhooks.RespondWith(http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError)

	inst := h.CreateWorkorder(t, RequesterClaims(), "Roof leak")
	h.AssertStatus(t, h.Transition(RequesterClaims(), inst.ID, workorder.TransitionRequest{Action: model.ActionSubmit}), http.StatusOK)

	var queue struct {
		Data []model.QueueItem `json:"data"`
	}
	h.Eventually(t, "queue item failed", func() bool {
		h.AssertJSON(t, h.GET("/api/v1/notifications/queue?status=failed&instance_id="+inst.ID,
			h.GenerateToken(AdminClaims())), http.StatusOK, &queue)
		return len(queue.Data) == 1
	})
	item := queue.Data[0]
	if item.RetryCount != 1 || !strings.Contains(item.LastError, "500") {
		t.Errorf("item retry_count %d last_error %q", item.RetryCount, item.LastError)
	}
	if got := h.Webhooks.Attempts(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if got := len(h.Webhooks.Received()); got != 0 {
		t.Errorf("received = %d, want 0", got)
	}
}

func TestResilience_PermanentFailureNotRetried(t *testing.T) {
	h := NewTestHarness(t)
	createWebhookRule(t, h, 3)
	h.Webhooks.RespondWith(http.StatusGone)

	inst := h.CreateWorkorder(t, RequesterClaims(), "Window jammed")
	h.AssertStatus(t, h.Transition(RequesterClaims(), inst.ID, workorder.TransitionRequest{Action: model.ActionSubmit}), http.StatusOK)

	h.Eventually(t, "final failure log", func() bool {
		logs := listLogs(t, h, inst.ID)
		return len(logs) == 1 && logs[0].Final
	})
	if got := h.Webhooks.Attempts(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestResilience_SendNowReportsFailureInLog(t *testing.T) {
	h := NewTestHarness(t)
	h.Webhooks.RespondWith(http.StatusServiceUnavailable)

	var entry model.NotificationLog
	h.AssertJSON(t, h.POST("/api/v1/notifications/send", notify.SendRequest{
		Channel:    model.ChannelWebhook,
		Content:    "Fire drill at noon",
		WebhookURL: h.Webhooks.URL(),
	}, h.GenerateToken(AdminClaims())), http.StatusOK, &entry)
	if entry.Status != model.LogFailed || entry.ErrorMessage == "" {
		t.Errorf("log = %s %q", entry.Status, entry.ErrorMessage)
	}

	h.AssertJSON(t, h.POST("/api/v1/notifications/send", notify.SendRequest{
		Channel:    model.ChannelWebhook,
		Content:    "Fire drill at noon",
		WebhookURL: h.Webhooks.URL(),
	}, h.GenerateToken(AdminClaims())), http.StatusOK, &entry)
	if entry.Status != model.LogSuccess {
		t.Errorf("second send status = %s", entry.Status)
	}
}

func TestResilience_IdempotentTransitionReplay(t *testing.T) {
	backends(t, func(t *testing.T, h *TestHarness) {
		inst := h.CreateWorkorder(t, RequesterClaims(), "Heating off")
		req := workorder.TransitionRequest{Action: model.ActionSubmit, Comment: "Cold in here"}

		var first, second model.WorkorderInstance
		h.AssertJSON(t, h.Transition(RequesterClaims(), inst.ID, req, "Idempotency-Key", "submit-1"), http.StatusOK, &first)

		resp := h.Transition(RequesterClaims(), inst.ID, req, "Idempotency-Key", "submit-1")
		if resp.Header.Get("Idempotency-Replayed") != "true" {
			t.Error("second response not marked as replayed")
		}
		h.AssertJSON(t, resp, http.StatusOK, &second)
		if first.Version != second.Version || second.CurrentStep != "dispatch" {
			t.Errorf("replayed version %d step %q, want %d dispatch", second.Version, second.CurrentStep, first.Version)
		}
		if got := testutil.ToFloat64(h.Metrics.IdempotencyReplays); got != 1 {
			t.Errorf("replay metric = %v, want 1", got)
		}

		req.Comment = "Different body"
		resp = h.Transition(RequesterClaims(), inst.ID, req, "Idempotency-Key", "submit-1")
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("reused key status = %d, want 409", resp.StatusCode)
		}
		resp.Body.Close()

		var flow struct {
			Total int `json:"total"`
		}
		h.AssertJSON(t, h.GET("/api/v1/workorders/"+inst.ID+"/flow-log", h.GenerateToken(RequesterClaims())), http.StatusOK, &flow)
		if flow.Total != 1 {
			t.Errorf("flow log entries = %d, want 1", flow.Total)
		}
	})
}

func TestResilience_ConcurrentTransitionsCommitOnce(t *testing.T) {
	h := NewTestHarness(t)
	inst := h.CreateWorkorder(t, RequesterClaims(), "Server room too hot")

	const callers = 8
	statuses := make([]int, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.Transition(AdminClaims(), inst.ID, workorder.TransitionRequest{Action: model.ActionSubmit})
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}()
	}
	wg.Wait()

	var ok, conflict int
	for _, s := range statuses {
		switch s {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		}
	}
	if ok != 1 || conflict != callers-1 {
		t.Errorf("statuses = %v, want one 200 and %d 409", statuses, callers-1)
	}

	var got model.WorkorderInstance
	h.AssertJSON(t, h.GET("/api/v1/workorders/"+inst.ID, h.GenerateToken(AdminClaims())), http.StatusOK, &got)
	if got.Version != inst.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, inst.Version+1)
	}
}
