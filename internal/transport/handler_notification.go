package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/workorder/internal/notify"
	"github.com/pitabwire/workorder/model"
)

func handleCreateConfig(admin *notify.Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg model.NotificationConfig
		if err := decodeJSON(r, &cfg); err != nil {
			WriteError(w, r, err)
			return
		}
		created, err := admin.CreateConfig(r.Context(), cfg)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleListConfigs(admin *notify.Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := notify.ConfigFilter{
			EventType: model.EventType(q.Get("event_type")),
			Status:    q.Get("status"),
			Namespace: q.Get("namespace"),
		}
		configs, err := admin.ListConfigs(r.Context(), filter)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse{Data: configs, Total: len(configs)})
	}
}

func handleGetConfig(admin *notify.Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := admin.GetConfig(r.Context(), chi.URLParam(r, "configId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, cfg)
	}
}

func handleUpdateConfig(admin *notify.Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg model.NotificationConfig
		if err := decodeJSON(r, &cfg); err != nil {
			WriteError(w, r, err)
			return
		}
		updated, err := admin.UpdateConfig(r.Context(), chi.URLParam(r, "configId"), cfg)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func handleDeleteConfig(admin *notify.Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := admin.DeleteConfig(r.Context(), chi.URLParam(r, "configId")); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleTestSend(admin *notify.Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req notify.TestSendRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
		item, err := admin.TestSend(r.Context(), chi.URLParam(r, "configId"), req)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, item)
	}
}

// handleSendNow delivers an ad hoc message synchronously. A failed delivery
// is still a 200: the log row carries the outcome.
func handleSendNow(admin *notify.Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req notify.SendRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
		entry, err := admin.SendNow(r.Context(), req)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, entry)
	}
}

func handleListQueue(admin *notify.Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := model.QueueFilter{
			Status:     q.Get("status"),
			Channel:    model.Channel(q.Get("channel")),
			InstanceID: q.Get("instance_id"),
			Limit:      queryInt(r, "limit", 50),
			Offset:     queryInt(r, "offset", 0),
		}
		items, total, err := admin.ListQueue(r.Context(), filter)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse{Data: items, Total: total, Limit: filter.Limit, Offset: filter.Offset})
	}
}

func handleListLogs(admin *notify.Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := model.LogFilter{
			QueueItemID:    q.Get("queue_item_id"),
			NotificationID: q.Get("notification_id"),
			InstanceID:     q.Get("instance_id"),
			Channel:        model.Channel(q.Get("channel")),
			Status:         q.Get("status"),
			Limit:          queryInt(r, "limit", 50),
			Offset:         queryInt(r, "offset", 0),
		}
		logs, total, err := admin.ListLogs(r.Context(), filter)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse{Data: logs, Total: total, Limit: filter.Limit, Offset: filter.Offset})
	}
}
