package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/workorder/internal/idempotency"
	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/internal/workorder"
	"github.com/pitabwire/workorder/model"
)

const maxBodyBytes = 1 << 20

func handleCreateWorkorder(engine *workorder.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workorder.CreateRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
		inst, err := engine.Create(r.Context(), model.RequestContextFrom(r.Context()), req)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleListWorkorders(engine *workorder.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := model.InstanceFilter{
			ProcessID:  q.Get("process_id"),
			Namespace:  q.Get("namespace"),
			Status:     model.InstanceStatus(q.Get("status")),
			AssigneeID: q.Get("assignee_id"),
			OperatorID: q.Get("operator_id"),
			Limit:      queryInt(r, "limit", 0),
			Offset:     queryInt(r, "offset", 0),
		}
		if filter.Status != "" && !filter.Status.Valid() {
			WriteError(w, r, model.NewBadRequestError("unknown status "+string(filter.Status)))
			return
		}
		items, total, err := engine.List(r.Context(), filter)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse{Data: items, Total: total, Limit: filter.Limit, Offset: filter.Offset})
	}
}

func handleGetWorkorder(engine *workorder.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := engine.Get(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleUpdateWorkorder(engine *workorder.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workorder.UpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
		rctx := model.RequestContextFrom(r.Context())
		inst, err := engine.Update(r.Context(), rctx, chi.URLParam(r, "instanceId"), req)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleDeleteWorkorder(engine *workorder.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if err := engine.Delete(r.Context(), rctx, chi.URLParam(r, "instanceId")); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleTransition applies one action. With an Idempotency-Key header a
// successful response is stored and replayed for repeats of the same body;
// a repeat with a different body is a CONFLICT.
func handleTransition(engine *workorder.Engine, store idempotency.Store, ttl time.Duration, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		instanceID := chi.URLParam(r, "instanceId")

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			WriteError(w, r, model.NewBadRequestError("unreadable body"))
			return
		}
		var req workorder.TransitionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}

		idemKey := r.Header.Get("Idempotency-Key")
		if store == nil || idemKey == "" {
			inst, err := engine.Transition(r.Context(), rctx, instanceID, req)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			WriteJSON(w, http.StatusOK, inst)
			return
		}

		key := idempotency.Key(rctx.SubjectID, instanceID, idemKey)
		hash := idempotency.HashInput(bytes.TrimSpace(body))
		cached, found, err := store.Check(r.Context(), key, hash)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if found {
			metrics.RecordIdempotencyReplay()
			w.Header().Set(headerReplayed, "true")
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(cached.Status)
			w.Write(cached.Body)
			return
		}

		inst, err := engine.Transition(r.Context(), rctx, instanceID, req)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		out, err := json.Marshal(inst)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		resp := idempotency.Response{Status: http.StatusOK, Body: out}
		if err := store.Save(r.Context(), key, hash, resp, ttl); err != nil {
			observability.RequestLogger(r.Context(), zap.L()).Warn("idempotency store failed",
				zap.String("instance_id", instanceID), zap.Error(err))
		}
		WriteJSON(w, http.StatusOK, json.RawMessage(out))
	}
}

func handleAvailableActions(engine *workorder.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actions, err := engine.AvailableActions(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"actions": actions})
	}
}

func handleComment(engine *workorder.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Comment string `json:"comment"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		rctx := model.RequestContextFrom(r.Context())
		entry, err := engine.Comment(r.Context(), rctx, chi.URLParam(r, "instanceId"), body.Comment)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, entry)
	}
}

func handleFlowLog(engine *workorder.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flow, err := engine.FlowLog(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse{Data: flow, Total: len(flow)})
	}
}

func handleTimeline(engine *workorder.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := engine.Timeline(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse{Data: entries, Total: len(entries)})
	}
}

func handleReplay(engine *workorder.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := engine.Replay(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
