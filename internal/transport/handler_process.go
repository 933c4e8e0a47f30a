package transport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/workorder/internal/definition"
	"github.com/pitabwire/workorder/model"
)

func handleListProcesses(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ns := r.URL.Query().Get("namespace")
		procs := registry.AllProcesses()
		out := make([]*model.ProcessDefinition, 0, len(procs))
		for _, p := range procs {
			if ns != "" && p.Namespace != ns {
				continue
			}
			out = append(out, p)
		}
		WriteJSON(w, http.StatusOK, listResponse{Data: out, Total: len(out)})
	}
}

func handleGetProcess(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "processId")
		def, ok := registry.GetProcess(id)
		if !ok {
			WriteError(w, r, model.NewNotFoundError(fmt.Sprintf("process %q not found", id)))
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}
