package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Stefan/orka-ppm-sub005/internal/log"
	"github.com/Stefan/orka-ppm-sub005/pkg/service"
	"github.com/Stefan/orka-ppm-sub005/pkg/storage"
)

// StartServer exposes the read side of the engine over HTTP. Routing and
// authentication for the full product API live elsewhere; this server carries
// only health and inspection endpoints.
func StartServer(port string, store storage.Store) error {
	audit := service.NewAuditService(store, log.GetLogger())
	svc := service.NewWorkflowService(store, audit, log.GetLogger())

	http.HandleFunc("/health", healthHandler)
	http.HandleFunc("/workflows", workflowsHandler(svc))
	http.HandleFunc("/instances/", instanceHandler(svc, audit))

	log.GetLogger().Infof("Starting Orka workflow server on :%s", port)
	return http.ListenAndServe(":"+port, nil)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Orka workflow server is running")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func workflowsHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		workflows, err := svc.ListWorkflows()
		if err != nil {
			log.GetLogger().Errorf("Failed to list workflows: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list workflows: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, workflows)
	}
}

// instanceHandler serves /instances/{id} and /instances/{id}/audit.
func instanceHandler(svc *service.WorkflowService, audit *service.AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/instances/")
		parts := strings.Split(strings.Trim(rest, "/"), "/")
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			http.Error(w, "Invalid instance ID", http.StatusBadRequest)
			return
		}

		if len(parts) > 1 && parts[1] == "audit" {
			trail, err := audit.GetAuditTrail(storage.AuditFilter{InstanceID: &id})
			if err != nil {
				log.GetLogger().Errorf("Failed to load audit trail for instance %d: %v", id, err)
				http.Error(w, fmt.Sprintf("Failed to load audit trail: %v", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, trail)
			return
		}

		inst, err := svc.GetInstance(id)
		if err != nil {
			if err == storage.ErrNotFound {
				http.Error(w, "Instance not found", http.StatusNotFound)
				return
			}
			log.GetLogger().Errorf("Failed to get instance %d: %v", id, err)
			http.Error(w, fmt.Sprintf("Failed to get instance: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	}
}
