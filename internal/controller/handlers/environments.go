package handlers

import (
	"net/http"

	"stagepool/internal/store"
	"stagepool/pkg/api"
)

// ListEnvironments handles GET /environments, the operator view of
// the pool. Credentials never leave the store through this endpoint.
func (h *Handlers) ListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := h.store.ListEnvironments(r.Context())
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}

	state := store.PoolState(r.URL.Query().Get("pool_state"))

	resp := api.ListEnvironmentsResponse{Environments: make([]api.EnvironmentResponse, 0, len(envs))}
	for _, env := range envs {
		if state != "" && env.PoolState != state {
			continue
		}
		resp.Environments = append(resp.Environments, api.EnvironmentResponse{
			ID:           env.ID.String(),
			Name:         env.Name,
			PoolState:    string(env.PoolState),
			OwnerID:      env.OwnerID,
			Endpoint:     env.Endpoint,
			CreatedAt:    env.CreatedAt,
			TTLExpiresAt: env.TTLExpiresAt,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}
