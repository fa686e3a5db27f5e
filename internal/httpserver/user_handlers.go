package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatsync/internal/domain"
)

func handleGetUser(users domain.UserRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "userID")
		user, err := users.GetByID(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}
