package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/repository"
)

// handleModelURLs resolves download URLs for a batch of mesh models, keyed
// by model id. One unknown id fails the whole batch.
func (s *Server) handleModelURLs(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.currentUser(w, r); !ok {
		return
	}

	raw := r.URL.Query()["id"]
	if len(raw) == 0 {
		sendError(w, "at least one id is required", http.StatusBadRequest)
		return
	}
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			sendError(w, "invalid model id", http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}

	urls, err := s.stores.Models.URLs(r.Context(), ids)
	if errors.Is(err, repository.ErrNotFound) {
		sendError(w, "model not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Model URL batch failed",
			zap.Int("count", len(ids)),
			zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, urls)
}

func (s *Server) handleModelURL(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.currentUser(w, r); !ok {
		return
	}
	modelID, err := pathID(r, "model_id")
	if err != nil {
		sendError(w, "invalid model id", http.StatusBadRequest)
		return
	}

	url, err := s.stores.Models.URL(r.Context(), modelID)
	if errors.Is(err, repository.ErrNotFound) {
		sendError(w, "model not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Model URL failed",
			zap.Int64("model_id", modelID),
			zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, url)
}

func (s *Server) handleAddFavorite(w http.ResponseWriter, r *http.Request) {
	s.setFavorite(w, r, true)
}

func (s *Server) handleRemoveFavorite(w http.ResponseWriter, r *http.Request) {
	s.setFavorite(w, r, false)
}

// setFavorite flips mesh model ownership: favoriting links the model to the
// caller, unfavoriting releases it.
func (s *Server) setFavorite(w http.ResponseWriter, r *http.Request, favorite bool) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	modelID, err := pathID(r, "model_id")
	if err != nil {
		sendError(w, "invalid model id", http.StatusBadRequest)
		return
	}

	var owner *int64
	if favorite {
		owner = &user.ID
	}
	switch err := s.stores.Models.SetOwner(r.Context(), modelID, owner); {
	case errors.Is(err, repository.ErrNotFound):
		sendError(w, "model not found", http.StatusNotFound)
	case err != nil:
		s.logger.Error("Model owner update failed",
			zap.Int64("model_id", modelID),
			zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListFavorites(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	models, err := s.stores.Models.ListByOwner(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("Favorite list failed",
			zap.Int64("user_id", user.ID),
			zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if models == nil {
		models = []repository.Model{}
	}
	sendJSON(w, http.StatusOK, models)
}
