package api

import (
	"errors"
	"net/http"

	"github.com/StepTenInc/contentflow/pkg/queue"
	"github.com/StepTenInc/contentflow/pkg/store"
)

type queueCommand struct {
	Action string `json:"action"`
	ItemID string `json:"itemId"`
}

func (s *Server) handleQueueOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := s.worker.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// handleQueueCommand controls the worker: start, stop, or process-single.
func (s *Server) handleQueueCommand(w http.ResponseWriter, r *http.Request) {
	var cmd queueCommand
	if !decode(w, r, &cmd) {
		return
	}
	switch cmd.Action {
	case "start":
		s.worker.Start()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "queue engine started"})
	case "stop":
		s.worker.Stop()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "queue engine stopped after the current item"})
	case "process-single":
		if cmd.ItemID == "" {
			writeError(w, http.StatusBadRequest, "itemId is required")
			return
		}
		res, err := s.worker.Process(r.Context(), cmd.ItemID)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeError(w, http.StatusBadRequest, "invalid action, use: start, stop, process-single")
	}
}

// handleQueueAction applies an admin action to one item.
func (s *Server) handleQueueAction(w http.ResponseWriter, r *http.Request) {
	var cmd queueCommand
	if !decode(w, r, &cmd) {
		return
	}
	if cmd.ItemID == "" {
		writeError(w, http.StatusBadRequest, "itemId is required")
		return
	}
	action, err := queue.ParseAction(cmd.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	item, err := queue.Apply(r.Context(), s.store, cmd.ItemID, action)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.InfoContext(r.Context(), "queue action applied", "queue_item_id", item.ID, "action", action, "status", item.Status)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "item": item})
}

func (s *Server) handleQueueAdd(w http.ResponseWriter, r *http.Request) {
	var item store.QueueItem
	if !decode(w, r, &item) {
		return
	}
	if err := queue.Add(r.Context(), s.store, &item); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrNoTitle) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	s.worker.Wake()
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "item": item})
}
