package server

import (
	"net/http"
	"strings"

	"github.com/scrimtrack/scrimtrack/tracker"
)

// HandleTrackersDispatcher routes requests under /trackers/{key}/{op} to the
// per-operation handlers.
func (h *Handlers) HandleTrackersDispatcher(w http.ResponseWriter, r *http.Request) {
	// crude routing
	path := strings.TrimPrefix(r.URL.Path, "/trackers/")
	parts := strings.Split(path, "/")
	seriesKey := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	if seriesKey == "" {
		http.NotFound(w, r)
		return
	}

	if tail == "status" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleStatus(w, r, seriesKey)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch tail {
	case "start":
		h.handleStart(w, r, seriesKey)
	case "pause":
		h.handlePause(w, r, seriesKey)
	case "resume":
		h.handleResume(w, r, seriesKey)
	case "stop":
		h.handleStop(w, r, seriesKey)
	case "refresh":
		h.handleRefresh(w, r, seriesKey)
	case "repost":
		h.handleRepost(w, r, seriesKey)
	case "substitution":
		h.handleSubstitution(w, r, seriesKey)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleStart(w http.ResponseWriter, r *http.Request, seriesKey string) {
	var req tracker.StartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := h.manager.Tracker(seriesKey).Start(r.Context(), req)
	if err != nil {
		writeTrackerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": st})
}

func (h *Handlers) handlePause(w http.ResponseWriter, r *http.Request, seriesKey string) {
	st, err := h.manager.Tracker(seriesKey).Pause(r.Context())
	if err != nil {
		writeTrackerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": st})
}

func (h *Handlers) handleResume(w http.ResponseWriter, r *http.Request, seriesKey string) {
	st, err := h.manager.Tracker(seriesKey).Resume(r.Context())
	if err != nil {
		writeTrackerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": st})
}

func (h *Handlers) handleStop(w http.ResponseWriter, r *http.Request, seriesKey string) {
	st, err := h.manager.Tracker(seriesKey).Stop(r.Context())
	if err != nil {
		writeTrackerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": st})
}

func (h *Handlers) handleRefresh(w http.ResponseWriter, r *http.Request, seriesKey string) {
	var req struct {
		MatchCompleted bool `json:"matchCompleted"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := h.manager.Tracker(seriesKey).Refresh(r.Context(), req.MatchCompleted)
	if err != nil {
		writeTrackerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": st})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request, seriesKey string) {
	st, err := h.manager.Tracker(seriesKey).Status(r.Context())
	if err != nil {
		writeTrackerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": st})
}

func (h *Handlers) handleRepost(w http.ResponseWriter, r *http.Request, seriesKey string) {
	var req struct {
		NewMessageID string `json:"newMessageId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	oldID, err := h.manager.Tracker(seriesKey).Repost(r.Context(), req.NewMessageID)
	if err != nil {
		writeTrackerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"oldMessageId": oldID,
		"newMessageId": req.NewMessageID,
	})
}

func (h *Handlers) handleSubstitution(w http.ResponseWriter, r *http.Request, seriesKey string) {
	var req struct {
		PlayerOutID string `json:"playerOutId"`
		PlayerInID  string `json:"playerInId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sub, err := h.manager.Tracker(seriesKey).Substitute(r.Context(), req.PlayerOutID, req.PlayerInID)
	if err != nil {
		writeTrackerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "substitution": sub})
}
