package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/modista/shopagent/internal/agents"
	"github.com/modista/shopagent/internal/ai"
	"github.com/modista/shopagent/internal/config"
	"github.com/modista/shopagent/internal/llm"
	"github.com/modista/shopagent/internal/logger"
	"github.com/modista/shopagent/internal/prompts"
	"github.com/modista/shopagent/internal/queue"
	"github.com/modista/shopagent/internal/search"
	"github.com/modista/shopagent/internal/session"
	"github.com/modista/shopagent/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		return
	}
	logger.SetLevel(cfg.Log.Level)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.L.Error("failed to open store", "error", err)
		return
	}
	defer st.Close()

	audit := agents.NewAuditLogger(st)
	llmClient := llm.NewClient(cfg.LLM)
	aiClient := ai.NewClient(llmClient, cfg.LLM, prompts.New(st), audit)
	searcher := search.NewClient(cfg.Search)
	q := queue.New(cfg.AgentQueue.Concurrency)
	mode := session.NewModeSwitch(queue.ParseMode(cfg.AgentQueue.Mode))
	svc := session.NewService(st, aiClient, searcher, q, mode, audit)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID     string   `json:"userId"`
			Priorities []string `json:"priorities"`
			ProfileID  string   `json:"profileId"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		sess, err := svc.CreateSession(r.Context(), req.UserID, req.Priorities, req.ProfileID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"sessionId": sess.ID})
	})

	mux.HandleFunc("POST /sessions/{id}/query", func(w http.ResponseWriter, r *http.Request) {
		var req session.QueryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		resp, err := svc.SubmitQuery(r.Context(), r.PathValue("id"), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("POST /sessions/{id}/feedback", func(w http.ResponseWriter, r *http.Request) {
		var req session.FeedbackRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Message == "" {
			http.Error(w, "message is required", http.StatusBadRequest)
			return
		}
		resp, err := svc.SubmitFeedback(r.Context(), r.PathValue("id"), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("GET /sessions/{id}/results", func(w http.ResponseWriter, r *http.Request) {
		page := intQuery(r, "page", 1)
		limit := intQuery(r, "limit", 20)
		resp, err := svc.GetResults(r.Context(), r.PathValue("id"), page, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("POST /sessions/{id}/choice/{resultId}", func(w http.ResponseWriter, r *http.Request) {
		productURL, err := svc.ChooseProduct(r.Context(), r.PathValue("id"), r.PathValue("resultId"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"productUrl": productURL})
	})

	mux.HandleFunc("GET /sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		messages, err := svc.GetMessages(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"messages": messages})
	})

	mux.HandleFunc("GET /sessions/{id}/communications", func(w http.ResponseWriter, r *http.Request) {
		comms, err := svc.GetAgentCommunications(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"communications": comms})
	})

	mux.HandleFunc("GET /admin/execution-mode", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"mode": string(svc.Mode().Get())})
	})

	mux.HandleFunc("PUT /admin/execution-mode", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Mode string `json:"mode"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		svc.Mode().Set(queue.ParseMode(req.Mode))
		writeJSON(w, map[string]string{"mode": string(svc.Mode().Get())})
	})

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.L.Info("starting server", "address", serverAddr)
	if err := http.ListenAndServe(serverAddr, mux); err != nil {
		logger.L.Error("failed to start server", "error", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Error("response encode error", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	logger.L.Error("request failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}
