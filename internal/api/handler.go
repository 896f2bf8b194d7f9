// Package api exposes the optimizer over HTTP and MCP.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/cvopt/internal/pipeline"
	"github.com/kalambet/cvopt/internal/storage"
)

// ConversationReader abstracts the read/delete side of the conversation
// store for the API layer. Implemented by storage.Store.
type ConversationReader interface {
	ListConversations() ([]storage.ConversationSummary, error)
	LoadConversation(id string) (storage.Conversation, error)
	DeleteConversation(id string) error
}

// TurnRunner abstracts the turn orchestrator. Implemented by
// pipeline.Optimizer.
type TurnRunner interface {
	Analyze(ctx context.Context, in pipeline.AnalyzeInput) (*pipeline.TurnResult, error)
	Refine(ctx context.Context, conversationID, message string) (*pipeline.TurnResult, error)
	RenderCurrent(ctx context.Context, conversationID string) ([]byte, string, error)
}

type AppDeps struct {
	Store     ConversationReader
	Optimizer TurnRunner
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(recoverPanics)

	r.Get("/health", handleHealth())

	r.Post("/api/analyze", handleAnalyze(deps))
	r.Get("/api/conversations", handleListConversations(deps))
	r.Get("/api/conversations/{id}", handleGetConversation(deps))
	r.Post("/api/conversations/{id}/message", handleMessage(deps))
	r.Get("/api/conversations/{id}/pdf", handleDownloadPDF(deps))
	r.Delete("/api/conversations/{id}", handleDeleteConversation(deps))

	return r
}

// recoverPanics keeps the server up on a panicking handler; the panic is
// logged and the client gets a generic 500.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panicked",
					"panic", rec,
					"path", r.URL.Path,
					"stack", string(debug.Stack()))
				httpError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleAnalyze(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, pipeline.MaxUploadSize+1<<20)
		if err := r.ParseMultipartForm(pipeline.MaxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid multipart form: %v", err)
			return
		}

		file, header, err := r.FormFile("resume")
		if err != nil {
			httpError(w, http.StatusBadRequest, "resume PDF file is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "failed to read upload: %v", err)
			return
		}

		res, err := deps.Optimizer.Analyze(r.Context(), pipeline.AnalyzeInput{
			FileName:       header.Filename,
			ContentType:    header.Header.Get("Content-Type"),
			Data:           data,
			JobPosition:    r.FormValue("jobPosition"),
			Company:        r.FormValue("company"),
			JobDescription: r.FormValue("jobDescription"),
		})
		if err != nil {
			turnError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"conversationId": res.ConversationID,
			"explanation":    res.Explanation,
			"pdfBase64":      base64.StdEncoding.EncodeToString(res.PDF),
		})
	}
}

func handleListConversations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summaries, err := deps.Store.ListConversations()
		if err != nil {
			slog.Error("listing conversations failed", "error", err)
			httpError(w, http.StatusInternalServerError, "failed to list conversations")
			return
		}
		if summaries == nil {
			summaries = []storage.ConversationSummary{}
		}
		writeJSON(w, http.StatusOK, summaries)
	}
}

// conversationView is the single-conversation response shape. The original
// resume text stays server-side.
type conversationView struct {
	ID               string            `json:"id"`
	CreatedAt        string            `json:"createdAt"`
	UpdatedAt        string            `json:"updatedAt"`
	JobPosition      string            `json:"jobPosition"`
	Company          string            `json:"company"`
	JobDescription   string            `json:"jobDescription"`
	OriginalFileName string            `json:"originalFileName"`
	CurrentHTML      string            `json:"currentHtml"`
	Messages         []storage.Message `json:"messages"`
}

func handleGetConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := deps.Store.LoadConversation(chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "conversation not found")
				return
			}
			slog.Error("loading conversation failed", "error", err)
			httpError(w, http.StatusInternalServerError, "failed to load conversation")
			return
		}

		writeJSON(w, http.StatusOK, conversationView{
			ID:               conv.ID,
			CreatedAt:        conv.CreatedAt.Format(timeFormat),
			UpdatedAt:        conv.UpdatedAt.Format(timeFormat),
			JobPosition:      conv.JobPosition,
			Company:          conv.Company,
			JobDescription:   conv.JobDescription,
			OriginalFileName: conv.OriginalFileName,
			CurrentHTML:      conv.CurrentHTML,
			Messages:         conv.Messages,
		})
	}
}

func handleMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}

		res, err := deps.Optimizer.Refine(r.Context(), chi.URLParam(r, "id"), body.Message)
		if err != nil {
			turnError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"explanation": res.Explanation,
			"pdfBase64":   base64.StdEncoding.EncodeToString(res.PDF),
		})
	}
}

func handleDownloadPDF(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pdf, filename, err := deps.Optimizer.RenderCurrent(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			turnError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		w.WriteHeader(http.StatusOK)
		w.Write(pdf)
	}
}

func handleDeleteConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteConversation(chi.URLParam(r, "id")); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "conversation not found")
				return
			}
			slog.Error("deleting conversation failed", "error", err)
			httpError(w, http.StatusInternalServerError, "failed to delete conversation")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// turnError maps orchestrator errors onto the HTTP taxonomy: validation
// 400, unknown conversation 404, everything else 500 with details logged
// but not surfaced.
func turnError(w http.ResponseWriter, err error) {
	var verr *pipeline.ValidationError
	var uerr *pipeline.UpstreamError
	switch {
	case errors.As(err, &verr):
		httpError(w, http.StatusBadRequest, "%s", verr.Msg)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "conversation not found")
	case errors.As(err, &uerr):
		slog.Error("turn failed", "error", err)
		httpError(w, http.StatusInternalServerError, "%s", uerr.Msg)
	default:
		slog.Error("turn failed", "error", err)
		httpError(w, http.StatusInternalServerError, "internal server error")
	}
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}
