package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/cvopt/internal/pipeline"
	"github.com/kalambet/cvopt/internal/storage"
)

type fakeStore struct {
	conversations map[string]storage.Conversation
	listErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{conversations: map[string]storage.Conversation{}}
}

func (f *fakeStore) ListConversations() ([]storage.ConversationSummary, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []storage.ConversationSummary
	for _, c := range f.conversations {
		out = append(out, storage.ConversationSummary{
			ID:           c.ID,
			JobPosition:  c.JobPosition,
			Company:      c.Company,
			MessageCount: len(c.Messages),
		})
	}
	return out, nil
}

func (f *fakeStore) LoadConversation(id string) (storage.Conversation, error) {
	c, ok := f.conversations[id]
	if !ok {
		return storage.Conversation{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) DeleteConversation(id string) error {
	if _, ok := f.conversations[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.conversations, id)
	return nil
}

type fakeOptimizer struct {
	analyzeRes *pipeline.TurnResult
	analyzeErr error
	analyzeIn  pipeline.AnalyzeInput
	refineRes  *pipeline.TurnResult
	refineErr  error
	refineMsg  string
	pdf        []byte
	pdfName    string
	pdfErr     error
}

func (f *fakeOptimizer) Analyze(_ context.Context, in pipeline.AnalyzeInput) (*pipeline.TurnResult, error) {
	f.analyzeIn = in
	return f.analyzeRes, f.analyzeErr
}

func (f *fakeOptimizer) Refine(_ context.Context, id, message string) (*pipeline.TurnResult, error) {
	f.refineMsg = message
	if f.refineErr != nil {
		return nil, f.refineErr
	}
	return f.refineRes, nil
}

func (f *fakeOptimizer) RenderCurrent(_ context.Context, id string) ([]byte, string, error) {
	if f.pdfErr != nil {
		return nil, "", f.pdfErr
	}
	return f.pdf, f.pdfName, nil
}

func setupHandler(t *testing.T) (http.Handler, *fakeStore, *fakeOptimizer) {
	t.Helper()
	store := newFakeStore()
	opt := &fakeOptimizer{}
	return NewAppHandler(AppDeps{Store: store, Optimizer: opt}), store, opt
}

func multipartAnalyze(t *testing.T, fields map[string]string, fileName, contentType string, fileData []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField(%s): %v", k, err)
		}
	}
	if fileData != nil {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{`form-data; name="resume"; filename="` + fileName + `"`}
		h["Content-Type"] = []string{contentType}
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		part.Write(fileData)
	}
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	h, _, _ := setupHandler(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q", body["status"])
	}
}

func TestAnalyze_OK(t *testing.T) {
	h, _, opt := setupHandler(t)
	opt.analyzeRes = &pipeline.TurnResult{
		ConversationID: "conv_abc",
		Explanation:    "Reworked the summary.",
		PDF:            []byte("%PDF-1.4 fake"),
	}

	req := multipartAnalyze(t, map[string]string{
		"jobPosition":    "Backend Engineer",
		"company":        "Acme",
		"jobDescription": "Go services",
	}, "resume.pdf", "application/pdf", []byte("%PDF-1.4 content"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["conversationId"] != "conv_abc" {
		t.Errorf("conversationId = %q", body["conversationId"])
	}
	if body["explanation"] != "Reworked the summary." {
		t.Errorf("explanation = %q", body["explanation"])
	}
	pdf, err := base64.StdEncoding.DecodeString(body["pdfBase64"])
	if err != nil || string(pdf) != "%PDF-1.4 fake" {
		t.Errorf("pdfBase64 = %q (decode err %v)", body["pdfBase64"], err)
	}

	if opt.analyzeIn.FileName != "resume.pdf" || opt.analyzeIn.ContentType != "application/pdf" {
		t.Errorf("upload metadata = %+v", opt.analyzeIn)
	}
	if opt.analyzeIn.JobPosition != "Backend Engineer" {
		t.Errorf("jobPosition = %q", opt.analyzeIn.JobPosition)
	}
}

func TestAnalyze_MissingFile(t *testing.T) {
	h, _, _ := setupHandler(t)
	req := multipartAnalyze(t, map[string]string{"jobPosition": "x"}, "", "", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "error") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAnalyze_ValidationErrorIs400(t *testing.T) {
	h, _, opt := setupHandler(t)
	opt.analyzeErr = &pipeline.ValidationError{Msg: "only PDF files are allowed"}

	req := multipartAnalyze(t, nil, "resume.txt", "text/plain", []byte("hi"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	var body map[string]string
	json.Unmarshal(rr.Body.Bytes(), &body)
	if body["error"] != "only PDF files are allowed" {
		t.Errorf("error = %q, want the validation message verbatim", body["error"])
	}
}

func TestAnalyze_UpstreamErrorIs500Generic(t *testing.T) {
	h, _, opt := setupHandler(t)
	opt.analyzeErr = &pipeline.UpstreamError{Msg: "analysis failed", Err: errors.New("api key rejected by upstream")}

	req := multipartAnalyze(t, nil, "resume.pdf", "application/pdf", []byte("x"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	var body map[string]string
	json.Unmarshal(rr.Body.Bytes(), &body)
	if body["error"] != "analysis failed" {
		t.Errorf("error = %q, want generic message", body["error"])
	}
	if strings.Contains(rr.Body.String(), "api key") {
		t.Error("upstream details leaked to the client")
	}
}

func TestListConversations_Empty(t *testing.T) {
	h, _, _ := setupHandler(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("body = %q, want empty array", got)
	}
}

func TestGetConversation_OK(t *testing.T) {
	h, store, _ := setupHandler(t)
	store.conversations["conv_1"] = storage.Conversation{
		ID:                 "conv_1",
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
		JobPosition:        "SRE",
		Company:            "Acme",
		OriginalResumeText: "secret resume text",
		CurrentHTML:        "<!DOCTYPE html><html></html>",
		Messages: []storage.Message{
			{Role: "user", Content: "Optimize my CV for this position."},
			{Role: "assistant", Content: "Done."},
		},
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/conversations/conv_1", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["id"] != "conv_1" || body["jobPosition"] != "SRE" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["originalResumeText"]; ok {
		t.Error("original resume text leaked into the response")
	}
	if msgs, ok := body["messages"].([]any); !ok || len(msgs) != 2 {
		t.Errorf("messages = %v", body["messages"])
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	h, _, _ := setupHandler(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/conversations/conv_missing", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestMessage_OK(t *testing.T) {
	h, _, opt := setupHandler(t)
	opt.refineRes = &pipeline.TurnResult{Explanation: "Bolded the titles.", PDF: []byte("pdf2")}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/conv_1/message",
		strings.NewReader(`{"message":"bold the titles"}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if opt.refineMsg != "bold the titles" {
		t.Errorf("forwarded message = %q", opt.refineMsg)
	}
	var body map[string]string
	json.Unmarshal(rr.Body.Bytes(), &body)
	if body["explanation"] != "Bolded the titles." {
		t.Errorf("explanation = %q", body["explanation"])
	}
}

func TestMessage_NotFound(t *testing.T) {
	h, _, opt := setupHandler(t)
	opt.refineErr = storage.ErrNotFound

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/conv_x/message",
		strings.NewReader(`{"message":"hello"}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestMessage_BlankIs400(t *testing.T) {
	h, _, opt := setupHandler(t)
	opt.refineErr = &pipeline.ValidationError{Msg: "message is required"}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/conv_1/message",
		strings.NewReader(`{"message":"  "}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestDownloadPDF(t *testing.T) {
	h, _, opt := setupHandler(t)
	opt.pdf = []byte("%PDF-1.4 binary")
	opt.pdfName = "optimized-cv-sre.pdf"

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/conversations/conv_1/pdf", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q", ct)
	}
	cd := rr.Header().Get("Content-Disposition")
	if !strings.Contains(cd, "attachment") || !strings.Contains(cd, "optimized-cv-sre.pdf") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if rr.Body.String() != "%PDF-1.4 binary" {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestDeleteConversation(t *testing.T) {
	h, store, _ := setupHandler(t)
	store.conversations["conv_1"] = storage.Conversation{ID: "conv_1"}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/conversations/conv_1", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]bool
	json.Unmarshal(rr.Body.Bytes(), &body)
	if !body["success"] {
		t.Errorf("body = %s", rr.Body.String())
	}
	if len(store.conversations) != 0 {
		t.Error("conversation not deleted")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/conversations/conv_1", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rr.Code)
	}
}

func TestRecoverPanics(t *testing.T) {
	h := NewAppHandler(AppDeps{Store: newFakeStore(), Optimizer: &panickyOptimizer{}})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/conv_1/message",
		strings.NewReader(`{"message":"boom"}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 after panic", rr.Code)
	}
}

type panickyOptimizer struct{ fakeOptimizer }

func (p *panickyOptimizer) Refine(context.Context, string, string) (*pipeline.TurnResult, error) {
	panic("unexpected model state")
}
