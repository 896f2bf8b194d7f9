// Package pipeline drives a single optimization turn: validate, call the
// model, parse, render, persist.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/cvopt/internal/composer"
	"github.com/kalambet/cvopt/internal/extract"
	"github.com/kalambet/cvopt/internal/llm"
	"github.com/kalambet/cvopt/internal/prefs"
	"github.com/kalambet/cvopt/internal/reply"
	"github.com/kalambet/cvopt/internal/storage"
)

// MaxUploadSize is the resume upload ceiling.
const MaxUploadSize = 10 << 20

const analyzeSeedRequest = "Optimize my CV for this position."

// ConversationStore defines the persistence operations a turn needs.
// Implemented by storage.Store.
type ConversationStore interface {
	CreateConversation(c *storage.Conversation) error
	LoadConversation(id string) (storage.Conversation, error)
	SaveConversation(c *storage.Conversation) error
}

// Renderer turns an HTML document into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, html string) ([]byte, error)
}

// ScanQueue accepts background preference-scan jobs.
type ScanQueue interface {
	EnqueueJob(job storage.Job) error
}

// Optimizer orchestrates analyze and refine turns. It holds no per-turn
// state and is safe for concurrent use.
type Optimizer struct {
	store    ConversationStore
	prefs    *prefs.Manager
	client   llm.Client
	renderer Renderer
	queue    ScanQueue
	logger   *slog.Logger

	extractText func(data []byte) (string, error)
}

// NewOptimizer wires a turn orchestrator from its collaborators. queue may
// be nil, in which case refinements skip the background preference scan.
func NewOptimizer(store ConversationStore, manager *prefs.Manager, client llm.Client, renderer Renderer, queue ScanQueue) *Optimizer {
	return &Optimizer{
		store:    store,
		prefs:    manager,
		client:   client,
		renderer: renderer,
		queue:    queue,
		logger:   slog.Default(),

		extractText: extract.Text,
	}
}

// AnalyzeInput carries the upload and job fields for a new conversation.
type AnalyzeInput struct {
	FileName       string
	ContentType    string
	Data           []byte
	JobPosition    string
	Company        string
	JobDescription string
}

// TurnResult is what a completed turn returns to the transport layer.
type TurnResult struct {
	ConversationID string
	Explanation    string
	PDF            []byte
}

// Analyze runs a full first-turn optimization: extract the resume text,
// ask the model for a rewritten one-page HTML CV, render it, and persist a
// new conversation. Nothing is persisted if any downstream step fails.
func (o *Optimizer) Analyze(ctx context.Context, in AnalyzeInput) (*TurnResult, error) {
	if err := validateAnalyzeInput(in); err != nil {
		return nil, err
	}

	resumeText, err := o.extractText(in.Data)
	if err != nil {
		return nil, validationErrf("could not read the PDF file: %v", err)
	}
	resumeText = strings.TrimSpace(resumeText)
	if resumeText == "" {
		return nil, validationErrf("could not extract text from the PDF; scanned or image-only files are not supported")
	}

	// Model and render calls survive a client disconnect.
	ctx = context.WithoutCancel(ctx)

	raw, err := o.client.Complete(ctx, llm.Request{
		Messages: composer.AnalysisMessages(resumeText, in.JobPosition, in.Company, in.JobDescription, o.prefs.PromptBlock()),
	})
	if err != nil {
		return nil, &UpstreamError{Msg: "analysis failed", Err: err}
	}

	res := reply.Parse(raw, reply.ModeAnalyze)
	o.checkDocument(res, "")

	pdf, err := o.renderer.Render(ctx, res.Document)
	if err != nil {
		return nil, &UpstreamError{Msg: "PDF generation failed", Err: err}
	}

	now := time.Now().UTC()
	conv := storage.Conversation{
		ID:                 storage.NewConversationID(),
		CreatedAt:          now,
		UpdatedAt:          now,
		JobPosition:        in.JobPosition,
		Company:            in.Company,
		JobDescription:     in.JobDescription,
		OriginalResumeText: resumeText,
		OriginalFileName:   in.FileName,
		InitialHTML:        res.Document,
		CurrentHTML:        res.Document,
		Messages: []storage.Message{
			{Role: "user", Content: analyzeSeedRequest, Timestamp: now},
			{Role: "assistant", Content: res.Explanation, Timestamp: now},
		},
	}
	if err := o.store.CreateConversation(&conv); err != nil {
		return nil, fmt.Errorf("persisting conversation: %w", err)
	}

	o.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"position", in.JobPosition,
		"company", in.Company)

	return &TurnResult{ConversationID: conv.ID, Explanation: res.Explanation, PDF: pdf}, nil
}

// Refine applies one refinement request to an existing conversation. The
// returned PDF is rendered from this turn's extracted document, or from the
// previous document when the model reply carried none.
func (o *Optimizer) Refine(ctx context.Context, conversationID, message string) (*TurnResult, error) {
	conv, err := o.store.LoadConversation(conversationID)
	if err != nil {
		return nil, err
	}

	message = strings.TrimSpace(message)
	if message == "" {
		return nil, validationErrf("message is required")
	}

	ctx = context.WithoutCancel(ctx)

	prefsBlock := o.prefs.PromptBlock()
	raw, err := o.client.Complete(ctx, llm.Request{
		System:   composer.RefinementSystem(prefsBlock),
		Messages: composer.RefinementMessages(conv, message),
	})
	if err != nil {
		return nil, &UpstreamError{Msg: "refinement failed", Err: err}
	}

	res := reply.Parse(raw, reply.ModeRefine)
	doc := res.Document
	if res.Kind == reply.Unparseable {
		o.logger.Warn("model reply carried no document, keeping previous",
			"conversation_id", conv.ID)
		doc = conv.CurrentHTML
	} else {
		o.checkDocument(res, conv.ID)
	}

	// An inline preference is saved before the conversation so a crash
	// between the two never loses a learned rule.
	if res.PreferenceRule != "" {
		if err := o.prefs.Add(res.PreferenceRule, conv.ID); err != nil {
			o.logger.Warn("failed to save inline preference", "error", err)
		}
	}

	pdf, err := o.renderer.Render(ctx, doc)
	if err != nil {
		return nil, &UpstreamError{Msg: "PDF generation failed", Err: err}
	}

	now := time.Now().UTC()
	conv.CurrentHTML = doc
	conv.Messages = append(conv.Messages,
		storage.Message{Role: "user", Content: message, Timestamp: now},
		storage.Message{Role: "assistant", Content: res.Explanation, Timestamp: now},
	)
	if err := o.store.SaveConversation(&conv); err != nil {
		return nil, fmt.Errorf("persisting conversation: %w", err)
	}

	if o.queue != nil {
		if err := prefs.EnqueueScan(o.queue, message, conv.ID); err != nil {
			o.logger.Warn("failed to enqueue preference scan", "error", err)
		}
	}

	return &TurnResult{ConversationID: conv.ID, Explanation: res.Explanation, PDF: pdf}, nil
}

// RenderCurrent re-renders a conversation's current document and returns the
// PDF together with a download filename derived from the job position.
func (o *Optimizer) RenderCurrent(ctx context.Context, conversationID string) ([]byte, string, error) {
	conv, err := o.store.LoadConversation(conversationID)
	if err != nil {
		return nil, "", err
	}

	pdf, err := o.renderer.Render(context.WithoutCancel(ctx), conv.CurrentHTML)
	if err != nil {
		return nil, "", &UpstreamError{Msg: "PDF generation failed", Err: err}
	}
	return pdf, downloadFilename(conv.JobPosition), nil
}

func validateAnalyzeInput(in AnalyzeInput) error {
	if len(in.Data) == 0 {
		return validationErrf("resume PDF file is required")
	}
	if in.ContentType != "application/pdf" {
		return validationErrf("only PDF files are allowed")
	}
	if len(in.Data) > MaxUploadSize {
		return validationErrf("file exceeds the %d MB limit", MaxUploadSize>>20)
	}
	if strings.TrimSpace(in.JobPosition) == "" ||
		strings.TrimSpace(in.Company) == "" ||
		strings.TrimSpace(in.JobDescription) == "" {
		return validationErrf("job position, company, and job description are required")
	}
	return nil
}

func (o *Optimizer) checkDocument(res reply.Result, conversationID string) {
	if res.Kind == reply.Degraded {
		o.logger.Warn("model reply missing document marker, recovered by anchor",
			"conversation_id", conversationID)
	}
	if !reply.WellFormed(res.Document) {
		o.logger.Warn("extracted document does not parse as HTML",
			"conversation_id", conversationID)
	}
}

func downloadFilename(jobPosition string) string {
	slug := strings.ToLower(strings.Join(strings.Fields(jobPosition), "-"))
	if slug == "" {
		slug = "cv"
	}
	return "optimized-cv-" + slug + ".pdf"
}
