package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/cvopt/internal/llm"
	"github.com/kalambet/cvopt/internal/storage"
)

// JobTypeScan is the queue type for background preference scans.
const JobTypeScan = "pref_scan"

// noneSentinel is the model's literal answer when a request carries no
// reusable preference.
const noneSentinel = "NONE"

// Accepted rule lengths. Anything outside this window is treated as the
// model rambling and discarded.
const (
	minRuleLen = 5
	maxRuleLen = 200
)

const classifyMaxTokens = 200

// JobQueue abstracts the job claim/complete operations the extractor needs.
// Implemented by storage.Store.
type JobQueue interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

type scanPayload struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

// EnqueueScan records a single-attempt background scan of a user request.
// Scans are fire-and-forget: a failed scan is logged and never retried.
func EnqueueScan(q interface{ EnqueueJob(storage.Job) error }, message, conversationID string) error {
	payload, err := json.Marshal(scanPayload{Message: message, ConversationID: conversationID})
	if err != nil {
		return err
	}
	return q.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeScan,
		PayloadJSON: string(payload),
		MaxAttempts: 1,
	})
}

// Extractor is the background worker that classifies refinement requests
// into durable style rules. It shares no state with the request path beyond
// the store; its failures never reach a user.
type Extractor struct {
	jobs    JobQueue
	manager *Manager
	client  llm.Client
	poll    time.Duration
	logger  *slog.Logger
}

// NewExtractor creates an Extractor. If pollInterval is <= 0, it defaults
// to 500ms.
func NewExtractor(jobs JobQueue, manager *Manager, client llm.Client, pollInterval time.Duration) *Extractor {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Extractor{
		jobs:    jobs,
		manager: manager,
		client:  client,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for scan jobs until ctx is cancelled.
func (e *Extractor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := e.RunOnce(ctx)
		if err != nil {
			e.logger.Error("preference scan iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.poll):
		}
	}
}

// RunOnce claims and processes a single scan job. Returns true if a job was
// processed, regardless of outcome.
func (e *Extractor) RunOnce(ctx context.Context) (bool, error) {
	job, err := e.jobs.ClaimNextJob([]string{JobTypeScan})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := e.processJob(ctx, job); err != nil {
		e.logger.Warn("preference scan failed (non-critical)", "job_id", job.ID, "error", err)
		if failErr := e.jobs.FailJob(job.ID, err.Error()); failErr != nil {
			e.logger.Error("failed to mark scan job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := e.jobs.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (e *Extractor) processJob(ctx context.Context, job *storage.Job) error {
	var payload scanPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	return e.Classify(ctx, payload.Message, payload.ConversationID)
}

// Classify asks the model whether the request encodes a reusable style rule
// and saves the rule if so. Existing rules are supplied as negative examples
// so the model does not re-learn them.
func (e *Extractor) Classify(ctx context.Context, userMessage, conversationID string) error {
	existing := e.manager.List()
	var rules []string
	for _, p := range existing {
		rules = append(rules, p.Rule)
	}

	result, err := e.client.Complete(ctx, llm.Request{
		MaxTokens: classifyMaxTokens,
		Messages: []llm.Message{{
			Role:    "user",
			Content: classifyPrompt(userMessage, strings.Join(rules, "\n")),
		}},
	})
	if err != nil {
		return fmt.Errorf("classification call: %w", err)
	}

	result = strings.TrimSpace(result)
	if result == noneSentinel || len(result) <= minRuleLen || len(result) >= maxRuleLen {
		return nil
	}
	return e.manager.Add(result, conversationID)
}

func classifyPrompt(userMessage, existingRules string) string {
	var sb strings.Builder
	sb.WriteString(`Analyze this CV refinement request from a user. Determine if it contains a REUSABLE style/formatting preference that should be automatically applied to ALL future CV optimizations.

A reusable preference is a general formatting/style rule, NOT a content-specific change for one CV.

REUSABLE examples: "make links clickable", "use bold for job titles", "keep it to one page", "put name and role on same line"
NOT reusable examples: "add my phone number", "remove the education section", "change the company name"

User's request: "`)
	sb.WriteString(userMessage)
	sb.WriteString("\"\n\n")
	if existingRules != "" {
		sb.WriteString("Already saved preferences (do NOT duplicate):\n")
		sb.WriteString(existingRules)
		sb.WriteString("\n")
	}
	sb.WriteString(`If this IS a reusable preference, respond with ONLY the rule as a concise instruction (e.g. "Always make URLs clickable with target=_blank to open in new tabs").
If this is NOT a reusable preference, respond with exactly: NONE`)
	return sb.String()
}
