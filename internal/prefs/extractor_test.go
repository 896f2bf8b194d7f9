package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/cvopt/internal/llm"
	"github.com/kalambet/cvopt/internal/storage"
)

type fakeLLM struct {
	response string
	err      error
	lastReq  llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	f.lastReq = req
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type fakeQueue struct {
	jobs      []*storage.Job
	completed []string
	failed    []string
}

func (f *fakeQueue) ClaimNextJob(types []string) (*storage.Job, error) {
	if len(f.jobs) == 0 {
		return nil, nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job, nil
}

func (f *fakeQueue) CompleteJob(id string) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeQueue) FailJob(id string, errMsg string) error {
	f.failed = append(f.failed, id)
	return nil
}

func scanJob(t *testing.T, message string) *storage.Job {
	t.Helper()
	payload, err := json.Marshal(scanPayload{Message: message, ConversationID: "conv_1"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &storage.Job{ID: "j1", Type: JobTypeScan, PayloadJSON: string(payload), MaxAttempts: 1}
}

func TestClassify_SavesRule(t *testing.T) {
	store := &fakeStore{}
	client := &fakeLLM{response: "Always use bold for job titles"}
	e := NewExtractor(&fakeQueue{}, NewManager(store), client, 0)

	if err := e.Classify(context.Background(), "can you bold the job titles everywhere", "conv_9"); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(store.prefs) != 1 {
		t.Fatalf("expected 1 saved rule, got %d", len(store.prefs))
	}
	if store.prefs[0].SourceConversation != "conv_9" {
		t.Errorf("source = %q", store.prefs[0].SourceConversation)
	}
	if client.lastReq.MaxTokens != classifyMaxTokens {
		t.Errorf("classification max tokens = %d, want %d", client.lastReq.MaxTokens, classifyMaxTokens)
	}
}

func TestClassify_NoneDiscarded(t *testing.T) {
	store := &fakeStore{}
	e := NewExtractor(&fakeQueue{}, NewManager(store), &fakeLLM{response: "NONE"}, 0)

	if err := e.Classify(context.Background(), "add my phone number", "conv_1"); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(store.prefs) != 0 {
		t.Errorf("NONE answer was stored: %v", store.prefs)
	}
}

func TestClassify_LengthWindow(t *testing.T) {
	tests := []struct {
		name     string
		response string
		saved    bool
	}{
		{"too short", "bold", false},
		{"too long", strings.Repeat("x", 250), false},
		{"within window", "Always keep the CV to one page", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			e := NewExtractor(&fakeQueue{}, NewManager(store), &fakeLLM{response: tt.response}, 0)
			if err := e.Classify(context.Background(), "msg", "conv_1"); err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if got := len(store.prefs) == 1; got != tt.saved {
				t.Errorf("saved = %v, want %v", got, tt.saved)
			}
		})
	}
}

func TestClassify_ExistingRulesAsNegativeExamples(t *testing.T) {
	store := &fakeStore{prefs: []storage.Preference{{Rule: "Always make URLs clickable"}}}
	client := &fakeLLM{response: "NONE"}
	e := NewExtractor(&fakeQueue{}, NewManager(store), client, 0)

	if err := e.Classify(context.Background(), "make links open in new tabs", "conv_1"); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	prompt := client.lastReq.Messages[0].Content
	if !strings.Contains(prompt, "Already saved preferences (do NOT duplicate):") {
		t.Error("prompt missing negative-examples section")
	}
	if !strings.Contains(prompt, "Always make URLs clickable") {
		t.Error("prompt missing existing rule")
	}
}

func TestRunOnce_CompletesJob(t *testing.T) {
	queue := &fakeQueue{jobs: []*storage.Job{scanJob(t, "use bold job titles please")}}
	store := &fakeStore{}
	e := NewExtractor(queue, NewManager(store), &fakeLLM{response: "Always use bold job titles"}, 0)

	done, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("expected a job to be processed")
	}
	if len(queue.completed) != 1 {
		t.Errorf("job not completed: %+v", queue)
	}
}

func TestRunOnce_ModelFailureIsSwallowed(t *testing.T) {
	queue := &fakeQueue{jobs: []*storage.Job{scanJob(t, "whatever")}}
	e := NewExtractor(queue, NewManager(&fakeStore{}), &fakeLLM{err: errors.New("model down")}, 0)

	done, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce surfaced a scan failure: %v", err)
	}
	if !done {
		t.Fatal("expected the job to be consumed")
	}
	if len(queue.failed) != 1 {
		t.Errorf("job not marked failed: %+v", queue)
	}
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	e := NewExtractor(&fakeQueue{}, NewManager(&fakeStore{}), &fakeLLM{}, 0)
	done, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("expected no job processed on empty queue")
	}
}

func TestEnqueueScan_SingleAttempt(t *testing.T) {
	var captured storage.Job
	q := enqueueFunc(func(j storage.Job) error {
		captured = j
		return nil
	})
	if err := EnqueueScan(q, "bold the titles", "conv_3"); err != nil {
		t.Fatalf("EnqueueScan: %v", err)
	}
	if captured.Type != JobTypeScan {
		t.Errorf("job type = %q", captured.Type)
	}
	if captured.MaxAttempts != 1 {
		t.Errorf("max attempts = %d, want 1 (scans are never retried)", captured.MaxAttempts)
	}
	var payload scanPayload
	if err := json.Unmarshal([]byte(captured.PayloadJSON), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Message != "bold the titles" || payload.ConversationID != "conv_3" {
		t.Errorf("payload = %+v", payload)
	}
}

type enqueueFunc func(storage.Job) error

func (f enqueueFunc) EnqueueJob(j storage.Job) error { return f(j) }
