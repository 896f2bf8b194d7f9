// Package composer assembles the prompts and bounded message sequences sent
// to the model for analyze and refine turns.
package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/cvopt/internal/llm"
	"github.com/kalambet/cvopt/internal/reply"
	"github.com/kalambet/cvopt/internal/storage"
)

// MaxHistoryPairs caps how many recent user/assistant exchanges are replayed
// into a refinement prompt. Older pairs are silently dropped from the prompt
// but never from the persisted record.
const MaxHistoryPairs = 5

const analysisPromptTemplate = `You are a professional CV/resume optimizer. I will give you a resume and a target job description.

Your task:
1. Analyze the structure, sections, and layout of the original resume below.
2. Rewrite and optimize the resume content to better match the target job description.
3. IMPORTANT: Do NOT add any skills, technologies, or experiences that are not already present in the original resume. Only improve wording, emphasis, ordering, and presentation of existing content.
4. Keep the same sections and structure as the original.%s

Your response MUST have two parts, separated by the exact marker %s:
Part 1: A brief summary of the optimizations you made (2-4 sentences).
Part 2: The complete HTML document with inline CSS starting with <!DOCTYPE html>.

The HTML must:
- Reproduce the same visual structure and section layout as the original resume
- Use clean, professional styling (fonts, spacing, colors) similar to the original
- Be designed to fit on exactly ONE printed A4 page (use appropriate font sizes and margins)
- Contain the optimized resume content

Target position: %s at %s

Job description:
%s

Original resume:
%s`

const refinementSystemTemplate = `You are a professional CV/resume optimizer in an iterative refinement conversation.

RULES:
1. NEVER add skills, technologies, or experiences not present in the original resume.
2. Modify the current CV HTML based on the user's request.
3. Your response MUST have these parts, separated by exact markers:
   Part 1: A brief explanation of what you changed (2-4 sentences).
   Then the marker %s
   Part 2: The complete updated HTML document starting with <!DOCTYPE html>.
   Then optionally, if the user's request represents a REUSABLE style/formatting preference that should apply to ALL future CVs (not a one-off change specific to this CV's content), add:
   %s
   A single concise rule (e.g. "Always make URLs clickable with target=_blank")
4. The HTML must be a complete, self-contained document with inline CSS that fits on exactly ONE printed A4 page.
5. Always output the FULL HTML document, not a partial diff.%s`

// AnalysisMessages builds the single-message prompt for a first analysis.
// prefsBlock is the live preference block; empty when no rules are learned.
func AnalysisMessages(resumeText, jobPosition, company, jobDescription, prefsBlock string) []llm.Message {
	content := fmt.Sprintf(analysisPromptTemplate,
		prefsBlock, reply.DocumentMarker,
		jobPosition, company, jobDescription, resumeText)
	return []llm.Message{{Role: "user", Content: content}}
}

// RefinementSystem builds the system prompt for a refinement call.
func RefinementSystem(prefsBlock string) string {
	return fmt.Sprintf(refinementSystemTemplate,
		reply.DocumentMarker, reply.PreferenceMarker, prefsBlock)
}

// RefinementMessages builds the bounded message sequence for a refinement
// turn. Structure, in order:
//
//  1. A synthetic first user turn reconstructed from the original résumé and
//     job fields, so the model keeps original grounding under long histories.
//  2. A synthetic assistant turn: the stored initial explanation plus the
//     first turn's full document, as an early worked example.
//  3. Up to MaxHistoryPairs of the most recent stored exchanges (from index
//     2 onward), chronological, explanations only.
//  4. A final user turn carrying the full current document and the new
//     request.
func RefinementMessages(conv storage.Conversation, newRequest string) []llm.Message {
	messages := []llm.Message{{
		Role: "user",
		Content: fmt.Sprintf(
			"Original resume text:\n%s\n\nTarget position: %s at %s\n\nJob description:\n%s\n\nPlease help me optimize this CV.",
			conv.OriginalResumeText, conv.JobPosition, conv.Company, conv.JobDescription),
	}}

	if len(conv.Messages) >= 2 {
		initialDoc := conv.InitialHTML
		if initialDoc == "" {
			// Records written before InitialHTML existed fall back to the
			// current document.
			initialDoc = conv.CurrentHTML
		}
		messages = append(messages, llm.Message{
			Role:    "assistant",
			Content: conv.Messages[1].Content + "\n\n" + reply.DocumentMarker + "\n\n" + initialDoc,
		})
	}

	for _, pair := range recentPairs(conv.Messages) {
		messages = append(messages,
			llm.Message{Role: "user", Content: pair[0].Content},
			llm.Message{Role: "assistant", Content: pair[1].Content},
		)
	}

	messages = append(messages, llm.Message{
		Role: "user",
		Content: fmt.Sprintf("Current CV HTML:\n%s\n\nPlease make the following change: %s",
			conv.CurrentHTML, strings.TrimSpace(newRequest)),
	})
	return messages
}

// recentPairs collects complete user/assistant pairs after the seed pair and
// keeps the last MaxHistoryPairs of them in chronological order.
func recentPairs(msgs []storage.Message) [][2]storage.Message {
	var pairs [][2]storage.Message
	for i := 2; i+1 < len(msgs); i += 2 {
		pairs = append(pairs, [2]storage.Message{msgs[i], msgs[i+1]})
	}
	if len(pairs) > MaxHistoryPairs {
		pairs = pairs[len(pairs)-MaxHistoryPairs:]
	}
	return pairs
}
