package analyzer

import (
	"fmt"
	"strings"

	"github.com/leadscore/leadscore/internal/engine"
)

// previewChars bounds how much page text is sent to the model.
const previewChars = 3000

const systemPrompt = `You are a B2B sales research analyst. Read the company website content and describe the business. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- industry: the primary industry in a few words.
- business_type: exactly one of "B2B", "B2C", "Both". Use "Unknown" if the content does not say.
- company_stage: exactly one of "Startup", "Growth", "Enterprise". Use "Unknown" if unclear.
- target_market: who the company sells to.
- usp: the unique selling proposition in one sentence.
- positioning: how the company positions itself against alternatives.
- tech_notes: notable technology or product capabilities.
- summary: two or three sentences a salesperson could read before a call.
- Use "Unknown" for any field the content does not support. Never invent facts.`

// BuildPrompt constructs the chat messages for one company.
func BuildPrompt(url, companyName, text string) []engine.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Website: %s\n", url)
	if companyName != "" {
		fmt.Fprintf(&sb, "Company name: %s\n", companyName)
	}
	sb.WriteString("\nContent:\n")
	sb.WriteString(truncate(text, previewChars))

	return []engine.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

func analysisSchema() *engine.Schema {
	str := func(desc string) engine.SchemaProperty {
		return engine.SchemaProperty{Type: "string", Description: desc}
	}
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"industry":      str("Primary industry"),
			"business_type": {Type: "string", Description: "Customer type", Enum: []string{"B2B", "B2C", "Both", "Unknown"}},
			"company_stage": {Type: "string", Description: "Maturity", Enum: []string{"Startup", "Growth", "Enterprise", "Unknown"}},
			"target_market": str("Who the company sells to"),
			"usp":           str("Unique selling proposition"),
			"positioning":   str("Market positioning"),
			"tech_notes":    str("Notable technology"),
			"summary":       str("Short summary for a salesperson"),
		},
		Required: []string{"industry", "business_type", "company_stage", "target_market", "usp", "positioning", "tech_notes", "summary"},
	}
}
