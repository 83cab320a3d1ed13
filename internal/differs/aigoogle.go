package differs

import (
	"context"
	"fmt"
	"html"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"
)

func init() {
	mustRegister(&Definition{
		Name:        "ai_google",
		Description: "Generative-AI change summary with the unified diff appended",
		SubDirectives: []string{
			"model", "timeout", "max_output_tokens", "max_input_tokens",
			"temperature", "top_k", "top_p", "prompt",
		},
		DefaultSubDirective: "model",
		Apply:               aiGoogleApply,
	})
}

const defaultAIPrompt = "Summarize the changes between the old and new version " +
	"of this document in a few short bullet points.\n\nUnified diff:\n{unified_diff}"

// googleAPIKeyLength is the expected length of a Google AI API key
const googleAPIKeyLength = 39

func aiGoogleApply(ctx context.Context, dc *Context) (string, error) {
	apiKey := os.Getenv("GOOGLE_AI_API_KEY")
	if apiKey == "" {
		return "", fmt.Errorf("ai_google differ requires the GOOGLE_AI_API_KEY environment variable")
	}
	if len(apiKey) != googleAPIKeyLength {
		return "", fmt.Errorf("GOOGLE_AI_API_KEY looks invalid: expected %d characters, got %d", googleAPIKeyLength, len(apiKey))
	}

	model := stringArg(dc.Args, "model", "gemini-2.0-flash")
	timeout := time.Duration(floatArg(dc.Args, "timeout", 300) * float64(time.Second))
	maxOutputTokens := intArg(dc.Args, "max_output_tokens", 1500)
	maxInputTokens := intArg(dc.Args, "max_input_tokens", 1_000_000)
	promptTemplate := stringArg(dc.Args, "prompt", defaultAIPrompt)

	contextLines := dc.Job.EffectiveContextLines()
	unified, err := unifiedDiffLines(dc, contextLines)
	if err != nil {
		return "", err
	}
	if unified == nil {
		return "", ErrNoReport
	}
	unifiedText := strings.Join(unified, "\n")

	prompt := renderPrompt(promptTemplate, unifiedText, dc.OldData, dc.NewData)

	// Crude token estimate at 4 characters per token. When the prompt is
	// too long, retry once with a minimal-context diff.
	if len(prompt)/4 > maxInputTokens {
		shrunk, err := unifiedDiffLines(dc, 0)
		if err != nil {
			return "", err
		}
		unified = shrunk
		unifiedText = strings.Join(shrunk, "\n")
		prompt = renderPrompt(promptTemplate, unifiedText, "", "")
		if len(prompt)/4 > maxInputTokens {
			return "", fmt.Errorf("ai_google prompt exceeds max_input_tokens even without context")
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := genai.NewClient(callCtx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("failed to initialize genai client: %w", err)
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxOutputTokens),
	}
	if _, ok := dc.Args["temperature"]; ok {
		config.Temperature = genai.Ptr(float32(floatArg(dc.Args, "temperature", 0)))
	}
	if _, ok := dc.Args["top_k"]; ok {
		config.TopK = genai.Ptr(float32(floatArg(dc.Args, "top_k", 0)))
	}
	if _, ok := dc.Args["top_p"]; ok {
		config.TopP = genai.Ptr(float32(floatArg(dc.Args, "top_p", 0)))
	}

	contents := []*genai.Content{
		{Role: genai.RoleUser, Parts: []*genai.Part{genai.NewPartFromText(prompt)}},
	}
	response, err := client.Models.GenerateContent(callCtx, model, contents, config)
	if err != nil {
		return "", fmt.Errorf("ai_google generation failed: %w", err)
	}

	var summary strings.Builder
	if response != nil {
		for _, candidate := range response.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					summary.WriteString(part.Text)
				}
			}
			if summary.Len() > 0 {
				break
			}
		}
	}
	if summary.Len() == 0 {
		return "", fmt.Errorf("ai_google returned no summary text")
	}

	result := strings.TrimSpace(summary.String()) + "\n\n" + unifiedText
	if dc.Kind == KindHTML {
		return renderUnifiedHTMLWithSummary(strings.TrimSpace(summary.String()), unified), nil
	}
	return result, nil
}

func renderUnifiedHTMLWithSummary(summary string, lines []string) string {
	return "<p>" + html.EscapeString(summary) + "</p>" + renderUnifiedHTML(lines)
}

func renderPrompt(template, unifiedDiff, oldData, newData string) string {
	out := strings.ReplaceAll(template, "{unified_diff}", unifiedDiff)
	out = strings.ReplaceAll(out, "{old_data}", oldData)
	out = strings.ReplaceAll(out, "{new_data}", newData)
	return out
}
