// Package gemini implements reply generation with Google's Gemini API.
// It assembles a prompt from the stored patient profile and the recent
// conversation window and requests a single completion per inbound message.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/arogyamitra/arogyabot/internal/config"
	"github.com/arogyamitra/arogyabot/internal/database"
)

// ErrGenerationUnavailable indicates the hosted model could not produce a
// reply (timeout, quota, blocked or malformed response). The pipeline treats
// it as a typed failure and never fabricates a reply in its place.
var ErrGenerationUnavailable = errors.New("generation unavailable")

// Responder generates a reply for an inbound message given the stored
// profile and the recent conversation window.
type Responder interface {
	Respond(ctx context.Context, message string, profile *database.UserProfile, window []database.ChatMessage) (string, error)
}

type sdkClient struct {
	genaiClient *genai.Client
	log         *slog.Logger
	baseConfig  *genai.GenerateContentConfig
	modelName   string
}

// NewClient creates a new Gemini client with the provided configuration.
func NewClient(ctx context.Context, cfg config.GeminiConfig, log *slog.Logger) (Responder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	temperature := cfg.Temperature
	baseCfg := &genai.GenerateContentConfig{
		Temperature:       &temperature,
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: PersonaSystemInstruction}}},

		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
		},
	}

	logger := log.With("component", "gemini_client")
	logger.Info("Gemini client initialized", "model", cfg.ModelName)
	return &sdkClient{
		genaiClient: gi,
		log:         logger,
		baseConfig:  baseCfg,
		modelName:   cfg.ModelName,
	}, nil
}

// Respond makes exactly one generation call for the inbound message. There is
// no local retry loop: the API is metered per call and per-message latency
// must stay bounded, so a failed call surfaces immediately as
// ErrGenerationUnavailable.
func (c *sdkClient) Respond(ctx context.Context, message string, profile *database.UserProfile, window []database.ChatMessage) (string, error) {
	c.log.DebugContext(ctx, "Generating reply", "window_size", len(window))

	contents := buildContents(message, profile, window)

	resp, err := c.genaiClient.Models.GenerateContent(ctx, c.modelName, contents, c.baseConfig)
	if err != nil {
		c.log.ErrorContext(ctx, "Gemini API call failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}

	return c.extractText(ctx, resp)
}

// buildContents assembles the prompt deterministically: a profile context
// block, the chronological transcript with user/model roles, then the new
// user turn.
func buildContents(message string, profile *database.UserProfile, window []database.ChatMessage) []*genai.Content {
	var contents []*genai.Content

	contents = append(contents, genai.NewContentFromText("Patient profile:\n"+describeProfile(profile), genai.RoleUser))

	for _, m := range window {
		var role genai.Role = genai.RoleUser
		if m.Sender == database.SenderBot {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.MessageText, role))
	}

	contents = append(contents, genai.NewContentFromText(message, genai.RoleUser))
	return contents
}

// describeProfile verbalizes the stored profile fields for the prompt.
func describeProfile(profile *database.UserProfile) string {
	if profile == nil {
		return "No profile on record."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Preferred language: %s\n", profile.PreferredLanguage)

	if profile.Age.Valid {
		fmt.Fprintf(&sb, "Age: %d\n", profile.Age.Int64)
	} else {
		sb.WriteString("Age: unknown\n")
	}

	var conditions []string
	if profile.HasDiabetes {
		conditions = append(conditions, "diabetes")
	}
	if profile.HasHypertension {
		conditions = append(conditions, "hypertension")
	}
	if len(conditions) == 0 {
		sb.WriteString("Chronic conditions: none recorded\n")
	} else {
		fmt.Fprintf(&sb, "Chronic conditions: %s\n", strings.Join(conditions, ", "))
	}

	if profile.OtherConditions != "" {
		fmt.Fprintf(&sb, "Other conditions: %s\n", profile.OtherConditions)
	}

	return sb.String()
}

func (c *sdkClient) extractText(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "reason", reasonMsg)
		return "", fmt.Errorf("%w: blocked by safety filter: %s", ErrGenerationUnavailable, reasonMsg)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "Gemini response missing candidates or content", "finish_reason", finishReason)
		return "", fmt.Errorf("%w: empty response, finish reason: %s", ErrGenerationUnavailable, finishReason)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		c.log.WarnContext(ctx, "Gemini response text is empty")
		return "", fmt.Errorf("%w: empty response text", ErrGenerationUnavailable)
	}

	return text, nil
}
