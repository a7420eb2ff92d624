// Package pipeline implements per-message processing: emergency triage,
// profile lookup, conversation-window assembly, AI reply generation,
// persistence of both turns, and outbound dispatch.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/arogyamitra/arogyabot/internal/database"
	"github.com/arogyamitra/arogyabot/internal/dispatch"
	"github.com/arogyamitra/arogyabot/internal/gemini"
	"github.com/arogyamitra/arogyabot/internal/triage"
)

// ErrProfileUnavailable indicates the user profile could not be read or
// created. The request is aborted: proceeding without a persisted profile
// would recreate the first-contact branch on every later message.
var ErrProfileUnavailable = errors.New("user profile unavailable")

// FailureNotice is dispatched when reply generation fails. It is never
// written to chat history as a bot turn.
const FailureNotice = "Sorry, I could not prepare a reply right now. Please try again in a few minutes."

// InboundMessage is the canonical shape every channel adapter normalizes to.
type InboundMessage struct {
	Address string
	Text    string
	Channel dispatch.Channel

	// AdvisoryProfile carries the optional profile context supplied by the
	// web chat endpoint. It influences the prompt only and is never persisted.
	AdvisoryProfile *AdvisoryProfile
}

// AdvisoryProfile mirrors the profile fields a web client may send alongside
// a chat message.
type AdvisoryProfile struct {
	PreferredLanguage string `json:"preferred_language,omitempty"`
	Age               *int64 `json:"age,omitempty"`
	HasDiabetes       *bool  `json:"has_diabetes,omitempty"`
	HasHypertension   *bool  `json:"has_hypertension,omitempty"`
	OtherConditions   string `json:"other_conditions,omitempty"`
}

// Orchestrator runs the per-message pipeline. All dependencies are injected
// as capability interfaces so each can be substituted with a test double.
type Orchestrator struct {
	store         database.Store
	responder     gemini.Responder
	messenger     dispatch.Messenger
	filter        *triage.Filter
	historyWindow int
	log           *slog.Logger
}

// NewOrchestrator creates an Orchestrator. historyWindow bounds the
// most-recent-N conversation slice supplied to the responder.
func NewOrchestrator(
	store database.Store,
	responder gemini.Responder,
	messenger dispatch.Messenger,
	filter *triage.Filter,
	historyWindow int,
	log *slog.Logger,
) *Orchestrator {
	if historyWindow <= 0 {
		historyWindow = 5
	}
	return &Orchestrator{
		store:         store,
		responder:     responder,
		messenger:     messenger,
		filter:        filter,
		historyWindow: historyWindow,
		log:           log.With("component", "pipeline"),
	}
}

// Process handles one inbound message and returns the reply text that was
// (or would be) delivered. Concurrent messages from the same address are not
// serialized: profile creation is last-write-wins and same-instant history
// writes may interleave, an accepted limitation of the storage model.
func (o *Orchestrator) Process(ctx context.Context, msg InboundMessage) (string, error) {
	text := strings.TrimSpace(msg.Text)
	if msg.Address == "" {
		return "", fmt.Errorf("inbound message has no address")
	}
	if text == "" {
		return "", fmt.Errorf("inbound message has no text")
	}

	log := o.log.With("address", msg.Address, "channel", msg.Channel)

	// The safety reply takes priority over every downstream dependency:
	// it is dispatched before any store access so an outage cannot block it.
	if o.filter.IsEmergency(text) {
		log.WarnContext(ctx, "Emergency keywords detected, bypassing AI responder")
		reply := o.filter.Response()

		if err := o.messenger.Deliver(ctx, msg.Address, reply, msg.Channel); err != nil {
			log.ErrorContext(ctx, "Failed to deliver safety message", "error", err)
		}
		o.saveTurn(ctx, log, msg.Address, database.SenderUser, text)
		o.saveTurn(ctx, log, msg.Address, database.SenderBot, reply)
		return reply, nil
	}

	profile, err := o.store.GetUser(ctx, msg.Address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
	}
	if profile == nil {
		profile = database.NewUserProfile(msg.Address)
		if err := o.store.SaveUser(ctx, profile); err != nil {
			return "", fmt.Errorf("%w: failed to create profile: %v", ErrProfileUnavailable, err)
		}
		log.InfoContext(ctx, "Created new user profile")
	}

	window, err := o.store.GetRecentHistory(ctx, msg.Address, o.historyWindow)
	if err != nil {
		// A reply without history context beats no reply at all.
		log.WarnContext(ctx, "History fetch failed, proceeding with empty window", "error", err)
		window = nil
	}

	reply, err := o.responder.Respond(ctx, text, overlayAdvisory(profile, msg.AdvisoryProfile), window)
	if err != nil {
		log.ErrorContext(ctx, "Reply generation failed", "error", err)
		// Keep conversation continuity: the user turn is stored, the
		// failure itself is not written as a bot message.
		o.saveTurn(ctx, log, msg.Address, database.SenderUser, text)
		if derr := o.messenger.Deliver(ctx, msg.Address, FailureNotice, msg.Channel); derr != nil {
			log.ErrorContext(ctx, "Failed to deliver failure notice", "error", derr)
		}
		return "", fmt.Errorf("reply generation failed: %w", err)
	}

	o.saveTurn(ctx, log, msg.Address, database.SenderUser, text)
	o.saveTurn(ctx, log, msg.Address, database.SenderBot, reply)

	if err := o.messenger.Deliver(ctx, msg.Address, reply, msg.Channel); err != nil {
		// History is the source of truth; a failed send is logged, not
		// retried, and nothing is rolled back.
		log.ErrorContext(ctx, "Failed to deliver reply", "error", err)
	}

	return reply, nil
}

// saveTurn appends one history row best-effort: persistence failures after
// the profile stage degrade the transcript, not the reply.
func (o *Orchestrator) saveTurn(ctx context.Context, log *slog.Logger, address, sender, text string) {
	msg := &database.ChatMessage{
		PhoneNumber: address,
		Sender:      sender,
		MessageText: text,
	}
	if err := o.store.SaveChatMessage(ctx, msg); err != nil {
		log.ErrorContext(ctx, "Failed to save chat message", "sender", sender, "error", err)
	}
}

// overlayAdvisory merges advisory profile fields onto a transient copy of the
// stored profile for prompt assembly. The stored profile is never mutated.
func overlayAdvisory(stored *database.UserProfile, advisory *AdvisoryProfile) *database.UserProfile {
	if advisory == nil {
		return stored
	}

	merged := *stored
	if advisory.PreferredLanguage != "" {
		merged.PreferredLanguage = advisory.PreferredLanguage
	}
	if advisory.Age != nil {
		merged.Age = sql.NullInt64{Int64: *advisory.Age, Valid: true}
	}
	if advisory.HasDiabetes != nil {
		merged.HasDiabetes = *advisory.HasDiabetes
	}
	if advisory.HasHypertension != nil {
		merged.HasHypertension = *advisory.HasHypertension
	}
	if advisory.OtherConditions != "" {
		merged.OtherConditions = advisory.OtherConditions
	}
	return &merged
}
