package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/arogyamitra/arogyabot/internal/database"
	"github.com/arogyamitra/arogyabot/internal/dispatch"
	"github.com/arogyamitra/arogyabot/internal/gemini"
	"github.com/arogyamitra/arogyabot/internal/triage"
)

type fakeStore struct {
	users    map[string]*database.UserProfile
	history  []database.ChatMessage
	ops      []string
	getErr   error
	saveErr  error
	histErr  error
	msgErr   error
	saved    []database.ChatMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]*database.UserProfile{}}
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }

func (s *fakeStore) GetUser(ctx context.Context, phone string) (*database.UserProfile, error) {
	s.ops = append(s.ops, "get_user")
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.users[phone], nil
}

func (s *fakeStore) SaveUser(ctx context.Context, p *database.UserProfile) error {
	s.ops = append(s.ops, "save_user")
	if s.saveErr != nil {
		return s.saveErr
	}
	s.users[p.PhoneNumber] = p
	return nil
}

func (s *fakeStore) SaveChatMessage(ctx context.Context, m *database.ChatMessage) error {
	s.ops = append(s.ops, "save_message")
	if s.msgErr != nil {
		return s.msgErr
	}
	s.saved = append(s.saved, *m)
	return nil
}

func (s *fakeStore) GetRecentHistory(ctx context.Context, phone string, limit int) ([]database.ChatMessage, error) {
	s.ops = append(s.ops, "get_history")
	if s.histErr != nil {
		return nil, s.histErr
	}
	return s.history, nil
}

func (s *fakeStore) RunMaintenance(ctx context.Context) error { return nil }

type fakeResponder struct {
	reply   string
	err     error
	called  bool
	profile *database.UserProfile
	window  []database.ChatMessage
}

func (r *fakeResponder) Respond(ctx context.Context, message string, profile *database.UserProfile, window []database.ChatMessage) (string, error) {
	r.called = true
	r.profile = profile
	r.window = window
	if r.err != nil {
		return "", r.err
	}
	return r.reply, nil
}

type delivery struct {
	address string
	text    string
	channel dispatch.Channel
}

type fakeMessenger struct {
	deliveries []delivery
	err        error
}

func (m *fakeMessenger) Deliver(ctx context.Context, address, text string, channel dispatch.Channel) error {
	m.deliveries = append(m.deliveries, delivery{address, text, channel})
	return m.err
}

func newOrchestrator(store database.Store, responder gemini.Responder, messenger dispatch.Messenger) *Orchestrator {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOrchestrator(store, responder, messenger, triage.NewFilter(nil, ""), 5, log)
}

func TestProcessEmergencyBypassesResponder(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	responder := &fakeResponder{reply: "should not be used"}
	messenger := &fakeMessenger{}
	o := newOrchestrator(store, responder, messenger)

	reply, err := o.Process(context.Background(), InboundMessage{
		Address: "+1555",
		Text:    "I have chest pain",
		Channel: dispatch.ChannelSMS,
	})
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if reply != triage.DefaultResponse {
		t.Errorf("reply = %q, want canned safety message", reply)
	}
	if responder.called {
		t.Error("responder must not be invoked for emergency messages")
	}
	if len(messenger.deliveries) != 1 || messenger.deliveries[0].text != triage.DefaultResponse {
		t.Errorf("expected one safety delivery, got %+v", messenger.deliveries)
	}
	if len(store.saved) != 2 {
		t.Errorf("expected user and bot turns persisted, got %d", len(store.saved))
	}
}

func TestProcessEmergencySurvivesStoreAndDeliveryOutage(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.msgErr = errors.New("store down")
	responder := &fakeResponder{}
	messenger := &fakeMessenger{err: errors.New("twilio down")}
	o := newOrchestrator(store, responder, messenger)

	reply, err := o.Process(context.Background(), InboundMessage{
		Address: "+1555",
		Text:    "suicide",
		Channel: dispatch.ChannelWhatsApp,
	})
	if err != nil {
		t.Fatalf("emergency path must not fail on downstream outage, got %v", err)
	}
	if reply != triage.DefaultResponse {
		t.Errorf("reply = %q, want canned safety message", reply)
	}
	if responder.called {
		t.Error("responder must not be invoked")
	}
}

func TestProcessCreatesProfileBeforeHistoryRead(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	responder := &fakeResponder{reply: "hello there"}
	o := newOrchestrator(store, responder, &fakeMessenger{})

	if _, err := o.Process(context.Background(), InboundMessage{
		Address: "+1555",
		Text:    "hello",
		Channel: dispatch.ChannelSMS,
	}); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	var saveIdx, histIdx, saveCount int
	saveIdx, histIdx = -1, -1
	for i, op := range store.ops {
		switch op {
		case "save_user":
			saveCount++
			if saveIdx == -1 {
				saveIdx = i
			}
		case "get_history":
			if histIdx == -1 {
				histIdx = i
			}
		}
	}
	if saveCount != 1 {
		t.Errorf("expected exactly one profile-create write, got %d (ops %v)", saveCount, store.ops)
	}
	if saveIdx == -1 || histIdx == -1 || saveIdx > histIdx {
		t.Errorf("profile create must happen before the history read, ops = %v", store.ops)
	}
}

func TestProcessExistingProfileNotRewritten(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["+1555"] = &database.UserProfile{PhoneNumber: "+1555", PreferredLanguage: "hi"}
	responder := &fakeResponder{reply: "ok"}
	o := newOrchestrator(store, responder, &fakeMessenger{})

	if _, err := o.Process(context.Background(), InboundMessage{
		Address: "+1555", Text: "hello", Channel: dispatch.ChannelSMS,
	}); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	for _, op := range store.ops {
		if op == "save_user" {
			t.Errorf("existing profile must not be rewritten, ops = %v", store.ops)
		}
	}
	if responder.profile == nil || responder.profile.PreferredLanguage != "hi" {
		t.Errorf("responder should receive the stored profile, got %+v", responder.profile)
	}
}

func TestProcessProfileLookupFailureAborts(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.getErr = errors.New("db unreachable")
	responder := &fakeResponder{reply: "nope"}
	messenger := &fakeMessenger{}
	o := newOrchestrator(store, responder, messenger)

	_, err := o.Process(context.Background(), InboundMessage{
		Address: "+1555", Text: "hello", Channel: dispatch.ChannelSMS,
	})
	if !errors.Is(err, ErrProfileUnavailable) {
		t.Errorf("error = %v, want ErrProfileUnavailable", err)
	}
	if responder.called {
		t.Error("responder must not run without a profile")
	}
	if len(messenger.deliveries) != 0 {
		t.Errorf("nothing should be dispatched on persistence failure, got %+v", messenger.deliveries)
	}
}

func TestProcessProfileCreateFailureAborts(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.saveErr = errors.New("insert failed")
	responder := &fakeResponder{reply: "nope"}
	messenger := &fakeMessenger{}
	o := newOrchestrator(store, responder, messenger)

	_, err := o.Process(context.Background(), InboundMessage{
		Address: "+1555", Text: "hello", Channel: dispatch.ChannelSMS,
	})
	if !errors.Is(err, ErrProfileUnavailable) {
		t.Errorf("error = %v, want ErrProfileUnavailable", err)
	}
	if responder.called || len(messenger.deliveries) != 0 {
		t.Error("no AI call and no dispatch after a failed profile create")
	}
}

func TestProcessHistoryFailureDegradesToEmptyWindow(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["+1555"] = database.NewUserProfile("+1555")
	store.histErr = errors.New("history query failed")
	responder := &fakeResponder{reply: "hi"}
	o := newOrchestrator(store, responder, &fakeMessenger{})

	reply, err := o.Process(context.Background(), InboundMessage{
		Address: "+1555", Text: "hello", Channel: dispatch.ChannelSMS,
	})
	if err != nil {
		t.Fatalf("history failure must not abort the request: %v", err)
	}
	if reply != "hi" {
		t.Errorf("reply = %q, want %q", reply, "hi")
	}
	if !responder.called || len(responder.window) != 0 {
		t.Errorf("responder should run with an empty window, got %d entries", len(responder.window))
	}
}

func TestProcessResponderFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["+1555"] = database.NewUserProfile("+1555")
	responder := &fakeResponder{err: gemini.ErrGenerationUnavailable}
	messenger := &fakeMessenger{}
	o := newOrchestrator(store, responder, messenger)

	_, err := o.Process(context.Background(), InboundMessage{
		Address: "+1555", Text: "hello", Channel: dispatch.ChannelWhatsApp,
	})
	if !errors.Is(err, gemini.ErrGenerationUnavailable) {
		t.Errorf("error = %v, want ErrGenerationUnavailable", err)
	}

	if len(store.saved) != 1 || store.saved[0].Sender != database.SenderUser {
		t.Errorf("only the user turn should be persisted, got %+v", store.saved)
	}
	if len(messenger.deliveries) != 1 || messenger.deliveries[0].text != FailureNotice {
		t.Errorf("expected one failure-notice delivery, got %+v", messenger.deliveries)
	}
	if messenger.deliveries[0].channel != dispatch.ChannelWhatsApp {
		t.Errorf("failure notice must use the originating channel, got %v", messenger.deliveries[0].channel)
	}
}

func TestProcessHappyPath(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["+1555"] = &database.UserProfile{
		PhoneNumber:       "+1555",
		PreferredLanguage: "en",
		HasDiabetes:       true,
	}
	store.history = []database.ChatMessage{
		{PhoneNumber: "+1555", Sender: database.SenderUser, MessageText: "hi"},
		{PhoneNumber: "+1555", Sender: database.SenderBot, MessageText: "hello"},
	}
	responder := &fakeResponder{reply: "Leafy greens and whole grains help."}
	messenger := &fakeMessenger{}
	o := newOrchestrator(store, responder, messenger)

	reply, err := o.Process(context.Background(), InboundMessage{
		Address: "+1555",
		Text:    "What foods help diabetes?",
		Channel: dispatch.ChannelSMS,
	})
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if reply != "Leafy greens and whole grains help." {
		t.Errorf("reply = %q", reply)
	}

	if responder.profile == nil || !responder.profile.HasDiabetes {
		t.Error("responder must receive the profile with the diabetes flag set")
	}
	if len(responder.window) != 2 {
		t.Errorf("responder window size = %d, want 2", len(responder.window))
	}

	if len(store.saved) != 2 {
		t.Fatalf("history should grow by exactly two records, got %d", len(store.saved))
	}
	if store.saved[0].Sender != database.SenderUser || store.saved[1].Sender != database.SenderBot {
		t.Errorf("turns persisted out of order: %+v", store.saved)
	}

	if len(messenger.deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(messenger.deliveries))
	}
	if d := messenger.deliveries[0]; d.channel != dispatch.ChannelSMS || d.address != "+1555" {
		t.Errorf("reply must go back over the originating channel, got %+v", d)
	}
}

func TestProcessDeliveryFailureDoesNotRollback(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["+1555"] = database.NewUserProfile("+1555")
	responder := &fakeResponder{reply: "ok"}
	messenger := &fakeMessenger{err: errors.New("send failed")}
	o := newOrchestrator(store, responder, messenger)

	reply, err := o.Process(context.Background(), InboundMessage{
		Address: "+1555", Text: "hello", Channel: dispatch.ChannelSMS,
	})
	if err != nil {
		t.Fatalf("delivery failure must not fail the request: %v", err)
	}
	if reply != "ok" {
		t.Errorf("reply = %q, want %q", reply, "ok")
	}
	if len(store.saved) != 2 {
		t.Errorf("history must keep both turns after a failed send, got %d", len(store.saved))
	}
}

func TestProcessAdvisoryProfileOverlay(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.users["web-session-1"] = database.NewUserProfile("web-session-1")
	responder := &fakeResponder{reply: "ok"}
	o := newOrchestrator(store, responder, &fakeMessenger{})

	hasDiabetes := true
	if _, err := o.Process(context.Background(), InboundMessage{
		Address: "web-session-1",
		Text:    "What foods help diabetes?",
		Channel: dispatch.ChannelWeb,
		AdvisoryProfile: &AdvisoryProfile{
			PreferredLanguage: "hi",
			HasDiabetes:       &hasDiabetes,
		},
	}); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	if !responder.profile.HasDiabetes || responder.profile.PreferredLanguage != "hi" {
		t.Errorf("advisory profile not applied to prompt context: %+v", responder.profile)
	}

	stored := store.users["web-session-1"]
	if stored.HasDiabetes || stored.PreferredLanguage != "en" {
		t.Errorf("advisory profile must never be persisted, stored = %+v", stored)
	}
}

func TestProcessRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(newFakeStore(), &fakeResponder{}, &fakeMessenger{})

	if _, err := o.Process(context.Background(), InboundMessage{Address: "", Text: "hi"}); err == nil {
		t.Error("expected error for empty address")
	}
	if _, err := o.Process(context.Background(), InboundMessage{Address: "+1", Text: "   "}); err == nil {
		t.Error("expected error for blank text")
	}
}

func TestOverlayAdvisoryDoesNotMutateStored(t *testing.T) {
	t.Parallel()

	stored := database.NewUserProfile("+1555")
	age := int64(40)
	merged := overlayAdvisory(stored, &AdvisoryProfile{Age: &age, OtherConditions: "asthma"})

	if !merged.Age.Valid || merged.Age.Int64 != 40 || merged.OtherConditions != "asthma" {
		t.Errorf("overlay not applied: %+v", merged)
	}
	if stored.Age.Valid || stored.OtherConditions != "" {
		t.Errorf("stored profile mutated: %+v", stored)
	}
	if !strings.HasPrefix(stored.PhoneNumber, "+1555") {
		t.Errorf("unexpected stored profile: %+v", stored)
	}
}
