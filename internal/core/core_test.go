package core

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"waitroom-intake/internal/llm"
	"waitroom-intake/pkg"
)

type fakeLLM struct {
	chatReply string
	chatErr   error
	completed string
	complErr  error

	gotChat        []llm.Message
	gotInstruction string
	gotPrompt      string
}

func (f *fakeLLM) Chat(_ context.Context, msgs []llm.Message) (string, error) {
	f.gotChat = msgs
	return f.chatReply, f.chatErr
}

func (f *fakeLLM) Complete(_ context.Context, instruction, prompt string) (string, error) {
	f.gotInstruction = instruction
	f.gotPrompt = prompt
	return f.completed, f.complErr
}

func TestChatService_ReplyIncludesHistory(t *testing.T) {
	f := &fakeLLM{chatReply: "چند روز است؟"}
	s := NewChatService(f)

	transcript := []pkg.Message{
		{Role: pkg.RoleAssistant, Content: FirstMessage},
		{Role: pkg.RoleUser, Content: "سردرد دارم"},
		{Role: pkg.RoleError, Content: "ignored"},
	}
	reply, err := s.Reply(context.Background(), transcript, "از دیروز")
	require.NoError(t, err)
	require.Equal(t, "چند روز است؟", reply)

	require.Len(t, f.gotChat, 4)
	require.Equal(t, "system", f.gotChat[0].Role)
	require.Equal(t, SystemPrompt, f.gotChat[0].Content)
	require.Equal(t, "assistant", f.gotChat[1].Role)
	require.Equal(t, "user", f.gotChat[2].Role)
	require.Equal(t, llm.Message{Role: "user", Content: "از دیروز"}, f.gotChat[3])
}

func TestChatService_FallbackOnError(t *testing.T) {
	s := NewChatService(&fakeLLM{chatErr: errors.New("boom")})
	reply, err := s.Reply(context.Background(), nil, "سلام")
	require.Error(t, err)
	require.Equal(t, FallbackReply, reply)

	s = NewChatService(&fakeLLM{})
	reply, err = s.Reply(context.Background(), nil, "سلام")
	require.NoError(t, err)
	require.Equal(t, FallbackReply, reply)
}

func TestParseCase(t *testing.T) {
	out := "```json\n" + `{
  "chief_complaint": "سردرد",
  "medical_history": "",
  "medications": ["استامینوفن ۵۰۰", "ایبوپروفن"],
  "urgency_level": "HIGH",
  "symptoms": {"سردرد": "۳ روز", "تب": true, " ": "x"}
}` + "\n```"
	c, err := ParseCase(out)
	require.NoError(t, err)
	require.Equal(t, "سردرد", c.ChiefComplaint)
	require.Equal(t, "استامینوفن ۵۰۰، ایبوپروفن", c.Medications)
	require.Equal(t, pkg.UrgencyHigh, c.UrgencyLevel)
	require.Equal(t, map[string]string{"سردرد": "۳ روز", "تب": "true"}, c.Symptoms)

	_, err = ParseCase("no json here")
	require.Error(t, err)
	_, err = ParseCase("{not json}")
	require.Error(t, err)
}

func TestMergeCase(t *testing.T) {
	old := &pkg.MedicalCase{
		ChiefComplaint: "سردرد",
		Medications:    "استامینوفن",
		UrgencyLevel:   pkg.UrgencyMedium,
		Symptoms:       map[string]string{"سردرد": "۲ روز"},
	}
	fresh := &pkg.MedicalCase{
		MedicalHistory: "میگرن",
		UrgencyLevel:   pkg.UrgencyUnknown,
		Symptoms:       map[string]string{"سردرد": "۳ روز", "تهوع": "گاهی"},
	}
	merged := MergeCase(old, fresh)
	require.Equal(t, "سردرد", merged.ChiefComplaint)
	require.Equal(t, "میگرن", merged.MedicalHistory)
	require.Equal(t, "استامینوفن", merged.Medications)
	require.Equal(t, pkg.UrgencyMedium, merged.UrgencyLevel)
	require.Equal(t, map[string]string{"سردرد": "۳ روز", "تهوع": "گاهی"}, merged.Symptoms)
	require.Equal(t, "۲ روز", old.Symptoms["سردرد"])

	require.Equal(t, pkg.UrgencyUnknown, MergeCase(nil, &pkg.MedicalCase{}).UrgencyLevel)
}

func TestCaseExtractor_Extract(t *testing.T) {
	f := &fakeLLM{completed: `{"chief_complaint":"درد قفسه سینه","urgency_level":"emergency","symptoms":{"درد":"شدید"}}`}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := NewCaseExtractor(f)
	e.Now = func() time.Time { return now }

	transcript := []pkg.Message{
		{Role: pkg.RoleAssistant, Content: FirstMessage},
		{Role: pkg.RoleUser, Content: "قفسه سینه‌ام درد می‌کند"},
	}
	c, err := e.Extract(context.Background(), "s1", transcript, nil)
	require.NoError(t, err)
	require.Equal(t, "s1", c.SessionID)
	require.Equal(t, pkg.UrgencyEmergency, c.UrgencyLevel)
	require.Equal(t, now, c.UpdatedAt)
	require.Equal(t, CaseExtractionInstruction, f.gotInstruction)
	require.Contains(t, f.gotPrompt, "بیمار: قفسه سینه‌ام درد می‌کند")

	old := &pkg.MedicalCase{ChiefComplaint: "قبلی"}
	f.complErr = errors.New("down")
	got, err := e.Extract(context.Background(), "s1", transcript, old)
	require.Error(t, err)
	require.Same(t, old, got)
}
