package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"waitroom-intake/internal/llm"
	"waitroom-intake/pkg"
)

// CaseExtractor builds the structured medical case from a transcript.
type CaseExtractor struct {
	LLM llm.Client
	Now func() time.Time
}

// NewCaseExtractor constructs a case extractor.
func NewCaseExtractor(client llm.Client) *CaseExtractor {
	return &CaseExtractor{LLM: client, Now: time.Now}
}

// Extract analyses the transcript and produces a MedicalCase.  The previous
// case can be passed in to support merging: new non-empty values overwrite
// previous ones and symptoms are merged by name.  On failure the previous
// case is returned unchanged along with the error.
func (e *CaseExtractor) Extract(ctx context.Context, sessionID string, transcript []pkg.Message, old *pkg.MedicalCase) (*pkg.MedicalCase, error) {
	var b strings.Builder
	for _, m := range transcript {
		switch m.Role {
		case pkg.RoleUser:
			b.WriteString("بیمار: ")
		case pkg.RoleAssistant:
			b.WriteString("دستیار: ")
		default:
			continue
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	resp, err := e.LLM.Complete(ctx, CaseExtractionInstruction, b.String())
	if err != nil {
		return old, errors.Wrap(err, "extract medical case")
	}
	fresh, err := ParseCase(resp)
	if err != nil {
		return old, err
	}
	fresh.SessionID = sessionID
	merged := MergeCase(old, fresh)
	merged.UpdatedAt = e.Now()
	return merged, nil
}

type rawCase struct {
	ChiefComplaint any            `json:"chief_complaint"`
	MedicalHistory any            `json:"medical_history"`
	Medications    any            `json:"medications"`
	UrgencyLevel   string         `json:"urgency_level"`
	Symptoms       map[string]any `json:"symptoms"`
}

// ParseCase decodes an LLM answer into a MedicalCase.  Markdown code fences
// and text around the outermost JSON object are ignored.
func ParseCase(s string) (*pkg.MedicalCase, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return nil, errors.New("no JSON object in case extraction output")
	}
	var raw rawCase
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return nil, errors.Wrap(err, "decode case extraction output")
	}
	c := &pkg.MedicalCase{
		ChiefComplaint: flatten(raw.ChiefComplaint),
		MedicalHistory: flatten(raw.MedicalHistory),
		Medications:    flatten(raw.Medications),
		UrgencyLevel:   pkg.ParseUrgency(raw.UrgencyLevel),
		Symptoms:       map[string]string{},
	}
	for k, v := range raw.Symptoms {
		if k = strings.TrimSpace(k); k != "" {
			c.Symptoms[k] = flatten(v)
		}
	}
	return c, nil
}

// flatten renders scalars and lists the model may emit as one string.
func flatten(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s := flatten(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "، ")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if s := flatten(t[k]); s != "" {
				parts = append(parts, k+": "+s)
			}
		}
		return strings.Join(parts, "، ")
	default:
		return fmt.Sprint(t)
	}
}

// MergeCase overlays fresh on old.  Neither argument is modified.
func MergeCase(old, fresh *pkg.MedicalCase) *pkg.MedicalCase {
	if old == nil {
		old = &pkg.MedicalCase{UrgencyLevel: pkg.UrgencyUnknown}
	}
	out := *old
	out.Symptoms = make(map[string]string, len(old.Symptoms)+len(fresh.Symptoms))
	for k, v := range old.Symptoms {
		out.Symptoms[k] = v
	}
	if fresh.SessionID != "" {
		out.SessionID = fresh.SessionID
	}
	if fresh.ChiefComplaint != "" {
		out.ChiefComplaint = fresh.ChiefComplaint
	}
	if fresh.MedicalHistory != "" {
		out.MedicalHistory = fresh.MedicalHistory
	}
	if fresh.Medications != "" {
		out.Medications = fresh.Medications
	}
	if fresh.UrgencyLevel != "" && fresh.UrgencyLevel != pkg.UrgencyUnknown {
		out.UrgencyLevel = fresh.UrgencyLevel
	}
	if out.UrgencyLevel == "" {
		out.UrgencyLevel = pkg.UrgencyUnknown
	}
	for k, v := range fresh.Symptoms {
		if v != "" {
			out.Symptoms[k] = v
		}
	}
	return &out
}
