package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type rawJudgment struct {
	IsHallucination *bool    `json:"isHallucination"`
	Confidence      *float64 `json:"confidence"`
	Explanation     string   `json:"explanation"`
	SuggestedFix    string   `json:"suggestedFix"`
}

// ParseJudgment extracts a judgment from critic text. The first JSON object
// in the text is used, so code fences and surrounding prose are tolerated.
// isHallucination and confidence are required; confidence is clamped to
// 0..100.
func ParseJudgment(text string) (Judgment, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return Judgment{}, errors.New("no JSON object in critic response")
	}

	var raw rawJudgment
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if err := dec.Decode(&raw); err != nil {
		return Judgment{}, fmt.Errorf("decode judgment: %w", err)
	}
	if raw.IsHallucination == nil {
		return Judgment{}, errors.New("judgment missing isHallucination")
	}
	if raw.Confidence == nil {
		return Judgment{}, errors.New("judgment missing confidence")
	}

	c := 0
	switch f := *raw.Confidence; {
	case f >= 100:
		c = 100
	case f > 0:
		c = int(f + 0.5)
	}

	return Judgment{
		IsHallucination: *raw.IsHallucination,
		Confidence:      c,
		Explanation:     raw.Explanation,
		SuggestedFix:    raw.SuggestedFix,
	}, nil
}
