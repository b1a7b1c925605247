package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/vnmchuo/dream-interpreter/internal/provider"
)

// Limits are in characters, not bytes.
const (
	MaxDreamLength          = 4000
	MaxInterpretationLength = 8000
)

// languageTag accepts a primary subtag with at most one region or script
// subtag, already lower-cased.
var languageTag = regexp.MustCompile(`^[a-z]{2,3}(-[a-z0-9]{2,8})?$`)

type Endpoint string

const (
	EndpointInterpretation Endpoint = "interpretation"
	EndpointGuidance       Endpoint = "guidance"
)

var (
	ErrDreamRequired          = errors.New("dream text is required")
	ErrDreamTooLong           = fmt.Errorf("dream text exceeds %d characters", MaxDreamLength)
	ErrInterpretationRequired = errors.New("guidance requires the prior interpretation")
	ErrInterpretationTooLong  = fmt.Errorf("interpretation exceeds %d characters", MaxInterpretationLength)
	ErrInvalidLanguage        = errors.New("language must be a language tag such as en or zh-cn")
	ErrUnknownEndpoint        = errors.New("unknown endpoint")
)

// Input is the JSON body accepted by both streaming endpoints.
type Input struct {
	Dream          string `json:"dream"`
	Mood           string `json:"mood,omitempty"`
	TimeOfDay      string `json:"time_of_day,omitempty"`
	Language       string `json:"language,omitempty"`
	Interpretation string `json:"interpretation,omitempty"`
}

// Normalize trims the input in place and checks it against the endpoint.
func (in *Input) Normalize(e Endpoint) error {
	in.Dream = strings.TrimSpace(in.Dream)
	in.Mood = strings.TrimSpace(in.Mood)
	in.TimeOfDay = strings.TrimSpace(in.TimeOfDay)
	in.Language = strings.ToLower(strings.TrimSpace(in.Language))
	in.Interpretation = strings.TrimSpace(in.Interpretation)

	if in.Language != "" && !languageTag.MatchString(in.Language) {
		in.Language = ""
		return ErrInvalidLanguage
	}
	if in.Dream == "" {
		return ErrDreamRequired
	}
	if utf8.RuneCountInString(in.Dream) > MaxDreamLength {
		return ErrDreamTooLong
	}
	switch e {
	case EndpointInterpretation:
	case EndpointGuidance:
		if in.Interpretation == "" {
			return ErrInterpretationRequired
		}
		if utf8.RuneCountInString(in.Interpretation) > MaxInterpretationLength {
			return ErrInterpretationTooLong
		}
	default:
		return ErrUnknownEndpoint
	}
	return nil
}

const interpretationSystem = `You are a dream interpreter. Read the dream and answer in three sections:
1. Traditional reading: what the main symbols mean in folk and classical dream lore.
2. Psychological analysis: what the dream may say about the dreamer's current feelings and concerns.
3. Fortune: a one-line verdict (auspicious, neutral or inauspicious) with a short reason.
Be warm and concrete. Do not claim certainty about the future.`

const guidanceSystem = `You are a gentle life coach who has just interpreted a dream for the user.
Using the dream and its interpretation, give three short, practical suggestions for the coming days.
Keep each suggestion to one or two sentences. Do not repeat the interpretation.`

// Build composes the system prompt and user message for an endpoint. The
// input must already be normalized.
func Build(e Endpoint, in Input) []provider.Message {
	system := interpretationSystem
	if e == EndpointGuidance {
		system = guidanceSystem
	}
	if lang := languageName(in.Language); lang != "" {
		system += "\nAnswer in " + lang + "."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Dream: %s\n", in.Dream)
	if in.Mood != "" {
		fmt.Fprintf(&b, "Mood on waking: %s\n", in.Mood)
	}
	if in.TimeOfDay != "" {
		fmt.Fprintf(&b, "Time of the dream: %s\n", in.TimeOfDay)
	}
	if e == EndpointGuidance {
		fmt.Fprintf(&b, "\nInterpretation:\n%s\n", in.Interpretation)
	}

	return []provider.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: strings.TrimRight(b.String(), "\n")},
	}
}

// Text flattens messages for token estimation.
func Text(messages []provider.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

var languageNames = map[string]string{
	"zh":      "Simplified Chinese",
	"zh-cn":   "Simplified Chinese",
	"zh-hans": "Simplified Chinese",
	"zh-tw":   "Traditional Chinese",
	"zh-hk":   "Traditional Chinese",
	"zh-hant": "Traditional Chinese",
	"ja":      "Japanese",
	"ko":      "Korean",
	"vi":      "Vietnamese",
	"th":      "Thai",
	"id":      "Indonesian",
	"es":      "Spanish",
	"fr":      "French",
	"de":      "German",
	"it":      "Italian",
	"pt":      "Portuguese",
	"pt-br":   "Portuguese",
	"ru":      "Russian",
}

// languageName returns "" for English and for tags it has no name for, so
// nothing caller-supplied reaches the system prompt.
func languageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	if primary, _, found := strings.Cut(code, "-"); found {
		return languageNames[primary]
	}
	return ""
}
