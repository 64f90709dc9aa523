// Package extract turns free-text "edit"/"add" payloads into structured
// medication fields.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/MedPipe/internal/models"
	"github.com/BTreeMap/MedPipe/internal/schedule"
)

// ErrUnparseable is returned when the text does not yield a medicine name and time.
var ErrUnparseable = errors.New("unable to parse medicine input")

// Extractor parses free text such as "vitamin d 8 am monday".
type Extractor interface {
	Extract(ctx context.Context, text string) (models.ParsedMedication, error)
}

// Generator is the chat completion used by OpenAIExtractor.
type Generator interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const systemPrompt = "You are a precise data extraction AI. Return valid JSON only."

const userPromptTemplate = `You are an intelligent assistant that extracts medicine reminder details from user SMS messages. Each message contains a medicine name, a time, and optionally a day of the week.

Return ONLY a valid JSON object in the format:
{
  "medicine_name": "<string>",
  "time": "<string>",
  "day": "<string or null if not provided>"
}

Examples:
"Vitamin D 10 pm" -> {"medicine_name": "vitamin d", "time": "10 pm", "day": null}
"Tylenol 8 am Monday" -> {"medicine_name": "tylenol", "time": "8 am", "day": "monday"}

Message:
%s`

var jsonObjectRegex = regexp.MustCompile(`\{[\s\S]*\}`)

// OpenAIExtractor asks a chat model for the fields.
type OpenAIExtractor struct {
	gen Generator
}

// Compile-time checks that the extractors implement Extractor.
var (
	_ Extractor = (*OpenAIExtractor)(nil)
	_ Extractor = SimpleExtractor{}
)

// NewOpenAIExtractor creates an extractor backed by gen.
func NewOpenAIExtractor(gen Generator) *OpenAIExtractor {
	return &OpenAIExtractor{gen: gen}
}

// Extract sends text to the model and validates the JSON it returns.
func (e *OpenAIExtractor) Extract(ctx context.Context, text string) (models.ParsedMedication, error) {
	raw, err := e.gen.GeneratePrompt(ctx, systemPrompt, fmt.Sprintf(userPromptTemplate, text))
	if err != nil {
		return models.ParsedMedication{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	slog.Debug("OpenAIExtractor.Extract: raw response", "response", raw)
	parsed, err := ParseResponse(raw)
	if err != nil {
		slog.Warn("OpenAIExtractor.Extract: invalid response", "error", err)
		return models.ParsedMedication{}, err
	}
	return parsed, nil
}

// ParseResponse decodes a model response. If the whole response is not a
// JSON object, the outermost {...} block is tried instead. All three keys
// must be present; medicine_name and time must be non-empty strings and day
// may be null.
func ParseResponse(raw string) (models.ParsedMedication, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		match := jsonObjectRegex.FindString(raw)
		if match == "" {
			return models.ParsedMedication{}, fmt.Errorf("%w: no JSON object in response", ErrUnparseable)
		}
		fields = nil
		if err := json.Unmarshal([]byte(match), &fields); err != nil {
			return models.ParsedMedication{}, fmt.Errorf("%w: recovered block is not JSON: %v", ErrUnparseable, err)
		}
	}
	if fields == nil {
		return models.ParsedMedication{}, fmt.Errorf("%w: response is not a JSON object", ErrUnparseable)
	}
	for _, key := range []string{"medicine_name", "time", "day"} {
		if _, ok := fields[key]; !ok {
			return models.ParsedMedication{}, fmt.Errorf("%w: missing key %q", ErrUnparseable, key)
		}
	}

	name, _ := fields["medicine_name"].(string)
	tm, _ := fields["time"].(string)
	day, _ := fields["day"].(string)
	out := models.ParsedMedication{
		Name: strings.ToLower(strings.TrimSpace(name)),
		Time: strings.ToLower(strings.TrimSpace(tm)),
		Day:  strings.ToLower(strings.TrimSpace(day)),
	}
	if out.Name == "" || out.Time == "" {
		return models.ParsedMedication{}, fmt.Errorf("%w: empty medicine_name or time", ErrUnparseable)
	}
	return out, nil
}

// SimpleExtractor splits on whitespace: "<name> <time> [day]". The name may
// span several words; it ends at the first token that reads as a time,
// either on its own ("8:30pm", "20:30") or together with a following am/pm
// token ("8 am").
type SimpleExtractor struct{}

// Extract implements Extractor without any network calls.
func (SimpleExtractor) Extract(_ context.Context, text string) (models.ParsedMedication, error) {
	parts := strings.Fields(strings.ToLower(text))
	if len(parts) < 2 {
		return models.ParsedMedication{}, ErrUnparseable
	}
	for i := 1; i < len(parts); i++ {
		tm, used := timeAt(parts, i)
		if used == 0 {
			continue
		}
		return models.ParsedMedication{
			Name: strings.Join(parts[:i], " "),
			Time: tm,
			Day:  strings.Join(parts[i+used:], " "),
		}, nil
	}
	return models.ParsedMedication{}, ErrUnparseable
}

// timeAt reports the time string starting at parts[i] and how many tokens it uses.
func timeAt(parts []string, i int) (string, int) {
	if i+1 < len(parts) && (parts[i+1] == "am" || parts[i+1] == "pm") {
		if _, _, err := schedule.ParseClock(parts[i] + parts[i+1]); err == nil {
			return parts[i] + " " + parts[i+1], 2
		}
	}
	if _, _, err := schedule.ParseClock(parts[i]); err == nil {
		return parts[i], 1
	}
	return "", 0
}
