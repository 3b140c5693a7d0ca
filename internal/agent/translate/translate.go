// Package translate renames COCO categories between English common names and
// Latin scientific names, using a Wikipedia article as evidence.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/agentengine/internal/agent"
	"github.com/MrWong99/agentengine/internal/coco"
	"github.com/MrWong99/agentengine/internal/crawl"
)

// DefaultContext is the character budget for the Wikipedia article.
const DefaultContext = 12000

// Mode is a translation direction.
type Mode string

const (
	EnglishToLatin Mode = "en2la"
	LatinToEnglish Mode = "la2en"
)

// ErrUnknownMode is returned for a mode other than en2la or la2en.
var ErrUnknownMode = errors.New("translate: unknown mode")

// ParseMode validates s.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case EnglishToLatin, LatinToEnglish:
		return m, nil
	}
	return "", fmt.Errorf("%w %q (want %s or %s)", ErrUnknownMode, s, EnglishToLatin, LatinToEnglish)
}

// Agent translates category names.
type Agent struct {
	gen     agent.Generator
	wiki    crawl.Source
	context int
	log     *slog.Logger
}

// New creates an Agent. context <= 0 means [DefaultContext]; a nil log uses
// slog.Default.
func New(gen agent.Generator, wiki crawl.Source, context int, log *slog.Logger) *Agent {
	if context <= 0 {
		context = DefaultContext
	}
	if log == nil {
		log = slog.Default()
	}
	return &Agent{gen: gen, wiki: wiki, context: context, log: log}
}

// Generator returns the underlying generator.
func (a *Agent) Generator() agent.Generator { return a.gen }

// Translate asks the model to replace the name of cat and returns the model's
// reply verbatim. Use [DecodeCategory] to turn it back into a category.
func (a *Agent) Translate(ctx context.Context, cat coco.Category, mode Mode) (string, error) {
	var nameInfo, target string
	switch mode {
	case EnglishToLatin:
		nameInfo, target = "English name: "+cat.Name, "Latin scientific name"
	case LatinToEnglish:
		nameInfo, target = "Latin scientific name: "+cat.Name, "English name"
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownMode, mode)
	}

	article := ""
	if a.wiki != nil && strings.TrimSpace(cat.Name) != "" {
		text, err := a.wiki.Fetch(ctx, cat.Name)
		if err != nil {
			a.log.Warn("no article for category", "name", cat.Name, "err", err)
		} else {
			article = text
		}
	}

	catJSON, err := json.MarshalIndent(cat, "", "    ")
	if err != nil {
		return "", fmt.Errorf("translate: encode category: %w", err)
	}
	prompt := fmt.Sprintf(promptTemplate, catJSON, nameInfo, target, agent.Truncate(article, a.context))

	res := a.gen.Submit(ctx, prompt, "")
	if err := agent.Check(res); err != nil {
		return "", fmt.Errorf("translate: %s: %w", cat.Name, err)
	}
	return res.Result, nil
}

// DecodeCategory parses a reply from [Agent.Translate]. The id of orig is
// always kept; a reply without a usable name is an error.
func DecodeCategory(reply string, orig coco.Category) (coco.Category, error) {
	body, ok := agent.Fenced(reply, "json")
	if !ok {
		body, ok = agent.Object(reply)
	}
	if !ok {
		return orig, fmt.Errorf("translate: reply has no JSON object")
	}
	out := orig
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return orig, fmt.Errorf("translate: decode reply: %w", err)
	}
	if strings.TrimSpace(out.Name) == "" {
		return orig, fmt.Errorf("translate: reply has an empty name")
	}
	out.ID = orig.ID
	return out, nil
}

const promptTemplate = `The original COCO-formatted category member is:
%s

The name to be translated is: %s

Wikipedia core text content (please carefully check for clues to translate into %s):
%s...

Only replace the ` + "`name`" + ` attribute in the original COCO-formatted category. Do not add formatting like ` + "```json```" + `. For example:
{
    "id": xx,
    "name": "new_name",
    "supercategory": "new_supercategory"
}`
