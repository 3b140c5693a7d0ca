// Package research builds a structured species report from encyclopedia text.
//
// The agent pulls an article from a Chinese source (Baike) and an English one
// (Wikipedia), trims each to half of the context budget and asks the model to
// fill a fixed JSON report. A reply that cannot be parsed yields
// [FailedReport] rather than an error, so a batch keeps going.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/agentengine/internal/agent"
	"github.com/MrWong99/agentengine/internal/crawl"
)

// DefaultContext is the character budget shared by both articles.
const DefaultContext = 12000

// Failed marks every field of a report that could not be produced.
const Failed = "[ERROR] Failed"

// placeholder stands in for an article that could not be fetched.
const placeholder = "(none)"

// Detail is a long and a short description of one aspect.
type Detail struct {
	Detailed string `json:"detailed"`
	Brief    string `json:"brief"`
}

// Report is the structured answer for one species.
type Report struct {
	ChinaProtectionLevel         string `json:"china_protection_level"`
	InternationalEndangeredLevel string `json:"international_endangered_level"`
	Morphology                   Detail `json:"morphology"`
	Habits                       Detail `json:"habits"`
	Habitat                      Detail `json:"habitat"`
}

// FailedReport returns a report with every field set to [Failed].
func FailedReport() Report {
	d := Detail{Detailed: Failed, Brief: Failed}
	return Report{
		ChinaProtectionLevel:         Failed,
		InternationalEndangeredLevel: Failed,
		Morphology:                   d,
		Habits:                       d,
		Habitat:                      d,
	}
}

// Failed reports whether any field carries the [Failed] marker.
func (r Report) Failed() bool {
	for _, s := range []string{
		r.ChinaProtectionLevel, r.InternationalEndangeredLevel,
		r.Morphology.Detailed, r.Morphology.Brief,
		r.Habits.Detailed, r.Habits.Brief,
		r.Habitat.Detailed, r.Habitat.Brief,
	} {
		if strings.Contains(s, Failed) {
			return true
		}
	}
	return false
}

// Agent produces species reports.
type Agent struct {
	gen     agent.Generator
	baike   crawl.Source
	wiki    crawl.Source
	context int
	log     *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Agent)

// WithContext sets the character budget for the fetched articles.
func WithContext(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.context = n
		}
	}
}

// WithLogger sets the diagnostics sink.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// New creates an Agent. Either source may be nil, in which case its article is
// always the placeholder.
func New(gen agent.Generator, baike, wiki crawl.Source, opts ...Option) *Agent {
	a := &Agent{gen: gen, baike: baike, wiki: wiki, context: DefaultContext, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Generator returns the underlying generator.
func (a *Agent) Generator() agent.Generator { return a.gen }

// Query researches one species. Baike is searched by name, or by latinName
// when name is empty; Wikipedia by latinName.
//
// The only error returned is a failed generation. An unparseable reply gives
// [FailedReport] and a nil error.
func (a *Agent) Query(ctx context.Context, name, latinName string) (Report, error) {
	baikeText, wikiText := placeholder, placeholder

	baikeKey := strings.TrimSpace(name)
	if baikeKey == "" {
		baikeKey = strings.TrimSpace(latinName)
	}
	if baikeKey != "" {
		baikeText = a.fetch(ctx, a.baike, baikeKey)
	}
	if key := strings.TrimSpace(latinName); key != "" {
		wikiText = a.fetch(ctx, a.wiki, key)
	}

	half := a.context / 2
	prompt := fmt.Sprintf(promptTemplate, name, latinName,
		agent.Truncate(baikeText, half), agent.Truncate(wikiText, half))

	res := a.gen.Submit(ctx, prompt, "")
	if err := agent.Check(res); err != nil {
		return Report{}, fmt.Errorf("research: %s (%s): %w", name, latinName, err)
	}
	return a.parse(res.Result, name, latinName), nil
}

func (a *Agent) fetch(ctx context.Context, src crawl.Source, keyword string) string {
	if src == nil {
		return placeholder
	}
	text, err := src.Fetch(ctx, keyword)
	if err != nil {
		a.log.Warn("research source unavailable", "source", src.Name(), "keyword", keyword, "err", err)
		return placeholder
	}
	if strings.TrimSpace(text) == "" {
		return placeholder
	}
	return text
}

func (a *Agent) parse(reply, name, latinName string) Report {
	obj, ok := agent.Object(reply)
	if !ok {
		a.log.Warn("report reply has no JSON object", "species", name, "latin", latinName)
		return FailedReport()
	}
	var r Report
	if err := json.Unmarshal([]byte(obj), &r); err != nil {
		a.log.Warn("report reply is not valid JSON", "species", name, "latin", latinName, "err", err)
		return FailedReport()
	}
	return r
}

const promptTemplate = `Generate a standardized report from the processed content below.
Name: %s (Latin scientific name: %s)

Baidu Baike core text:
%s...

Wikipedia core text:
%s...

Structured information to produce:
1. China protection level (based on the Baidu Baike content only)
2. International endangered level (based on all encyclopedia content)
3. Morphology (a detailed description and a brief summary, based on all sources, keep it short)
4. Habits (a detailed description and a brief summary, based on all sources, keep it short)
5. Habitat (a detailed description and a brief summary, based on all sources, keep it short)

Return the following JSON:
{
    "china_protection_level": "... (look for clues in the context; one of first class/second class/third class/fourth class/not protected/unknown; write unknown if nothing is found)",
    "international_endangered_level": "... (look for clues in the context; one of extinct/extinct in the wild/critically endangered/endangered/vulnerable/near threatened/least concern/unknown; write unknown if nothing is found)",
    "morphology": { (look for clues in the context; write unknown if nothing is found; leave out unrelated content)
        "detailed": "...",
        "brief": "..."
    },
    "habits": { (same rules as above)
        "detailed": "...",
        "brief": "..."
    },
    "habitat": { (same rules as above)
        "detailed": "...",
        "brief": "..."
    }
}`
