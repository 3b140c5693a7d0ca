// Package annotate re-checks the categories of COCO detections against the
// image they were made on.
package annotate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/MrWong99/agentengine/internal/agent"
	"github.com/MrWong99/agentengine/internal/coco"
	"github.com/MrWong99/agentengine/pkg/backend"
)

// Class is one category the model may assign.
type Class struct {
	CategoryID int64  `json:"category_id"`
	Name       string `json:"name"`
}

// ClassesFrom converts dataset categories into assignable classes.
func ClassesFrom(cats []coco.Category) []Class {
	out := make([]Class, len(cats))
	for i, c := range cats {
		out[i] = Class{CategoryID: c.ID, Name: c.Name}
	}
	return out
}

// Correction is the outcome of [Checker.Correct].
type Correction struct {
	// Annotations is the corrected list, or the input unchanged when
	// Fallback is set.
	Annotations []coco.Annotation

	// Fallback reports that the model's answer was discarded.
	Fallback bool

	// Reason explains a fallback.
	Reason string
}

// Checker asks a vision model to reassign category ids.
type Checker struct {
	gen agent.Generator
	log *slog.Logger
}

// New creates a Checker. A nil log uses slog.Default.
func New(gen agent.Generator, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{gen: gen, log: log}
}

// Generator returns the underlying generator, for clearing between images.
func (c *Checker) Generator() agent.Generator { return c.gen }

// Correct asks the model to reassign the category_id of each annotation to one
// of allowed, looking at the image at imagePath.
//
// A missing image is an error wrapping [backend.ErrMissingAsset]. Everything
// else the model can get wrong (a failed generation, unparseable JSON, an id
// outside allowed) results in the original annotations coming back with
// Fallback set.
func (c *Checker) Correct(ctx context.Context, imagePath string, anns []coco.Annotation, allowed []Class) (Correction, error) {
	if imagePath == "" {
		return Correction{}, fmt.Errorf("annotate: %w: no image path", backend.ErrMissingAsset)
	}
	if _, err := os.Stat(imagePath); err != nil {
		return Correction{}, fmt.Errorf("annotate: %w: %s: %w", backend.ErrMissingAsset, imagePath, err)
	}

	prompt, err := buildPrompt(anns, allowed)
	if err != nil {
		return Correction{}, err
	}
	res := c.gen.Submit(ctx, prompt, imagePath)
	if err := agent.Check(res); err != nil {
		return c.fallback(anns, imagePath, err.Error()), nil
	}

	fixed, err := parse(res.Result)
	if err != nil {
		return c.fallback(anns, imagePath, err.Error()), nil
	}
	valid := make(map[int64]bool, len(allowed))
	for _, cl := range allowed {
		valid[cl.CategoryID] = true
	}
	for _, a := range fixed {
		if !valid[a.CategoryID] {
			return c.fallback(anns, imagePath, fmt.Sprintf("invalid category id %d generated", a.CategoryID)), nil
		}
	}
	return Correction{Annotations: fixed}, nil
}

func (c *Checker) fallback(orig []coco.Annotation, image, reason string) Correction {
	c.log.Warn("keeping original annotations", "image", image, "reason", reason)
	return Correction{Annotations: orig, Fallback: true, Reason: reason}
}

var errNoJSON = errors.New("annotate: reply is not a JSON annotation list")

// parse reads the annotation list from a ```json block, or from the whole
// reply when there is none.
func parse(reply string) ([]coco.Annotation, error) {
	body := strings.TrimSpace(reply)
	if strings.Contains(body, "```json") {
		body, _ = agent.Fenced(body, "json")
	}
	var out []coco.Annotation
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("%w: %w", errNoJSON, err)
	}
	return out, nil
}

func buildPrompt(anns []coco.Annotation, allowed []Class) (string, error) {
	if anns == nil {
		anns = []coco.Annotation{}
	}
	annJSON, err := json.MarshalIndent(anns, "", "    ")
	if err != nil {
		return "", fmt.Errorf("annotate: encode annotations: %w", err)
	}
	clsJSON, err := json.Marshal(allowed)
	if err != nil {
		return "", fmt.Errorf("annotate: encode classes: %w", err)
	}
	return fmt.Sprintf(promptTemplate, annJSON, clsJSON), nil
}

const promptTemplate = `Original input:
Below is COCO JSON data holding object detection results. Your output must follow exactly the same structure:
%s

Task:
The classification results are unreliable. Reassign each ` + "`category_id`" + ` using only this allowed category space:
%s

Requirements:
1. Only change the ` + "`category_id`" + ` field of each object.
2. Keep the structure of the original COCO JSON and the values of every other field unchanged.
3. Do not explain anything; output the complete corrected COCO JSON directly.
4. Use markdown syntax ` + "```json```" + `.

Abstract example:
- Original input:
[
    {
        "id": m,
        "image_id": n,
        "category_id": u,
        "segmentation": [],
        "area": v,
        "bbox": [x, y, w, h],
        "iscrowd": 0
    }
]
- Output:
[
    {
        "id": m,
        "image_id": n,
        "category_id": ${fixed_category_id},
        "segmentation": [],
        "area": v,
        "bbox": [x, y, w, h],
        "iscrowd": 0
    }
]`
