// Package coco reads and writes COCO object-detection datasets.
//
// Only the parts the agents touch are typed. Everything else (info, licenses,
// segmentation polygons or RLE) is carried through verbatim as raw JSON, so a
// load/save round trip does not lose data.
package coco

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Dataset is one COCO annotation file.
type Dataset struct {
	Info        json.RawMessage `json:"info,omitempty"`
	Licenses    json.RawMessage `json:"licenses,omitempty"`
	Images      []Image         `json:"images"`
	Annotations []Annotation    `json:"annotations"`
	Categories  []Category      `json:"categories"`
}

// Image is a COCO image record.
type Image struct {
	ID       int64  `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// Annotation is a single detected object.
type Annotation struct {
	ID           int64           `json:"id"`
	ImageID      int64           `json:"image_id"`
	CategoryID   int64           `json:"category_id"`
	Segmentation json.RawMessage `json:"segmentation,omitempty"`
	Area         float64         `json:"area"`
	BBox         []float64       `json:"bbox"`
	IsCrowd      int             `json:"iscrowd"`
}

// Category is a COCO category entry.
type Category struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory,omitempty"`
}

// Load reads and decodes the dataset at path.
func Load(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("coco: read %s: %w", path, err)
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("coco: decode %s: %w", path, err)
	}
	return &ds, nil
}

// Save writes ds to path as indented JSON, creating parent directories.
func Save(path string, ds *Dataset) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("coco: create %s: %w", dir, err)
		}
	}
	data, err := json.MarshalIndent(ds, "", "    ")
	if err != nil {
		return fmt.Errorf("coco: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("coco: write %s: %w", path, err)
	}
	return nil
}

// AnnotationsFor returns the annotations belonging to imageID, in file order.
func (ds *Dataset) AnnotationsFor(imageID int64) []Annotation {
	var out []Annotation
	for _, a := range ds.Annotations {
		if a.ImageID == imageID {
			out = append(out, a)
		}
	}
	return out
}

// CategoriesNamed returns the categories whose name is in names, in dataset
// order.
func (ds *Dataset) CategoriesNamed(names []string) []Category {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []Category
	for _, c := range ds.Categories {
		if want[c.Name] {
			out = append(out, c)
		}
	}
	return out
}
