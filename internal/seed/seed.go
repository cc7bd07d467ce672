// Package seed loads templates and their photos from a YAML manifest.
//
// Manifest:
//
//	templates:
//	  - id: office            # optional, a UUID is generated when empty
//	    person_id: 1
//	    name: Office
//	    image: photos/office.jpg  # relative to the manifest
//	    captions:
//	      - it works on my machine
//	      - who broke the build
//
// Each photo is stored at templates/<id><ext> and the template is upserted
// with that reference. Re-running a manifest keeps usage counts.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/memegen-pipeline/internal/store"
	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// Manifest is the seed file layout.
type Manifest struct {
	Templates []Entry `yaml:"templates"`
}

// Entry describes one template.
type Entry struct {
	ID       string   `yaml:"id"`
	PersonID int      `yaml:"person_id"`
	Name     string   `yaml:"name"`
	Image    string   `yaml:"image"`
	Captions []string `yaml:"captions"`
}

// LoadManifest parses the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &m, nil
}

// SourceKey returns the object key of a template photo.
func SourceKey(templateID, imagePath string) string {
	return "templates/" + templateID + strings.ToLower(filepath.Ext(imagePath))
}

// Apply uploads photos and upserts templates. Image paths are resolved
// against baseDir. It returns the stored templates.
func Apply(ctx context.Context, m *Manifest, baseDir string, templates store.TemplateStore, objects store.ObjectStore) ([]types.Template, error) {
	out := make([]types.Template, 0, len(m.Templates))
	for i, e := range m.Templates {
		if e.PersonID <= 0 {
			return out, fmt.Errorf("template %d: person_id must be positive: %w", i, types.ErrInvalidInput)
		}
		if e.Image == "" {
			return out, fmt.Errorf("template %d: image is required: %w", i, types.ErrInvalidInput)
		}

		id := e.ID
		if id == "" {
			id = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		if strings.Contains(id, "_") {
			// '_' separates cache key parts
			return out, fmt.Errorf("template id %q must not contain '_': %w", id, types.ErrInvalidInput)
		}

		imgPath := e.Image
		if !filepath.IsAbs(imgPath) {
			imgPath = filepath.Join(baseDir, imgPath)
		}
		data, err := os.ReadFile(imgPath)
		if err != nil {
			return out, fmt.Errorf("failed to read image for template %s: %w", id, err)
		}

		key := SourceKey(id, e.Image)
		contentType := mime.TypeByExtension(filepath.Ext(e.Image))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := objects.Put(ctx, key, data, contentType); err != nil {
			return out, fmt.Errorf("failed to upload image for template %s: %w", id, err)
		}

		tpl := types.Template{
			ID:             id,
			PersonID:       e.PersonID,
			Name:           e.Name,
			Captions:       e.Captions,
			SourceImageRef: key,
		}
		if prev, err := templates.GetTemplate(ctx, id); err == nil {
			tpl.UsageCount = prev.UsageCount
		} else if !errors.Is(err, types.ErrNotFound) {
			return out, fmt.Errorf("failed to load template %s: %w", id, err)
		}
		if err := templates.PutTemplate(ctx, tpl); err != nil {
			return out, fmt.Errorf("failed to store template %s: %w", id, err)
		}
		if len(tpl.Captions) == 0 {
			slog.Warn("Template has no captions and will never be selected", "template_id", id)
		}
		out = append(out, tpl)
	}
	return out, nil
}

// File loads the manifest at path and applies it.
func File(ctx context.Context, path string, templates store.TemplateStore, objects store.ObjectStore) ([]types.Template, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return Apply(ctx, m, filepath.Dir(path), templates, objects)
}
