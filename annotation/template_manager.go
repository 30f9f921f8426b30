package annotation

import (
	"fmt"
	"io"
	"io/fs"

	"github.com/abiosoft/mold"
)

// layoutFile wraps every page; pages are rendered where it calls {{render}}
const layoutFile = "layouts/base.html"

// TemplateManager renders pages inside the shared layout using mold
type TemplateManager struct {
	engine mold.Engine
}

// NewTemplateManager parses the layout and pages found under templates/ in fsys
func NewTemplateManager(fsys fs.FS, funcMap map[string]any) (*TemplateManager, error) {
	root, err := fs.Sub(fsys, "templates")
	if err != nil {
		return nil, fmt.Errorf("while opening templates: %w", err)
	}
	engine, err := mold.New(root,
		mold.WithLayout(layoutFile),
		mold.WithFuncMap(funcMap),
	)
	if err != nil {
		return nil, fmt.Errorf("while parsing templates: %w", err)
	}
	return &TemplateManager{engine: engine}, nil
}

// Render renders a page template, e.g. "pages/help.html", inside the layout
func (tm *TemplateManager) Render(w io.Writer, pageName string, data any) error {
	return tm.engine.Render(w, pageName, data)
}
