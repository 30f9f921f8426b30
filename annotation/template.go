package annotation

import (
	"embed"
	"html/template"
	"io"

	"github.com/russross/blackfriday/v2"
)

var (
	//go:embed templates/*
	templateFS embed.FS

	// Template manager with mold for layout support
	templateManager *TemplateManager = nil

	// TemplateFuncMap contains custom template functions available globally
	TemplateFuncMap = map[string]any{
		"markdown": func(text string) template.HTML {
			return template.HTML(blackfriday.Run([]byte(text)))
		},
	}
)

func init() {
	var err error
	templateManager, err = NewTemplateManager(templateFS, TemplateFuncMap)
	if err != nil {
		panic(err)
	}
}

// PageData is what the layout and the pages render
type PageData struct {
	Title         string
	Description   string
	NearThreshold float64
}

// RenderPage renders templates/pages/<pageName>.html inside the layout
func RenderPage(w io.Writer, pageName string, data PageData) error {
	return templateManager.Render(w, "pages/"+pageName+".html", data)
}
