package outreach

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed default_templates.yaml
var defaultTemplatesYAML []byte

// Templates holds the text/template sources for a message.
type Templates struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// DefaultTemplates returns the embedded templates.
func DefaultTemplates() Templates {
	t, err := ParseTemplates(defaultTemplatesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded outreach templates are invalid: %v", err))
	}
	return t
}

// LoadTemplates reads templates from a YAML file. An empty path yields the
// embedded default.
func LoadTemplates(path string) (Templates, error) {
	if path == "" {
		return DefaultTemplates(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Templates{}, fmt.Errorf("reading outreach templates: %w", err)
	}
	t, err := ParseTemplates(b)
	if err != nil {
		return Templates{}, fmt.Errorf("outreach templates %s: %w", path, err)
	}
	return t, nil
}

// ParseTemplates decodes YAML templates and checks both fields are present.
func ParseTemplates(data []byte) (Templates, error) {
	var t Templates
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Templates{}, fmt.Errorf("parsing yaml: %w", err)
	}
	if strings.TrimSpace(t.Subject) == "" {
		return Templates{}, errors.New("subject template is empty")
	}
	if strings.TrimSpace(t.Body) == "" {
		return Templates{}, errors.New("body template is empty")
	}
	return t, nil
}

func (t Templates) compile() (subject, body *template.Template, err error) {
	subject, err = template.New("subject").Option("missingkey=error").Parse(t.Subject)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing subject template: %w", err)
	}
	body, err = template.New("body").Option("missingkey=error").Parse(t.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing body template: %w", err)
	}
	return subject, body, nil
}
