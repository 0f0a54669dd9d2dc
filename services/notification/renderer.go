package notification

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"
)

const (
	Subject      = "Your OTP Code"
	templateName = "otp.html"
)

//go:embed templates/otp.html
var defaultTemplates embed.FS

type Renderer struct {
	appName string
	ttl     time.Duration
	tmpl    *template.Template
}

// NewRenderer loads the built-in OTP email. If dir holds an otp.html it
// replaces the built-in one.
func NewRenderer(appName string, ttl time.Duration, dir string) (*Renderer, error) {
	tmpl, err := template.ParseFS(defaultTemplates, "templates/"+templateName)
	if err != nil {
		return nil, fmt.Errorf("failed to parse built-in template: %w", err)
	}

	if dir != "" {
		override := filepath.Join(dir, templateName)
		if _, statErr := os.Stat(override); statErr == nil {
			tmpl, err = template.ParseFiles(override)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", override, err)
			}
		}
	}

	return &Renderer{appName: appName, ttl: ttl, tmpl: tmpl}, nil
}

func (r *Renderer) Render(e Event) (string, error) {
	name := e.DisplayName
	if name == "" {
		name = "there"
	}

	var buf bytes.Buffer
	err := r.tmpl.ExecuteTemplate(&buf, templateName, map[string]any{
		"AppName":     r.appName,
		"DisplayName": name,
		"Code":        e.Code,
		"ExpiresIn":   humanDuration(r.ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render otp email: %w", err)
	}
	return buf.String(), nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	default:
		return d.String()
	}
}
