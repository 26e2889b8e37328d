// Package shell serves the static parts of the widget: the script tag target,
// its stylesheet and the panel scaffold. None of it carries business logic;
// the script only mirrors what the widget host publishes.
package shell

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"net/http"
	"strings"
	texttemplate "text/template"

	"github.com/gin-gonic/gin"

	"github.com/comigor/crm-query-widget/internal/config"
)

//go:embed assets/*
var assets embed.FS

const (
	ScriptPath   = "/static/chat-widget.js"
	StylePath    = "/static/chat-widget.css"
	ScaffoldPath = "/widget/scaffold"
)

// Shell renders the widget assets for one host configuration.
type Shell struct {
	title     string
	examples  []string
	publicURL string

	script   []byte
	style    []byte
	scaffold []byte
}

// New renders the assets once for cfg. publicURL, when set, becomes the
// script's default host; pages can still override it with
// window.CRM_QUERY_WIDGET_URL.
func New(cfg config.WidgetConfig, publicURL string) (*Shell, error) {
	s := &Shell{
		title:     cfg.Title,
		examples:  cfg.Examples,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
	if s.title == "" {
		s.title = "CRM Query Assistant"
	}

	var err error
	if s.script, err = s.renderScript(); err != nil {
		return nil, fmt.Errorf("render script: %w", err)
	}
	if s.scaffold, err = s.renderScaffold(); err != nil {
		return nil, fmt.Errorf("render scaffold: %w", err)
	}
	if s.style, err = assets.ReadFile("assets/chat-widget.css"); err != nil {
		return nil, fmt.Errorf("read stylesheet: %w", err)
	}
	return s, nil
}

func (s *Shell) renderScript() ([]byte, error) {
	tmpl, err := texttemplate.ParseFS(assets, "assets/chat-widget.js")
	if err != nil {
		return nil, err
	}
	// json.Marshal escapes <, > and & so the value cannot close a script tag.
	base, err := json.Marshal(s.publicURL)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ DefaultBase string }{string(base)}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Shell) renderScaffold() ([]byte, error) {
	tmpl, err := htmltemplate.ParseFS(assets, "assets/scaffold.html")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	data := struct {
		Title    string
		Examples []string
	}{s.title, s.examples}
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Script returns the embeddable widget script.
func (s *Shell) Script() []byte { return s.script }

// Style returns the widget stylesheet.
func (s *Shell) Style() []byte { return s.style }

// Scaffold returns the panel markup the script mounts.
func (s *Shell) Scaffold() []byte { return s.scaffold }

// Register mounts the asset routes on r.
func (s *Shell) Register(r gin.IRoutes) {
	r.GET(ScriptPath, func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache")
		c.Data(http.StatusOK, "application/javascript; charset=utf-8", s.script)
	})
	r.GET(StylePath, func(c *gin.Context) {
		c.Data(http.StatusOK, "text/css; charset=utf-8", s.style)
	})
	r.GET(ScaffoldPath, func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", s.scaffold)
	})
}
