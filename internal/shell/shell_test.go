package shell

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/comigor/crm-query-widget/internal/config"
)

func TestNew_RendersScaffold(t *testing.T) {
	s, err := New(config.WidgetConfig{
		Title:    "Ask <CRM>",
		Examples: []string{"Who did I contact last week?", `<script>x</script>`},
	}, "")
	require.NoError(t, err)

	scaffold := string(s.Scaffold())
	require.Contains(t, scaffold, `<div id="crm-query-header">Ask &lt;CRM&gt;</div>`)
	require.Contains(t, scaffold, "Who did I contact last week?")
	require.NotContains(t, scaffold, "<script>x</script>")
	require.Contains(t, scaffold, `id="crm-query-messages"`)
	require.Contains(t, scaffold, `id="crm-query-input"`)
	require.Contains(t, scaffold, `id="crm-query-submit"`)
	require.Contains(t, scaffold, `id="crm-query-toggle"`)
}

func TestNew_DefaultTitle(t *testing.T) {
	s, err := New(config.WidgetConfig{}, "")
	require.NoError(t, err)
	require.Contains(t, string(s.Scaffold()), "CRM Query Assistant")
	require.NotContains(t, string(s.Scaffold()), "For example")
}

func TestNew_ScriptDefaultBase(t *testing.T) {
	s, err := New(config.WidgetConfig{}, "https://widget.example.com/")
	require.NoError(t, err)
	script := string(s.Script())
	require.Contains(t, script, `window.CRM_QUERY_WIDGET_URL || "https://widget.example.com" ||`)
	require.NotContains(t, script, "{{")

	empty, err := New(config.WidgetConfig{}, "")
	require.NoError(t, err)
	require.Contains(t, string(empty.Script()), `window.CRM_QUERY_WIDGET_URL || "" ||`)
}

func TestNew_ScriptBaseCannotBreakOut(t *testing.T) {
	s, err := New(config.WidgetConfig{}, `</script><script>alert(1)</script>`)
	require.NoError(t, err)
	require.NotContains(t, string(s.Script()), "</script>")
}

func TestRegister(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, err := New(config.WidgetConfig{Title: "T"}, "")
	require.NoError(t, err)

	r := gin.New()
	s.Register(r)

	for path, ctype := range map[string]string{
		ScriptPath:   "application/javascript",
		StylePath:    "text/css",
		ScaffoldPath: "text/html",
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code, path)
		require.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), ctype), path)
		require.NotEmpty(t, w.Body.String(), path)
	}
}

func TestNew_ScriptHandlesRejectedSubmits(t *testing.T) {
	s, err := New(config.WidgetConfig{}, "")
	require.NoError(t, err)
	script := string(s.Script())

	require.Contains(t, script, "r.status === 404")
	require.Contains(t, script, "return attach()")
	require.Contains(t, script, "widget host answered")
}
