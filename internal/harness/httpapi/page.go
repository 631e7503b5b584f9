package httpapi

import (
	"html/template"
	"path/filepath"
	"strings"
)

var pageTemplate = template.Must(template.New("context.html").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>wasmharness</title>
<script>window.__harnessConfig = {{.Config}};</script>
<script>{{.Shim}}</script>
{{- range .Assets}}
{{if eq .Kind "script"}}<script data-src="{{.URL}}">{{.Script}}</script>{{else}}<style data-src="{{.URL}}">{{.Style}}</style>{{end}}
{{- end}}
</head>
<body></body>
</html>
`))

type pageConfig struct {
	RunID          string `json:"runId"`
	ForwardConsole bool   `json:"forwardConsole"`
	BasePrefix     string `json:"basePrefix"`
}

type pageAsset struct {
	Kind   string
	URL    string
	Script template.JS
	Style  template.CSS
}

type pageData struct {
	Config pageConfig
	Shim   template.JS
	Assets []pageAsset
}

// inlineKind reports how an included file is embedded in the page.
func inlineKind(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".mjs":
		return "script"
	case ".css":
		return "style"
	}
	return ""
}

func scriptBody(src []byte) template.JS {
	return template.JS(closingTag.Replace(string(src)))
}

func styleBody(src []byte) template.CSS {
	return template.CSS(closingStyle.Replace(string(src)))
}

var (
	closingTag   = strings.NewReplacer("</script", `<\/script`, "</SCRIPT", `<\/SCRIPT`)
	closingStyle = strings.NewReplacer("</style", `<\/style`, "</STYLE", `<\/STYLE`)
)
