package chrome

import (
	"encoding/json"
	"strings"

	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// formatArgs renders console arguments the way the devtools console shows
// primitives: strings bare, everything else as JSON or its description.
func formatArgs(args []*cdpruntime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, formatRemote(arg))
	}
	return strings.Join(parts, " ")
}

func formatRemote(obj *cdpruntime.RemoteObject) string {
	if obj == nil {
		return ""
	}
	if len(obj.Value) > 0 {
		var s string
		if err := json.Unmarshal([]byte(obj.Value), &s); err == nil {
			return s
		}
		return string(obj.Value)
	}
	if obj.UnserializableValue != "" {
		return string(obj.UnserializableValue)
	}
	if obj.Description != "" {
		return obj.Description
	}
	return string(obj.Type)
}

func exceptionText(details *cdpruntime.ExceptionDetails) string {
	if details.Exception != nil && details.Exception.Description != "" {
		return details.Exception.Description
	}
	return details.Text
}
