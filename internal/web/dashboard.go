// Package web serves the live status page for embedd.
package web

import (
	_ "embed"
	"net/http"
	"strings"
)

//go:embed dashboard.html
var dashboardHTML string

// Dashboard returns a handler for the status page. The page subscribes to
// the hub at wsPath.
func Dashboard(wsPath string) http.HandlerFunc {
	page := strings.ReplaceAll(dashboardHTML, "{{WS_PATH}}", wsPath)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		_, _ = w.Write([]byte(page))
	}
}
