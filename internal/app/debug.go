package app

import (
	"encoding/json"
	"net/http"

	"notifyd/internal/notifier"
)

const historyPath = "/debug/notifier/history"

// historyHandler serves the recent dispatch history as JSON, oldest first.
func historyHandler(snapshot func() []notifier.HistoryItem) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		items := snapshot()
		if items == nil {
			items = []notifier.HistoryItem{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(items)
	})
}
