// Пакет handlers — HTTP-обработчики maintenance API keyed-store.
package handlers

import (
	"encoding/json"
	"net/http"
)

// serviceName — имя сервиса в ответах health.
const serviceName = "keyed-store"

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
