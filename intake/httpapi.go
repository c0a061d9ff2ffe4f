package intake

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/goliatone/go-syncbridge/core"
)

const (
	HeaderSignature = "X-Bridge-Signature"
	HeaderDelivery  = "X-Bridge-Delivery"

	maxBodyBytes = 1 << 20
)

// Handler exposes POST /webhooks/{source}. 202 on enqueue or dedupe, 401 on
// signature failure, 400 on malformed input.
func Handler(service *Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{source}", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		if len(body) > maxBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}

		result, err := service.Ingest(r.Context(), IngestRequest{
			SourceID:  r.PathValue("source"),
			DedupeKey: r.Header.Get(HeaderDelivery),
			Signature: r.Header.Get(HeaderSignature),
			Payload:   body,
		})
		if err != nil {
			mapped := core.DefaultErrorMapper(err)
			writeError(w, mapped.Code, mapped.Message)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"event_id": result.EventID,
			"deduped":  result.Deduped,
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
