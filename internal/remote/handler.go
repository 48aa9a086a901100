package remote

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/studysync/backend/internal/logging"
)

// maxDocumentBody bounds merge request bodies.
const maxDocumentBody = 4 << 20

// documentReader is implemented by stores that can return whole documents.
type documentReader interface {
	Document(userID string) map[string]json.RawMessage
}

// NewHandler serves the document REST protocol spoken by HTTPStore on top
// of a MemoryStore, plus GET /healthz for connectivity probes.
func NewHandler(store *MemoryStore) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/documents/{userID}", func(r chi.Router) {
		r.Get("/", getDocument(store))
		r.Patch("/", mergeDocument(store))
	})

	return r
}

func getDocument(store documentReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := documentID(r)
		doc := store.Document(userID)
		if doc == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "document not found"})
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func mergeDocument(store DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := documentID(r)

		var fields map[string]json.RawMessage
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBody)).Decode(&fields); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid merge body"})
			return
		}
		if len(fields) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "merge body has no fields"})
			return
		}

		for field, value := range fields {
			if err := store.MergeField(r.Context(), userID, field, value); err != nil {
				logging.Error("Document merge failed", err, map[string]interface{}{
					"user_id":    userID,
					"field":      field,
					"request_id": middleware.GetReqID(r.Context()),
				})
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// documentID returns the unescaped user id path parameter. chi matches on
// the raw path, so escaped separators arrive still encoded.
func documentID(r *http.Request) string {
	id := chi.URLParam(r, "userID")
	if unescaped, err := url.PathUnescape(id); err == nil {
		return unescaped
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
