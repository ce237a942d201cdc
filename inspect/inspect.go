// Package inspect exposes the outbox store over HTTP for manual
// intervention: listing messages by status and looking up a single
// message. Abandoned messages stay queryable here until the retention
// sweep removes them.
package inspect

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/enverbisevac/pipeline/outbox"
	"github.com/enverbisevac/pipeline/stream"
	"github.com/enverbisevac/pipeline/subscription"
)

const (
	defaultLimit = 50
	peekPage     = 256
)

// Handler returns the inspection routes mounted on a chi router:
//
//	GET /outbox/messages?status=ABANDONED&limit=50
//	GET /outbox/messages/{id}
//
// With WithDeadLetterSource it also serves
//
//	GET /streams/{stream}/deadletters?limit=50
func Handler(store outbox.Store, options ...Option) http.Handler {
	var config Config
	for _, opt := range options {
		opt.Apply(&config)
	}

	r := chi.NewRouter()
	r.Get("/outbox/messages", listMessages(store))
	r.Get("/outbox/messages/{id}", getMessage(store))
	if config.DeadLetters != nil {
		r.Get("/streams/{stream}/deadletters", listDeadLetters(config.DeadLetters))
	}
	return r
}

func listMessages(store outbox.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("status")
		if raw == "" {
			raw = string(outbox.StatusAbandoned)
		}
		status, err := outbox.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		limit := defaultLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				writeError(w, http.StatusBadRequest,
					errors.New("limit must be a positive integer"))
				return
			}
		}

		msgs, err := store.ListByStatus(r.Context(), status, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if msgs == nil {
			msgs = []outbox.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func getMessage(store outbox.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		msg, err := store.Find(r.Context(), id)
		if err != nil {
			if errors.Is(err, outbox.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

// listDeadLetters scans the log for envelopes on the stream's
// dead-letter topic. A linear scan is fine for an admin peek; the dlq
// is expected to be near-empty.
func listDeadLetters(src stream.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := subscription.DeadLetterTopic(chi.URLParam(r, "stream"))

		limit := defaultLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			var err error
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				writeError(w, http.StatusBadRequest,
					errors.New("limit must be a positive integer"))
				return
			}
		}

		letters := []stream.Envelope{}
		var from int64
		for len(letters) < limit {
			page, err := src.Read(r.Context(), from, peekPage)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if len(page) == 0 {
				break
			}
			for _, env := range page {
				from = env.Version
				if env.Stream != topic {
					continue
				}
				letters = append(letters, env)
				if len(letters) == limit {
					break
				}
			}
			if len(page) < peekPage {
				break
			}
		}
		writeJSON(w, http.StatusOK, letters)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
