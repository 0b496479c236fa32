// Package server wires the hub and the document store to HTTP routes.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"collabtext/internal/store"
)

// FileNameParam names the document in load and save requests.
const FileNameParam = "fileName"

// Document is the part of the hub the HTTP routes use.
type Document interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Load(ctx context.Context, text string) error
	Snapshot(ctx context.Context) (string, uint64, error)
}

type handlers struct {
	doc   Document
	store store.Store
	log   logr.Logger
}

// NewRouter returns the routes of the sync server:
//
//	GET  /ws?user=<identity>   collaborator connection
//	GET  /listFiles            JSON array of stored document names
//	POST /load?fileName=<name> replace the shared document, replies OK or ERROR: ...
//	POST /save?fileName=<name> store the shared document, replies OK or ERROR: ...
//	GET  /healthz
func NewRouter(doc Document, st store.Store, log logr.Logger) *mux.Router {
	h := &handlers{doc: doc, store: st, log: log.WithName("http")}

	r := mux.NewRouter()
	r.HandleFunc("/ws", doc.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/listFiles", h.listFiles).Methods(http.MethodGet)
	r.HandleFunc("/load", h.load).Methods(http.MethodPost)
	r.HandleFunc("/save", h.save).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

// listFiles answers with an empty list when the store fails, so the file
// picker keeps working.
func (h *handlers) listFiles(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.List(r.Context())
	if err != nil {
		h.log.Error(err, "listing stored documents")
		names = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(names); err != nil {
		h.log.Error(err, "writing file list")
	}
}

func (h *handlers) load(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue(FileNameParam)
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	text, err := h.store.Load(ctx, name)
	if err != nil {
		h.reply(w, err, "loading document", name)
		return
	}
	if err := h.doc.Load(ctx, text); err != nil {
		h.reply(w, err, "replacing document", name)
		return
	}
	h.log.Info("document loaded", "name", name)
	h.reply(w, nil, "", name)
}

func (h *handlers) save(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue(FileNameParam)
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	text, _, err := h.doc.Snapshot(ctx)
	if err != nil {
		h.reply(w, err, "reading document", name)
		return
	}
	if err := h.store.Save(ctx, name, text); err != nil {
		h.reply(w, err, "saving document", name)
		return
	}
	h.log.Info("document saved", "name", name)
	h.reply(w, nil, "", name)
}

// reply writes the OK / ERROR: text convention of the load and save routes.
func (h *handlers) reply(w http.ResponseWriter, err error, action, name string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err != nil {
		h.log.Error(err, action, "name", name)
		_, _ = w.Write([]byte("ERROR: " + err.Error()))
		return
	}
	_, _ = w.Write([]byte("OK"))
}
