// Package api implements the BooServer HTTP protocol over the media
// file manager: capability discovery, list/item queries and byte-range
// streaming of the indexed files.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/toyota-m2k/boo-server/internal/store"
)

// ServerName identifies this implementation to clients.
const ServerName = "BooServer"

// ProtocolVersion is the BooServer protocol revision served.
const ProtocolVersion = 1

// currentState is the client-visible playback position, kept in-process.
type currentState struct {
	ID       int64   `json:"id"`
	Position float64 `json:"position"`
}

// Handler provides the BooServer HTTP handlers.
type Handler struct {
	manager Manager
	store   store.Store

	// authToken is a per-boot opaque id reported by /capability.
	authToken string

	currentMu sync.Mutex
	current   currentState
}

// Manager is the query and mutation surface the front-end consumes.
type Manager interface {
	AllFiles() ([]*store.Record, error)
	GetFile(id int64) (*store.Record, error)
	Categories() ([]string, error)
	LastUpdated() int64
	Store() store.Store

	// User-authored field setters, applied through the manager so
	// lastUpdated follows the edit.
	SetLabel(id int64, label string) error
	SetDescription(id int64, description string) error
	SetMark(id int64, mark int) error
	SetRating(id int64, rating int) error
	SetFlag(id int64, flag int) error
	SetOption(id int64, option string) error
}

// NewHandler creates a handler over the manager.
func NewHandler(m Manager) *Handler {
	return &Handler{
		manager:   m,
		store:     m.Store(),
		authToken: uuid.NewString(),
	}
}

// response helpers

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Nop handles GET /nop
func (h *Handler) Nop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"cmd": "nop"})
}

// Capability handles GET /capability
func (h *Handler) Capability(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cmd":            "capability",
		"serverName":     ServerName,
		"version":        ProtocolVersion,
		"authToken":      h.authToken,
		"types":          "vap",
		"category":       true,
		"rating":         true,
		"mark":           true,
		"chapter":        true,
		"authentication": false,
	})
}

// Check handles GET /check?date=N: has anything changed since N (ms)?
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("date"), 10, 64)
	update := "0"
	if h.manager.LastUpdated() > since {
		update = "1"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cmd":    "check",
		"update": update,
		"date":   h.manager.LastUpdated(),
	})
}

// listItem is one entry of the /list response.
type listItem struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Size     int64   `json:"size"`
	Duration float64 `json:"duration"`
	Category string  `json:"category"`
	Label    string  `json:"label"`
	Rating   int     `json:"rating"`
	Mark     int     `json:"mark"`
	Flag     int     `json:"flag"`
	Option   string  `json:"option"`
}

// List handles GET /list?type=&f=&c=, returning records filtered by media type
// letters (e.g. "va", default all), flag and category.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	types := q.Get("type")
	if types == "" || types == "all" {
		types = "vap"
	}
	category := q.Get("c")

	var records []*store.Record
	var err error
	if fStr := q.Get("f"); fStr != "" {
		flag, convErr := strconv.Atoi(fStr)
		if convErr != nil {
			writeError(w, http.StatusBadRequest, "invalid flag filter")
			return
		}
		records, err = h.store.GetByFlag(flag)
	} else {
		records, err = h.manager.AllFiles()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]listItem, 0, len(records))
	for _, rec := range records {
		if !strings.Contains(types, rec.MediaType()) {
			continue
		}
		if category != "" && rec.Category != category {
			continue
		}
		items = append(items, listItem{
			ID:       rec.ID,
			Name:     rec.Title,
			Type:     rec.MediaType(),
			Size:     rec.Length,
			Duration: rec.Duration,
			Category: rec.Category,
			Label:    rec.Label,
			Rating:   rec.Rating,
			Mark:     rec.Mark,
			Flag:     rec.Flag,
			Option:   rec.Option,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cmd":  "list",
		"date": h.manager.LastUpdated(),
		"list": items,
	})
}

// Item handles GET /item?id=, range-capable serving of any media type.
func (h *Handler) Item(w http.ResponseWriter, r *http.Request) {
	h.serveMedia(w, r, "")
}

// Video handles GET /video?id=
func (h *Handler) Video(w http.ResponseWriter, r *http.Request) {
	h.serveMedia(w, r, "v")
}

// Audio handles GET /audio?id=
func (h *Handler) Audio(w http.ResponseWriter, r *http.Request) {
	h.serveMedia(w, r, "a")
}

// Photo handles GET /photo?id=. Images are always served whole.
func (h *Handler) Photo(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r, "p")
	if !ok {
		return
	}

	f, err := os.Open(filepath.FromSlash(rec.Path))
	if err != nil {
		writeError(w, http.StatusNotFound, "file not readable")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Images are always served whole: a Range header is ignored.
	r.Header.Del("Range")
	w.Header().Set("Content-Type", rec.MIMEType())
	http.ServeContent(w, r, rec.Title+rec.Ext, info.ModTime(), f)
}

// itemUpdate is the PUT /item body. Absent fields are left untouched;
// only the user-authored fields are writable over HTTP.
type itemUpdate struct {
	Label       *string `json:"label,omitempty"`
	Description *string `json:"description,omitempty"`
	Mark        *int    `json:"mark,omitempty"`
	Rating      *int    `json:"rating,omitempty"`
	Flag        *int    `json:"flag,omitempty"`
	Option      *string `json:"option,omitempty"`
}

// PutItem handles PUT /item?id=, updating the user-authored fields of a
// record. File-derived fields are owned by the sync engine and cannot be
// set here.
func (h *Handler) PutItem(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r, "")
	if !ok {
		return
	}

	var upd itemUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	apply := func(err error) bool {
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return false
		}
		return true
	}
	if upd.Label != nil && !apply(h.manager.SetLabel(rec.ID, *upd.Label)) {
		return
	}
	if upd.Description != nil && !apply(h.manager.SetDescription(rec.ID, *upd.Description)) {
		return
	}
	if upd.Mark != nil && !apply(h.manager.SetMark(rec.ID, *upd.Mark)) {
		return
	}
	if upd.Rating != nil && !apply(h.manager.SetRating(rec.ID, *upd.Rating)) {
		return
	}
	if upd.Flag != nil && !apply(h.manager.SetFlag(rec.ID, *upd.Flag)) {
		return
	}
	if upd.Option != nil && !apply(h.manager.SetOption(rec.ID, *upd.Option)) {
		return
	}

	got, err := h.manager.GetFile(rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// Chapter handles GET /chapter?id=, chapter marks for a video. No
// chapter source exists here, so the list is always empty.
func (h *Handler) Chapter(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r, "")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cmd":      "chapter",
		"id":       rec.ID,
		"chapters": []interface{}{},
	})
}

// GetCurrent handles GET /current
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	h.currentMu.Lock()
	cur := h.current
	h.currentMu.Unlock()
	writeJSON(w, http.StatusOK, cur)
}

// PutCurrent handles PUT /current
func (h *Handler) PutCurrent(w http.ResponseWriter, r *http.Request) {
	var cur currentState
	if err := json.NewDecoder(r.Body).Decode(&cur); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.currentMu.Lock()
	h.current = cur
	h.currentMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Categories handles GET /categories
func (h *Handler) Categories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.manager.Categories()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if categories == nil {
		categories = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cmd":        "categories",
		"categories": categories,
	})
}

// lookup resolves the id query parameter into a record, optionally
// requiring a media type.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request, wantType string) (*store.Record, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return nil, false
	}
	rec, err := h.manager.GetFile(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "item not found")
		return nil, false
	}
	if wantType != "" && rec.MediaType() != wantType {
		writeError(w, http.StatusNotFound, "item has a different media type")
		return nil, false
	}
	return rec, true
}

// serveMedia streams a record's file with byte-range support: a valid
// Range header yields 206 with Content-Range, an unsatisfiable one 416,
// no header the full body with Content-Length.
func (h *Handler) serveMedia(w http.ResponseWriter, r *http.Request, wantType string) {
	rec, ok := h.lookup(w, r, wantType)
	if !ok {
		return
	}

	f, err := os.Open(filepath.FromSlash(rec.Path))
	if err != nil {
		writeError(w, http.StatusNotFound, "file not readable")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", rec.MIMEType())
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, rec.Title+rec.Ext, info.ModTime(), f)
}
