package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/donnalabs/donna/internal/config"
	"github.com/donnalabs/donna/internal/ingest"
	"github.com/donnalabs/donna/pkg/store"
)

// defaultCallListLimit bounds GET /api/calls when no limit is given.
const defaultCallListLimit = 50

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.cfg.Store.ListContacts(r.Context())
	if err != nil {
		writeError(w, storeStatus(err), "cannot list contacts")
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var contact store.Contact
	if err := json.NewDecoder(r.Body).Decode(&contact); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if contact.ID == "" {
		contact.ID = uuid.NewString()
	}
	if err := s.cfg.Ingester.IngestContact(r.Context(), contact); err != nil {
		s.ingestError(w, err, "cannot store contact")
		return
	}
	writeJSON(w, http.StatusCreated, contact)
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	contact, err := s.cfg.Store.FindContact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, storeStatus(err), "contact not found")
		return
	}
	writeJSON(w, http.StatusOK, contact)
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	var contact store.Contact
	if err := json.NewDecoder(r.Body).Decode(&contact); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	contact.ID = chi.URLParam(r, "id")
	if err := s.cfg.Ingester.IngestContact(r.Context(), contact); err != nil {
		s.ingestError(w, err, "cannot store contact")
		return
	}
	writeJSON(w, http.StatusOK, contact)
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.DeleteContact(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, storeStatus(err), "cannot delete contact")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	emails, err := s.cfg.Store.ListEmails(r.Context())
	if err != nil {
		writeError(w, storeStatus(err), "cannot list emails")
		return
	}
	writeJSON(w, http.StatusOK, emails)
}

func (s *Server) handleCreateEmail(w http.ResponseWriter, r *http.Request) {
	var email store.Email
	if err := json.NewDecoder(r.Body).Decode(&email); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if email.ID == "" {
		email.ID = uuid.NewString()
	}
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = time.Now()
	}
	if err := s.cfg.Ingester.IngestEmail(r.Context(), email); err != nil {
		s.ingestError(w, err, "cannot store email")
		return
	}
	writeJSON(w, http.StatusCreated, email)
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	email, err := s.cfg.Store.FindEmail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, storeStatus(err), "email not found")
		return
	}
	writeJSON(w, http.StatusOK, email)
}

func (s *Server) handleDeleteEmail(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.DeleteEmail(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, storeStatus(err), "cannot delete email")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleImportEmails(w http.ResponseWriter, r *http.Request) {
	var emails []store.Email
	if err := json.NewDecoder(r.Body).Decode(&emails); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(emails) == 0 {
		writeError(w, http.StatusBadRequest, "empty import")
		return
	}
	now := time.Now()
	for i := range emails {
		if emails[i].ID == "" {
			emails[i].ID = uuid.NewString()
		}
		if emails[i].ReceivedAt.IsZero() {
			emails[i].ReceivedAt = now
		}
	}

	res, err := s.cfg.Ingester.BulkEmails(r.Context(), emails)
	if err != nil {
		s.ingestError(w, err, "import failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ingested": res.Ingested,
		"failed":   res.Failed,
	})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := defaultCallListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	calls, err := s.cfg.Store.ListCalls(r.Context(), limit)
	if err != nil {
		writeError(w, storeStatus(err), "cannot list calls")
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Store.FindCall(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, storeStatus(err), "call not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Settings.Business())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var biz config.BusinessConfig
	if err := json.NewDecoder(r.Body).Decode(&biz); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(biz.Name) == "" {
		writeError(w, http.StatusBadRequest, "business name must not be empty")
		return
	}
	s.cfg.Settings.Update(biz)
	writeJSON(w, http.StatusOK, s.cfg.Settings.Business())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		writeError(w, storeStatus(err), "cannot compute stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contacts":     stats.Contacts,
		"emails":       stats.Emails,
		"calls":        stats.Calls,
		"active_calls": s.cfg.Manager.ActiveCalls(),
	})
}

// ingestError maps ingest failures onto the admin API's status codes.
func (s *Server) ingestError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, ingest.ErrInvalidRecord) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, storeStatus(err), msg)
}
