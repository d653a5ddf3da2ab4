package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/caseguard/internal/abuse"
	"github.com/onnwee/caseguard/internal/audit"
	"github.com/onnwee/caseguard/internal/auth"
	"github.com/onnwee/caseguard/internal/lockout"
	"github.com/onnwee/caseguard/internal/validate"
)

// Paging limits for GET /admin/audit/entries.
const (
	DefaultEntriesLimit = 50
	MaxEntriesLimit     = 500
)

// profileSignalsLimit is how many recent signals the profile view includes.
const profileSignalsLimit = 20

// EntriesResponse is returned by GET /admin/audit/entries.
type EntriesResponse struct {
	Entries []audit.View `json:"entries"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// KeysResponse is returned by GET /admin/keys. Secrets are never included.
type KeysResponse struct {
	ActiveKid string   `json:"active_kid"`
	Kids      []string `json:"kids"`
}

// ProfileResponse is returned by the principal endpoints.
type ProfileResponse struct {
	Profile *abuse.Profile       `json:"profile"`
	Signals []abuse.SignalRecord `json:"recent_signals,omitempty"`
}

// AdminHandlers holds dependencies for the administrative endpoints.
type AdminHandlers struct {
	chain   *audit.Chain
	keys    *auth.KeyRegistry
	scorer  *abuse.Scorer
	signals abuse.SignalRepository // Optional
	guard   *lockout.Guard
	logger  *slog.Logger
}

// AdminConfig wires AdminHandlers.
type AdminConfig struct {
	Chain   *audit.Chain
	Keys    *auth.KeyRegistry
	Scorer  *abuse.Scorer
	Signals abuse.SignalRepository
	Lockout *lockout.Guard
	Logger  *slog.Logger
}

// NewAdminHandlers creates a new AdminHandlers instance.
func NewAdminHandlers(cfg AdminConfig) *AdminHandlers {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AdminHandlers{
		chain:   cfg.Chain,
		keys:    cfg.Keys,
		scorer:  cfg.Scorer,
		signals: cfg.Signals,
		guard:   cfg.Lockout,
		logger:  cfg.Logger,
	}
}

// VerifyChain handles GET /admin/audit/verify.
func (h *AdminHandlers) VerifyChain(w http.ResponseWriter, r *http.Request) {
	result, err := h.chain.Verify(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "audit chain verification failed", "error", err)
		WriteError(w, r.Context(), http.StatusServiceUnavailable, ErrCodeUnavailable, "Audit store unavailable")
		return
	}
	if !result.Valid {
		h.logger.WarnContext(r.Context(), "audit chain integrity violation",
			"first_tampered_id", result.FirstTamperedID,
			"reason", result.Reason,
			"checked", result.Checked,
		)
	}
	writeJSON(w, r, http.StatusOK, result)
}

// ListEntries handles GET /admin/audit/entries?principal=&action=&limit=&offset=.
func (h *AdminHandlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	limit, err := queryInt(r, "limit", DefaultEntriesLimit)
	if err != nil || limit < 1 {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "limit must be a positive integer")
		return
	}
	if limit > MaxEntriesLimit {
		limit = MaxEntriesLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "offset must be a non-negative integer")
		return
	}
	filter.Limit = limit
	filter.Offset = offset

	views, err := h.chain.List(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list audit entries", "error", err)
		WriteError(w, r.Context(), http.StatusInternalServerError, ErrCodeInternal, "Failed to list audit entries")
		return
	}
	if views == nil {
		views = []audit.View{}
	}

	writeJSON(w, r, http.StatusOK, EntriesResponse{Entries: views, Limit: limit, Offset: offset})
}

// ExportEntries handles GET /admin/audit/export?format=csv|json&principal=&action=&from=&to=.
func (h *AdminHandlers) ExportEntries(w http.ResponseWriter, r *http.Request) {
	format, err := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "format must be csv or json")
		return
	}
	filter, err := parseAuditFilter(r)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	data, err := h.chain.Export(r.Context(), audit.ExportOptions{
		Format:      format,
		From:        filter.From,
		To:          filter.To,
		PrincipalID: filter.PrincipalID,
		Action:      filter.Action,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to export audit entries", "error", err)
		WriteError(w, r.Context(), http.StatusInternalServerError, ErrCodeInternal, "Failed to export audit entries")
		return
	}

	contentType := "application/json"
	if format == audit.ExportFormatCSV {
		contentType = "text/csv; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-export.%s"`, format))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write export", "error", err)
	}
}

// ListKeys handles GET /admin/keys.
func (h *AdminHandlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, KeysResponse{
		ActiveKid: h.keys.ActiveKid(),
		Kids:      h.keys.Kids(),
	})
}

// GetProfile handles GET /admin/principals/{id}/profile.
func (h *AdminHandlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	principalID, err := validate.PathID(r.PathValue("id"))
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "principal ID: "+err.Error())
		return
	}

	profile, err := h.scorer.Profile(r.Context(), principalID)
	if err != nil {
		h.writeScoringError(w, r, err)
		return
	}

	resp := ProfileResponse{Profile: profile}
	if h.signals != nil {
		records, err := h.signals.ListByPrincipal(r.Context(), principalID, profileSignalsLimit)
		if err != nil {
			h.logger.WarnContext(r.Context(), "failed to list abuse signals", "error", err, "principal_id", principalID)
		} else {
			resp.Signals = records
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// Unsuspend handles POST /admin/principals/{id}/unsuspend.
func (h *AdminHandlers) Unsuspend(w http.ResponseWriter, r *http.Request) {
	principalID, err := validate.PathID(r.PathValue("id"))
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "principal ID: "+err.Error())
		return
	}

	profile, err := h.scorer.Unsuspend(r.Context(), principalID)
	if err != nil {
		h.writeScoringError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ProfileResponse{Profile: profile})
}

// ClearLockout handles POST /admin/lockouts/{id}/clear.
func (h *AdminHandlers) ClearLockout(w http.ResponseWriter, r *http.Request) {
	identifier, err := validate.LockoutIdentifier(r.PathValue("id"))
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "identifier: "+err.Error())
		return
	}
	if err := h.guard.Unlock(r.Context(), identifier); err != nil {
		if errors.Is(err, lockout.ErrEmptyIdentifier) {
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Identifier is required")
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to clear lockout", "error", err)
		WriteError(w, r.Context(), http.StatusServiceUnavailable, ErrCodeUnavailable, "Counter store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) writeScoringError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, abuse.ErrEmptyPrincipal) {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Principal ID is required")
		return
	}
	if errors.Is(err, abuse.ErrScoringUnavailable) {
		WriteError(w, r.Context(), http.StatusServiceUnavailable, ErrCodeUnavailable, "Abuse store unavailable")
		return
	}
	h.logger.ErrorContext(r.Context(), "abuse profile request failed", "error", err)
	WriteError(w, r.Context(), http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
}

// parseAuditFilter reads principal, action, from and to query parameters.
func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{PrincipalID: q.Get("principal")}

	if s := q.Get("action"); s != "" {
		action, err := audit.ParseAction(s)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("unknown action: %s", s)
		}
		filter.Action = action
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		s := q.Get(p.name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("%s must be an RFC3339 timestamp", p.name)
		}
		*p.dst = t
	}
	return filter, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
