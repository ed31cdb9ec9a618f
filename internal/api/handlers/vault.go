package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/service"
)

type VaultHandler struct {
	forms *service.FormService
	web   domain.WebClient
}

func NewVaultHandler(forms *service.FormService, web domain.WebClient) *VaultHandler {
	return &VaultHandler{forms: forms, web: web}
}

type saveCredentialRequest struct {
	Domain   string `json:"domain"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// SaveCredential stores a login for a domain. Passwords never appear in
// responses.
// POST /v1/vault/credentials
func (h *VaultHandler) SaveCredential(w http.ResponseWriter, r *http.Request) {
	var req saveCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Domain == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "domain and password are required")
		return
	}

	id, err := h.forms.SaveCredential(r.Context(), &domain.Credential{
		Domain:   req.Domain,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uuid.UUID{"id": id})
}

type autofillRequest struct {
	URL  string `json:"url"`
	HTML string `json:"html,omitempty"`
}

// Autofill matches the page's form against stored patterns and fills it from
// the vault. When the body carries no HTML the page is fetched through the
// browser adapter.
// POST /v1/forms/autofill
func (h *VaultHandler) Autofill(w http.ResponseWriter, r *http.Request) {
	var req autofillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Hostname() == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	html := req.HTML
	if html == "" {
		if h.web == nil {
			writeError(w, http.StatusBadRequest, "html is required when no browser adapter is configured")
			return
		}
		dom, err := h.web.GetDOM(r.Context(), req.URL)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		html = dom.HTML
	}

	report, err := h.forms.Autofill(r.Context(), req.URL, parsed.Hostname(), parsed.Path, html)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
