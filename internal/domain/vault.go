package domain

import (
	"time"

	"github.com/google/uuid"
)

// Vault prototype names by form type.
const (
	FormTypeLogin    = "login"
	FormTypeSignup   = "signup"
	FormTypePayment  = "payment"
	FormTypeContact  = "contact"
	FormTypeGeneric  = "generic"
)

// Credential is the typed view of a Credential concept.
type Credential struct {
	ID          uuid.UUID  `json:"id"`
	Domain      string     `json:"domain"`
	Username    string     `json:"username"`
	Password    string     `json:"-"`
	RecallCount int        `json:"recall_count"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// Identity is the typed view of an Identity concept (name/address/contact).
type Identity struct {
	ID     uuid.UUID         `json:"id"`
	Domain string            `json:"domain,omitempty"`
	Fields map[string]string `json:"fields"`
}

// PaymentMethod is the typed view of a PaymentMethod concept.
type PaymentMethod struct {
	ID         uuid.UUID `json:"id"`
	Domain     string    `json:"domain,omitempty"`
	CardNumber string    `json:"-"`
	Expiry     string    `json:"-"`
	CVV        string    `json:"-"`
	HolderName string    `json:"holder_name,omitempty"`
}

// FormField is one semantic field of a stored form pattern.
type FormField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Selector    string `json:"selector"`
	Label       string `json:"label,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// FormPattern is the typed view of a FormPattern concept: a fingerprinted,
// reusable mapping from a form's semantic identity to working selectors.
type FormPattern struct {
	ID           uuid.UUID   `json:"id"`
	Fingerprint  string      `json:"fingerprint"`
	Domain       string      `json:"domain"`
	Path         string      `json:"path"`
	FormType     string      `json:"form_type"`
	Labels       []string    `json:"labels,omitempty"`
	Fields       []FormField `json:"fields"`
	SuccessCount int         `json:"success_count"`
	LastUsedAt   *time.Time  `json:"last_used_at,omitempty"`
}

// FillReport is the outcome of an autofill attempt.
type FillReport struct {
	Filled  []string `json:"filled"`
	Missing []string `json:"missing"`
	Adapted []string `json:"adapted,omitempty"` // fields whose selector changed
}
