package domain

import "strings"

// Recipient is one row of a campaign roster. The identity key is the email
// address; FullName is optional and only used for personalization.
type Recipient struct {
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
}

// Key returns the recipient's identity key: the lowercased, trimmed email.
func (r Recipient) Key() string {
	return strings.ToLower(strings.TrimSpace(r.Email))
}

// Valid reports whether the recipient can be dispatched to at all.
func (r Recipient) Valid() bool {
	e := strings.TrimSpace(r.Email)
	return e != "" && strings.Count(e, "@") == 1 && !strings.HasPrefix(e, "@") && !strings.HasSuffix(e, "@")
}

// SenderIdentity carries the relay account a campaign sends from.
// Credential is shared read-only across all workers and must never be logged.
type SenderIdentity struct {
	Address    string `json:"address"`
	Credential string `json:"-"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
}

// CampaignSpec is the immutable description of one campaign: what to send,
// who it appears to come from, and where the CTA points. It carries no
// recipient state; that lives on the Run.
type CampaignSpec struct {
	Name         string         `json:"name"`
	Subject      string         `json:"subject"`
	BodyTemplate string         `json:"body_template"`
	CTAText      string         `json:"cta_text"`
	CTAURL       string         `json:"cta_url"`
	Sender       SenderIdentity `json:"sender"`
}
