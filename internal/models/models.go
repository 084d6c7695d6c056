// Package models defines types shared across internal packages.
package models

import "time"

// ClientRegistration is a dynamically registered OAuth client (RFC 7591),
// persisted once per agent identity and reused across logins.
type ClientRegistration struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret,omitempty"`
	ClientName   string    `json:"client_name,omitempty"`
	RedirectURI  string    `json:"redirect_uri"`
	Issuer       string    `json:"issuer"`
	RegisteredAt time.Time `json:"registered_at"`
}

// TokenSet holds the credentials produced by a code exchange or refresh.
// Owned by the token store; deleted entirely on logout.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	AgentName    string    `json:"agent_name,omitempty"`
}

// Agent is an entry in the backend agent directory.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FileAttachment describes a file offered alongside a human response.
type FileAttachment struct {
	DownloadURL string    `json:"download_url"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	FileSize    int64     `json:"file_size,omitempty"`
}

// HumanResponse is the decrypted reply to a human-interaction tool call.
type HumanResponse struct {
	Text        string           `json:"text"`
	Approved    *bool            `json:"approved,omitempty"`
	Attachments []FileAttachment `json:"attachments,omitempty"`
}
