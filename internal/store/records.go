package store

import (
	"time"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/secrets"
)

// User is the authenticated tenant record.
type User struct {
	ID                    string
	Email                 string
	Plan                  string
	Credits               int64
	Enabled               bool
	IsMasterAdmin         bool
	IsRPVerified          bool
	IPWhitelist           []string
	MaxConcurrentRequests int
	APIKeyHash            string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Provider is the identity record for an upstream family.
type Provider struct {
	ID                string
	Name              string
	BaseURL           string
	Timeout           time.Duration
	SupportedModels   []string
	Features          []string
	NeedsSubProviders bool

	SuccessCount      int64
	ErrorCount        int64
	AvgLatencyMs      float64
	ConsecutiveErrors int
	LastErrorAt       time.Time
	HealthStatus      string // healthy | degraded | unhealthy
	IsActive          bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Provider health status values.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// SubProviderMetadata is the narrowed metadata record.
type SubProviderMetadata struct {
	IsVerified bool   `json:"is_verified"`
	Region     string `json:"region,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// SubProvider is a tenant-owned credential row bound to one provider. The
// fast-path state block lives in internal/subprovider; State carries its
// serialized durable copy.
type SubProvider struct {
	ID           string
	ProviderID   string
	Name         string
	EncryptedKey secrets.Sealed
	Enabled      bool
	Priority     int
	Weight       float64
	Timeout      time.Duration
	ModelMapping map[string]string
	Metadata     SubProviderMetadata

	MaxRequestsPerMinute  int64
	MaxRequestsPerHour    int64
	MaxTokensPerMinute    int64
	MaxConcurrentRequests int64

	// State is the serialized durable copy of the fast-path state block,
	// written through after outcomes and restored on startup.
	State []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasActiveKey reports whether the row carries a usable encrypted credential.
func (sp *SubProvider) HasActiveKey() bool {
	return sp.EncryptedKey.Ciphertext != ""
}

// UserDiscount is a per-user daily model discount.
type UserDiscount struct {
	ID         string
	UserID     string
	ModelID    string
	Multiplier float64
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Active reports whether the discount is live at the given instant.
func (d *UserDiscount) Active(now time.Time) bool {
	return now.Before(d.ExpiresAt)
}

// Request lifecycle status values.
const (
	RequestCreated    = "created"
	RequestProcessing = "processing"
	RequestCompleted  = "completed"
	RequestFailed     = "failed"
)

// APIRequest is the per-call ledger row. Append-then-complete only.
type APIRequest struct {
	ID            string
	UserID        string
	Endpoint      string
	Model         string
	StartedAt     time.Time
	CompletedAt   time.Time
	Status        string
	TotalTokens   int64
	Credits       int64
	ProviderID    string
	SubProviderID string
	ResponseSize  int64
	HTTPStatus    int
	ErrorMessage  string
}
