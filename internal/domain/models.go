package domain

import (
	"slices"
	"time"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ShopID      string `json:"shop_id"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated caller as decoded from the access token.
type Actor struct {
	Username string
	Role     string
	ShopID   string
}

// AccessScope is the set of shops and branches a caller may sync.
type AccessScope struct {
	ShopIDs   []string `json:"shop_ids"`
	BranchIDs []string `json:"branch_ids"`
}

func (s AccessScope) Empty() bool {
	return len(s.ShopIDs) == 0 && len(s.BranchIDs) == 0
}

func (s AccessScope) HasShop(shopID string) bool {
	for _, id := range s.ShopIDs {
		if id == shopID {
			return true
		}
	}
	return false
}

func (s AccessScope) HasBranch(branchID string) bool {
	return slices.Contains(s.BranchIDs, branchID)
}

// Caller bundles identity with its pre-resolved scope so sync operations never
// reach for request-global state.
type Caller struct {
	UserID string
	Role   string
	ShopID string
	Scope  AccessScope
}

type AuditLog struct {
	ID            string    `json:"id"`
	ShopID        string    `json:"shop_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	ShopID    string
	ShopIDs   []string
	BranchIDs []string
	Active    bool
	CreatedAt time.Time
}
