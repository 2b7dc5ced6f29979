package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a Payment row.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// SubscriptionStatus is the lifecycle state of a Subscription row.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// PaymentMethodMobileMoney is the only method the storefront sells through.
const PaymentMethodMobileMoney = "mobile_money"

// DefaultCurrency is Ugandan shillings, which have no minor unit.
const DefaultCurrency = "UGX"

// Package is a purchasable WiFi plan.
type Package struct {
	ID           int64           `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	Description  string          `json:"description,omitempty" db:"description"`
	Price        decimal.Decimal `json:"price" db:"price"`
	DurationDays int             `json:"durationDays" db:"duration_days"`
	Features     []string        `json:"features,omitempty" db:"features"`
}

// Payment is one charge attempt against the gateway.
type Payment struct {
	ID               int64           `json:"id" db:"id"`
	UserID           string          `json:"userId" db:"user_id"`
	PackageID        int64           `json:"packageId" db:"package_id"`
	SubscriptionID   *int64          `json:"subscriptionId,omitempty" db:"subscription_id"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	Currency         string          `json:"currency" db:"currency"`
	PaymentMethod    string          `json:"paymentMethod" db:"payment_method"`
	PaymentReference string          `json:"paymentReference" db:"payment_reference"`
	Status           PaymentStatus   `json:"status" db:"status"`
	FailureReason    string          `json:"failureReason,omitempty" db:"failure_reason"`
	PackageName      string          `json:"packageName,omitempty" db:"-"`
	CreatedAt        time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time       `json:"updatedAt" db:"updated_at"`
}

// Subscription grants WiFi access for a window of time.
type Subscription struct {
	ID               int64              `json:"id" db:"id"`
	UserID           string             `json:"userId" db:"user_id"`
	PackageID        int64              `json:"packageId" db:"package_id"`
	StartDate        time.Time          `json:"startDate" db:"start_date"`
	EndDate          time.Time          `json:"endDate" db:"end_date"`
	Status           SubscriptionStatus `json:"status" db:"status"`
	PaymentMethod    string             `json:"paymentMethod" db:"payment_method"`
	PaymentReference string             `json:"paymentReference" db:"payment_reference"`
	AutoRenew        bool               `json:"autoRenew" db:"auto_renew"`
	Package          *Package           `json:"package,omitempty" db:"-"`
	CreatedAt        time.Time          `json:"createdAt" db:"created_at"`
}

// IsActiveAt reports whether the subscription grants access at t.
func (s *Subscription) IsActiveAt(t time.Time) bool {
	return s != nil && s.Status == SubscriptionActive && t.Before(s.EndDate)
}

// UserProfile is the account data shown on the dashboard.
type UserProfile struct {
	ID          string    `json:"id" db:"id"`
	Email       string    `json:"email" db:"email"`
	FullName    string    `json:"fullName" db:"full_name"`
	PhoneNumber string    `json:"phoneNumber,omitempty" db:"phone_number"`
	StudentID   string    `json:"studentId,omitempty" db:"student_id"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// GatewayCallback is a provider notification as received.
type GatewayCallback struct {
	ID               int64      `json:"id" db:"id"`
	PaymentReference string     `json:"paymentReference" db:"payment_reference"`
	Status           string     `json:"status" db:"status"`
	Payload          []byte     `json:"payload" db:"payload"`
	ReceivedAt       time.Time  `json:"receivedAt" db:"received_at"`
	ProcessedAt      *time.Time `json:"processedAt,omitempty" db:"processed_at"`
	ProcessingError  string     `json:"processingError,omitempty" db:"processing_error"`
}

// ChangeType is the kind of row change published by the store.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is a row-level notification for one user's data.
type ChangeEvent struct {
	Table  string     `json:"table"`
	Type   ChangeType `json:"type"`
	UserID string     `json:"user_id"`
	// Record holds the new row as published by the database trigger.
	Record map[string]interface{} `json:"record"`
}

const (
	TablePayments      = "payments"
	TableSubscriptions = "subscriptions"
)
