package fulfilsubscription

import "time"

type Input struct {
	PaymentID   int64  `json:"paymentId"`
	ReferenceID string `json:"referenceId"`
	LockKey     string `json:"lockKey,omitempty"`
	LockOwner   string `json:"lockOwner,omitempty"`
}

type Output struct {
	SubscriptionID int64     `json:"subscriptionId"`
	EndDate        time.Time `json:"endDate"`
	PaymentStatus  string    `json:"paymentStatus"`
	Message        string    `json:"message"`
}
