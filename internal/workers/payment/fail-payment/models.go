package failpayment

type Input struct {
	PaymentID     int64  `json:"paymentId"`
	ReferenceID   string `json:"referenceId"`
	ErrorCode     string `json:"errorCode,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
	PollAttempt   int    `json:"pollAttempt"`
	LockKey       string `json:"lockKey,omitempty"`
	LockOwner     string `json:"lockOwner,omitempty"`
}

type Output struct {
	PaymentStatus  string `json:"paymentStatus"`
	FailureReason  string `json:"failureReason,omitempty"`
	ErrorCode      string `json:"errorCode,omitempty"`
	SubscriptionID int64  `json:"subscriptionId,omitempty"`
	Message        string `json:"message"`
}
