package escalatepayment

type Input struct {
	PaymentID    int64  `json:"paymentId"`
	ReferenceID  string `json:"referenceId"`
	UserID       string `json:"userId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorDetails string `json:"errorDetails,omitempty"`
	LockKey      string `json:"lockKey,omitempty"`
	LockOwner    string `json:"lockOwner,omitempty"`
}

type Output struct {
	Escalated bool   `json:"escalated"`
	Code      string `json:"escalationCode"`
}
