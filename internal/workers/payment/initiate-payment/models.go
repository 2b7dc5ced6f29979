package initiatepayment

type Input struct {
	UserID        string `json:"userId"`
	PackageID     int64  `json:"packageId"`
	PhoneNumber   string `json:"phoneNumber"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
}

type Output struct {
	PaymentID     int64  `json:"paymentId"`
	ReferenceID   string `json:"referenceId"`
	PaymentStatus string `json:"paymentStatus"`
	LockKey       string `json:"lockKey,omitempty"`
	LockOwner     string `json:"lockOwner,omitempty"`
	PollAttempt   int    `json:"pollAttempt"`
}
