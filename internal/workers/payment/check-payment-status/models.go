package checkpaymentstatus

type Input struct {
	PaymentID   int64  `json:"paymentId"`
	ReferenceID string `json:"referenceId"`
	PollAttempt int    `json:"pollAttempt"`
}

type Output struct {
	GatewayStatus     string `json:"gatewayStatus"`
	PollAttempt       int    `json:"pollAttempt"`
	AttemptsExhausted bool   `json:"attemptsExhausted"`
	PollError         string `json:"pollError,omitempty"`
	FailureReason     string `json:"failureReason,omitempty"`
	Settled           bool   `json:"settled"`
}

func (o *Output) variables() map[string]interface{} {
	vars := map[string]interface{}{
		"gatewayStatus":     o.GatewayStatus,
		"pollAttempt":       o.PollAttempt,
		"attemptsExhausted": o.AttemptsExhausted,
		"pollError":         o.PollError,
		"settled":           o.Settled,
	}
	if o.FailureReason != "" {
		vars["failureReason"] = o.FailureReason
	}
	return vars
}
