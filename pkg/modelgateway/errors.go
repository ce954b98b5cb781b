package modelgateway

import "fmt"

// LimitContext is the structured quota detail the gateway attaches to a
// payment-required response.
type LimitContext struct {
	LimitType    string `json:"limit_type"`
	CurrentUsage int    `json:"current_usage"`
	Limit        int    `json:"limit"`
	Tier         string `json:"tier"`
}

// PaymentRequiredError is a terminal gateway rejection: the gateway itself
// decided the caller is out of quota. Never retried.
type PaymentRequiredError struct {
	Message string
	Context LimitContext
}

func (e *PaymentRequiredError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway payment required: %s", e.Message)
	}
	return "gateway payment required"
}

// MalformedResponseError is a terminal parse failure on a response the
// gateway reported as successful. Retrying cannot fix it.
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed gateway response: %s", e.Reason)
}
