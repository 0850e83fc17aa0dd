package ledger

// NextAction tells the client what to render when a correction is gated.
type NextAction string

const (
	ActionContinue      NextAction = "CONTINUE"
	ActionPromptSignup  NextAction = "PROMPT_SIGNUP"
	ActionPromptPaywall NextAction = "PROMPT_PAYWALL"
)

// ChargeSource identifies what a correction will be charged against.
type ChargeSource string

const (
	ChargeFree   ChargeSource = "free"
	ChargeCredit ChargeSource = "credit"
)

// Decision is the structured outcome of the admission policy. A denied
// request is not an error; the client uses NextAction to move forward.
type Decision struct {
	Admitted        bool         `json:"admitted"`
	ChargeSource    ChargeSource `json:"charge_source,omitempty"`
	FreeRemaining   int          `json:"free_remaining"`
	RequiresAuth    bool         `json:"requires_auth"`
	RequiresPayment bool         `json:"requires_payment"`
	NextAction      NextAction   `json:"next_action"`
}
