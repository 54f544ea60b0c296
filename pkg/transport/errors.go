package transport

// APIError is the JSON error document the control surface returns for
// structured failures. Code carries a publish failure code where one
// applies.
type APIError struct {
	Code        string `json:"code,omitempty"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Description
	}
	return e.Description
}
