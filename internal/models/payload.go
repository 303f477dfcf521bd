package models

// EmailPayload is the decoded body of a queue message. Either Message (plain
// text), Body (pre-rendered HTML) or Template+Context may be supplied; the
// processor renders Body from Template when necessary.
type EmailPayload struct {
	To          string         `json:"to"`
	Subject     string         `json:"subject"`
	Message     string         `json:"message,omitempty"`
	Body        string         `json:"body,omitempty"`
	Template    string         `json:"template,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// Empty reports whether the payload carries no usable request. Malformed
// queue messages decode to an empty payload and are skipped by the processor
// while still participating in the batch ack/nack decision.
func (p *EmailPayload) Empty() bool {
	return p == nil || p.To == ""
}
