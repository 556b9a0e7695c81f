package types

// ReceiptStatus reports whether a transaction's transition was applied.
type ReceiptStatus uint8

const (
	ReceiptFailed ReceiptStatus = iota
	ReceiptSuccess
)

func (s ReceiptStatus) String() string {
	if s == ReceiptSuccess {
		return "success"
	}
	return "failed"
}

// Receipt records the inclusion of a transaction in a block. A failed
// receipt means the transaction was included but its transition was rejected
// and left state unchanged; ErrorKind and ErrorReason identify the cause.
type Receipt struct {
	TxHash      string        `json:"txHash"`
	Height      uint64        `json:"height"`
	Index       int           `json:"index"`
	Status      ReceiptStatus `json:"status"`
	ErrorKind   string        `json:"errorKind,omitempty"`
	ErrorReason string        `json:"errorReason,omitempty"`
	Error       string        `json:"error,omitempty"`
	Events      []Event       `json:"events,omitempty"`
}

// Succeeded reports whether the transition was applied.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == ReceiptSuccess
}

// Attribute returns the first value of the given attribute across events of
// the given type.
func (r *Receipt) Attribute(eventType, key string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, evt := range r.Events {
		if evt.Type != eventType {
			continue
		}
		if value, ok := evt.Attributes[key]; ok {
			return value, true
		}
	}
	return "", false
}
