package domain

// UpdatePayload is an unsigned naming-record update ready for a signer.
type UpdatePayload struct {
	TargetContract string `json:"target_contract"`
	CallData       string `json:"call_data"`
	ChainID        uint64 `json:"chain_id"`
}
