package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Conversation taxonomy.
	ReasonProviderTimeout            ReasonCode = "provider_timeout"
	ReasonProviderError              ReasonCode = "provider_error"
	ReasonLowConfidenceInput         ReasonCode = "low_confidence_input"
	ReasonSessionNotFound            ReasonCode = "session_not_found"
	ReasonInvalidStateTransition     ReasonCode = "invalid_state_transition"
	ReasonCallTerminatedUnexpectedly ReasonCode = "call_terminated_unexpectedly"
	ReasonCapacityExhausted          ReasonCode = "capacity_exhausted"

	ReasonSTTConnect   ReasonCode = "stt_connect"
	ReasonSTTSend      ReasonCode = "stt_send"
	ReasonSTTRateLimit ReasonCode = "stt_rate_limit"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSend        ReasonCode = "tts_send"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)
