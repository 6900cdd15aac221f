package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Service
	FieldService   = "service"
	FieldComponent = "component"

	// Downstream
	FieldClientID = "client_id"
	FieldClients  = "clients"
	FieldReason   = "reason"

	// Upstream
	FieldStreamID = "stream_id"
	FieldEvent    = "event"
	FieldState    = "state"
	FieldAttempt  = "attempt"
	FieldDelay    = "delay_ms"
	FieldDriver   = "driver"
	FieldRoomID   = "room_id"
)
