package log

// Canonical field name constants for structured logging.
const (
	FieldComponent = "component"
	FieldFlock     = "flock"
	FieldUser      = "user"
	FieldBusiness  = "business"
	FieldEvent     = "event"
	FieldURL       = "url"
	FieldStatus    = "status"
	FieldSession   = "session_id"
	FieldKernel    = "kernel_id"
	FieldNotebook  = "notebook"
	FieldElapsed   = "elapsed"

	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
