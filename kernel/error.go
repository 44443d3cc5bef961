package kernel

// Error describes a tagged, recoverable error that originates from one of the
// kernel's subsystems. Unlike the standard error interface, Error carries the
// name of the module that generated it so that log output and panic messages
// can identify the offending subsystem without parsing the message text.
type Error struct {
	// Module is the name of the subsystem that generated this error.
	Module string

	// Message is a short, human readable description of the error.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
