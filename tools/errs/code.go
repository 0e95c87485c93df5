package errs

const (
	ServerInternalError = 500

	AuthenticationRejected = 1001 // bad, expired, tampered or wrong-type token
	ProtocolError          = 1002 // malformed inbound frame
	BusParseError          = 1003 // malformed bus event
	DeliveryFailure        = 1004 // write to a dead connection
)

var (
	ErrInternal     = NewCodeError(ServerInternalError, "ServerInternalError")
	ErrAuthRejected = NewCodeError(AuthenticationRejected, "AuthenticationRejected")
	ErrProtocol     = NewCodeError(ProtocolError, "ProtocolError")
	ErrBusParse     = NewCodeError(BusParseError, "BusParseError")
	ErrDelivery     = NewCodeError(DeliveryFailure, "DeliveryFailure")
)

// ErrPanic converts a recovered panic value into an internal error.
func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	return ErrInternal.WrapMsg("panic", "value", r)
}
