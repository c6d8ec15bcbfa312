package evbclient

import "fmt"

// TransportError is a failure to reach or talk to the ordering service.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("evb %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a reply other than OK.
type ProtocolError struct {
	Op    string
	Reply string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("evb %s rejected: %q", e.Op, e.Reply)
}
