package kerrors

import "fmt"

// FaultError describes a broken in-memory invariant. It is never returned,
// only raised through panic: forward progress past it is not meaningful.
type FaultError struct {
	Op      string
	Message string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("fault in %s: %s", e.Op, e.Message)
}

// Fault halts the current operation with diagnostic context.
func Fault(op string, format string, args ...any) {
	panic(&FaultError{Op: op, Message: fmt.Sprintf(format, args...)})
}

// Assert raises a fault when cond does not hold.
func Assert(cond bool, op string, format string, args ...any) {
	if !cond {
		Fault(op, format, args...)
	}
}
