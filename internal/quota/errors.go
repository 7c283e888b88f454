package quota

import "fmt"

// DeniedError carries a Deny decision across the admission boundary so the
// transport layer can surface limit, usage and reset time to the caller.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("quota_%s_exceeded: used %d of %d", e.Decision.Reason, e.Decision.Used, e.Decision.Limit)
}
