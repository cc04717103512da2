package pit

import "fmt"

// NotFoundError indicates a partition name that stayed unresolved after
// layout detection ran.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("partition %q not found in detected layout", e.Name)
}
