package pet

import "fmt"

// Lifecycle is the explicit stage of a record, derived from its timestamps.
type Lifecycle int

// Lifecycle stages in the order a record normally moves through them.
const (
	LifecycleActive Lifecycle = iota
	LifecycleRequested
	LifecycleCompleted
	LifecycleConverted
	LifecycleSoftDeleted
	LifecycleHardDeleted
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleActive:
		return "active"
	case LifecycleRequested:
		return "requested"
	case LifecycleCompleted:
		return "completed"
	case LifecycleConverted:
		return "converted"
	case LifecycleSoftDeleted:
		return "soft_deleted"
	case LifecycleHardDeleted:
		return "hard_deleted"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(l))
	}
}

// Validate rejects timestamp combinations that no lifecycle stage can produce.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	case !r.Type.Valid():
		return fmt.Errorf("%w: type %q", ErrInvalidRecord, r.Type)
	case r.ScreenshotCompletedAt != nil && r.ScreenshotRequestedAt == nil:
		return fmt.Errorf("%w: screenshot completed without request", ErrInvalidRecord)
	case r.IsDeleted && r.DeletedAt == nil:
		return fmt.Errorf("%w: deleted without deletedAt", ErrInvalidRecord)
	case !r.IsDeleted && r.DeletedAt != nil:
		return fmt.Errorf("%w: deletedAt set on live record", ErrInvalidRecord)
	}
	return nil
}

// Lifecycle derives the stage of the record. Rows that exist are never
// HardDeleted; that stage only describes purged rows.
func (r Record) Lifecycle() Lifecycle {
	switch {
	case r.IsDeleted:
		return LifecycleSoftDeleted
	case r.HasJPEG && r.HasWebP:
		return LifecycleConverted
	case r.ScreenshotCompletedAt != nil:
		return LifecycleCompleted
	case r.ScreenshotRequestedAt != nil:
		return LifecycleRequested
	default:
		return LifecycleActive
	}
}
