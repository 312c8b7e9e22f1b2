package device

import "fmt"

// UnknownItemError names a control-table item the registry does not know.
type UnknownItemError struct {
	Name string
}

func (e *UnknownItemError) Error() string {
	return fmt.Sprintf("unknown control table item %q", e.Name)
}

// ReadOnlyItemError reports a write attempt on a read-only item.
type ReadOnlyItemError struct {
	Name string
}

func (e *ReadOnlyItemError) Error() string {
	return fmt.Sprintf("control table item %q is read only", e.Name)
}

// ExceedsMaxError reports an indirect block layout that overflows the
// device's slot capacity.
type ExceedsMaxError struct {
	Total int
}

func (e *ExceedsMaxError) Error() string {
	return fmt.Sprintf("indirect blocks would occupy %d bytes, device has %d slots", e.Total, maxIndirect)
}

// MissingValueError reports a block write that left an item unset.
type MissingValueError struct {
	Name string
}

func (e *MissingValueError) Error() string {
	return fmt.Sprintf("missing value for block item %q", e.Name)
}

// LengthMismatchError reports sync-write data whose size differs from the
// declared per-device length.
type LengthMismatchError struct {
	ID byte
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("sync write data for id %d does not match the declared length", e.ID)
}

// BlockNotFoundError reports an operation on an indirect block that was
// never installed.
type BlockNotFoundError struct {
	Name string
}

func (e *BlockNotFoundError) Error() string {
	if e.Name == "" {
		return "no indirect read block installed"
	}
	return fmt.Sprintf("indirect write block %q not installed", e.Name)
}

// BlockExistsError reports a setup attempt over a block that is still
// installed; clear it first.
type BlockExistsError struct {
	Name string
}

func (e *BlockExistsError) Error() string {
	return fmt.Sprintf("indirect write block %q already installed", e.Name)
}
