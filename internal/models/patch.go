package models

type fieldOp uint8

const (
	fieldKeep fieldOp = iota
	fieldSet
	fieldDelete
)

// Field is a partial-update instruction for one record field. The zero value
// leaves the field untouched. Delete removes the field entirely, which is not
// the same as setting it to an empty or null value.
type Field[T any] struct {
	op    fieldOp
	value T
}

func Set[T any](v T) Field[T] { return Field[T]{op: fieldSet, value: v} }

func Delete[T any]() Field[T] { return Field[T]{op: fieldDelete} }

func (f Field[T]) IsSet() bool    { return f.op == fieldSet }
func (f Field[T]) IsDelete() bool { return f.op == fieldDelete }
func (f Field[T]) IsKeep() bool   { return f.op == fieldKeep }
func (f Field[T]) Value() T       { return f.value }

// RecordPatch lists the tracking fields the sync engine is allowed to write.
type RecordPatch struct {
	EventMap   Field[EventMap]
	SyncStatus Field[SyncStatus]
}

func (p RecordPatch) Empty() bool {
	return p.EventMap.IsKeep() && p.SyncStatus.IsKeep()
}
