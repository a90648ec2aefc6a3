// Package batch groups bulk operations by kind and model, chunks them, and
// dispatches the chunks with bounded concurrency.
package batch

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind tags a batch operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Operation is one queued bulk mutation. Exactly one of Values / IDs+Values /
// IDs is meaningful depending on Kind.
type Operation struct {
	Kind   Kind
	Model  string
	Values map[string]any
	IDs    []int64
}

// CreateOp queues a create of one value map.
func CreateOp(model string, values map[string]any) Operation {
	return Operation{Kind: KindCreate, Model: model, Values: values}
}

// UpdateOp queues a write of values to ids.
func UpdateOp(model string, ids []int64, values map[string]any) Operation {
	return Operation{Kind: KindUpdate, Model: model, IDs: ids, Values: values}
}

// DeleteOp queues an unlink of ids.
func DeleteOp(model string, ids []int64) Operation {
	return Operation{Kind: KindDelete, Model: model, IDs: ids}
}

// Result is the outcome for one operation, addressed by its input index.
type Result struct {
	// Value holds the success outcome: the created id for creates, true for
	// updates and deletes.
	Value any
	Err   error
}

// Batch is an accumulated set of operations plus their outcomes.
type Batch struct {
	ID         string
	Operations []Operation
	Results    map[int]Result
}

// Builder accumulates operations fluently before execution.
type Builder struct {
	ops []Operation
}

// NewBuilder starts an empty batch.
func NewBuilder() *Builder { return &Builder{} }

// Create queues a create.
func (b *Builder) Create(model string, values map[string]any) *Builder {
	b.ops = append(b.ops, CreateOp(model, values))
	return b
}

// Update queues a write.
func (b *Builder) Update(model string, ids []int64, values map[string]any) *Builder {
	b.ops = append(b.ops, UpdateOp(model, ids, values))
	return b
}

// Delete queues an unlink.
func (b *Builder) Delete(model string, ids []int64) *Builder {
	b.ops = append(b.ops, DeleteOp(model, ids))
	return b
}

// Build seals the builder into a batch.
func (b *Builder) Build() *Batch {
	return &Batch{
		ID:         uuid.NewString(),
		Operations: append([]Operation(nil), b.ops...),
		Results:    make(map[int]Result),
	}
}

// Len returns the queued operation count.
func (b *Builder) Len() int { return len(b.ops) }

func (op Operation) validate() error {
	if op.Model == "" {
		return fmt.Errorf("batch operation requires a model")
	}
	switch op.Kind {
	case KindCreate:
		if op.Values == nil {
			return fmt.Errorf("create operation requires values")
		}
	case KindUpdate:
		if len(op.IDs) == 0 || op.Values == nil {
			return fmt.Errorf("update operation requires ids and values")
		}
	case KindDelete:
		if len(op.IDs) == 0 {
			return fmt.Errorf("delete operation requires ids")
		}
	default:
		return fmt.Errorf("unknown batch operation kind %q", op.Kind)
	}
	return nil
}
