// Package script compiles and evaluates the expressions used by workflows:
// map filters and sort keys, step conditions, DLQ filters and the ${...}
// placeholders in commands.
package script

import (
	"context"
)

// Compiler turns expression source into a reusable Script. Implementations
// must be safe for concurrent use since map workers share one compiler.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}

// Script is a compiled expression. Evaluate may be called many times with
// different globals, typically once per work item.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Value is an evaluation result.
type Value interface {
	// Value returns the plain Go value.
	Value() any

	// Items returns the value as a list. Scalars are an error.
	Items() ([]any, error)

	// String formats the value for interpolation into a command.
	String() string

	// IsTruthy reports whether a condition with this result holds.
	IsTruthy() bool
}
