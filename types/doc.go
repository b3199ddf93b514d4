// Package types contains shared types used across the runflow engine:
// the unified error taxonomy and its helpers.
package types
