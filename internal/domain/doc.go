// Package domain defines the core types of the drip sequencing engine.
//
// Types in this package are value objects with no database dependencies and
// no HTTP concerns. They are the shared language between the processor, the
// enrollment store implementations and the HTTP handlers.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed
//   - Small predicates on a single value are allowed (IsDue, IsZero)
//   - Status enums belong here
package domain
