// Package identifier interns value specifications into small integers.
//
// A Specification describes a computed value: the value name, the target it
// was computed for, and a set of properties. Specifications are compared and
// hashed often, and are large to send over a network, so each distinct
// Specification is assigned an Identifier by a Source and the Identifier is
// used in its place everywhere else.
//
// Identifiers are unique and stable for the lifetime of the Source that
// assigned them. They are not dense: concurrent first lookups of the same
// Specification may each draw a number, and only one of them is kept.
package identifier
