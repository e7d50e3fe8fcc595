// Package query defines fetch requests and the sealed predicate IR they
// filter with.
//
// Predicates are built with the helpers in this package or parsed from
// filter text with Parse. Bind validates a Spec against a model and coerces
// literals; Match evaluates a bound predicate in memory. The store evaluates
// the same predicates in SQL (see querysql), and the two must agree.
package query
