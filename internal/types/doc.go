// Package types contains the foundational data model shared by every
// runtime package: captured network entries, request snapshots, run
// results, the event stream, and the error taxonomy.
//
// Zero third-party dependencies — packages higher in the stack (pack,
// capture, runner) all import types, so anything placed here must not
// pull in drivers or codecs.
package types
