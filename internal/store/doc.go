// Package store defines interfaces for persistence dependencies: tender
// records, crawl checkpoints and document references. Implementations live
// in subpackages; this package must not import database drivers or concrete
// clients.
package store
