// Package store defines the download-history repository. Implementations live
// in other packages; this package must not import database drivers.
package store
