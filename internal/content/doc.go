// Package content moves collection files from the editable workspace to the
// published tree.
//
// Layout on disk:
//
//	<workspace>/<collection id>/<file>           editable, optionally sealed
//	<host dir>/.staging/<tx>/<collection id>/... copied, not yet visible
//	<host dir>/<collection id>/<file>            published
//
// A transaction is the staging directory of one Copy on one host. Commit
// renames its files into place; Rollback deletes it.
package content
