// Package store is the system-of-record layer for the authorization engine:
// raw SQL over database/sql against the users, organizations, roles,
// permissions and join tables described in the schema migrations.
//
// Reads filter on active flags at every link of a join, so an inactive role,
// assignment or permission makes the grant invisible without any caller-side
// filtering. Administrative mutations deliberately deactivate rows instead of
// deleting them where grant history matters.
package store
