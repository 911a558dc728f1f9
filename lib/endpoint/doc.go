// Package endpoint is the reference remote execution environment of rfcunit.
//
// An Endpoint serves one client number. It opens sessions for logged on users,
// runs functions from its Registry and implements the unit system functions
// (RFC_UNIT_SUBMIT, RFC_UNIT_GET_STATE, RFC_UNIT_CONFIRM, RFC_UNIT_DESTROY,
// RFC_UNIT_HISTORY).
//
// Units are recorded exactly once per identifier and processed after the submit
// reply was sent. Synchronous units run in their own worker, asynchronous units
// are fed through a bounded worker pool per queue name. Table writes of a unit
// are staged in a Tx and become visible together with the COMMITTED record; a
// failing call discards them and the unit is ROLLED_BACK. All transitions of a
// unit are serialized by a lock from lib/lockmgr. Units still IN_PROCESS when the
// endpoint stops are picked up again by Start.
package endpoint
