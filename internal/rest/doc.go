// Package rest provides the admin HTTP API of a raftd node.
//
// # Endpoints
//
// Node:
//
//	GET  /api/v1/health   - Health check
//	GET  /api/v1/status   - Role, term, indexes and member progress
//	POST /api/v1/barrier  - Wait until reads reflect every committed write
//	POST /api/v1/stepdown - Transfer leadership to another voter
//
// Members:
//
//	GET /api/v1/members - Current configuration
//	PUT /api/v1/members - Replace the configuration (leader only)
//
// Keys:
//
//	GET    /api/v1/kv?prefix=p  - List keys
//	GET    /api/v1/kv/{key}     - Get value
//	PUT    /api/v1/kv/{key}     - Set value (leader only)
//	DELETE /api/v1/kv/{key}     - Delete key (leader only)
//	POST   /api/v1/rename       - Move a value to a new key (leader only)
//
// Reads accept consistent=true to run a read barrier first.
//
// A write sent to a follower fails with 503 and a not_leader error whose
// leaderId and leaderAddr name the current leader, if known.
//
// # Example Usage
//
//	curl -X PUT http://localhost:8080/api/v1/kv/users/alice \
//	  -H "Content-Type: application/json" \
//	  -d '{"value": "admin"}'
//
//	curl "http://localhost:8080/api/v1/kv/users/alice?consistent=true"
package rest
