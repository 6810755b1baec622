// Package store provides remote mirrors for the credential record: a
// Postgres row, an S3-compatible object and a git repository. Each mirror
// stores the encoded record bytes verbatim.
package store

// RecordName is the object and file name used by every mirror.
const RecordName = "claude-credential.json"
