// Package schemasassets provides embedded JSON schemas for standalone
// binary behavior, mirroring the teacher's internal/assets/schemas
// package: schemas are compiled into the binary so validation works
// correctly regardless of installation location or working directory.
package schemasassets

import _ "embed"

// JobDocumentSchema is the embedded schema for job documents accepted by
// the Job Creator (spec.md §3 Job Document).
//
//go:embed job-document.schema.json
var JobDocumentSchema []byte

// AddAccountSchema is the embedded schema for add_account relay messages.
//
//go:embed add-account.schema.json
var AddAccountSchema []byte

// DeleteAccountSchema is the embedded schema for delete_account relay
// messages.
//
//go:embed delete-account.schema.json
var DeleteAccountSchema []byte
