// Package schema wraps JSON-Schema validation for MASH's job documents
// and account-lifecycle messages, reusing the teacher's own
// github.com/fulmenhq/gofulmen/schema engine (pkg/manifest/validate.go
// in 3leaps-gonimbus) rather than dropping it for a hand-rolled
// validator.
package schema

import (
	"fmt"
	"sync"

	gofulmenschema "github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/mash/internal/assets/schemas"
)

// ValidationError represents a single validation issue at a JSON pointer
// path within the document.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every issue found in a single validation pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("validation failed with %d errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Kind identifies which embedded schema to validate against.
type Kind string

const (
	KindJobDocument   Kind = "job_document"
	KindAddAccount    Kind = "add_account"
	KindDeleteAccount Kind = "delete_account"
)

var schemaBytes = map[Kind][]byte{
	KindJobDocument:   schemasassets.JobDocumentSchema,
	KindAddAccount:    schemasassets.AddAccountSchema,
	KindDeleteAccount: schemasassets.DeleteAccountSchema,
}

type cacheEntry struct {
	once      sync.Once
	validator *gofulmenschema.Validator
	err       error
}

var cache = map[Kind]*cacheEntry{
	KindJobDocument:   {},
	KindAddAccount:    {},
	KindDeleteAccount: {},
}

func validatorFor(kind Kind) (*gofulmenschema.Validator, error) {
	entry, ok := cache[kind]
	if !ok {
		return nil, fmt.Errorf("schema: unknown kind %q", kind)
	}
	entry.once.Do(func() {
		raw := schemaBytes[kind]
		if len(raw) == 0 {
			entry.err = fmt.Errorf("schema: embedded schema for %q is empty", kind)
			return
		}
		entry.validator, entry.err = gofulmenschema.NewValidator(raw)
	})
	return entry.validator, entry.err
}

// ValidateRaw validates raw JSON bytes against the schema identified by
// kind. It returns nil on success, or a ValidationErrors describing
// every failure.
func ValidateRaw(kind Kind, jsonData []byte) error {
	v, err := validatorFor(kind)
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema: validation error: %w", err)
	}
	if len(diags) == 0 {
		return nil
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == gofulmenschema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}
