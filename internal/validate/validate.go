// Package validate is the declarative field-level validator: UUID,
// GUID, public-key record, ISO-8601 timestamp and enum checks,
// producing a structured multi-error response instead of failing on
// the first bad field. It is built on
// github.com/go-playground/validator/v10 with struct tags plus
// RegisterValidation for the domain-specific tags the library doesn't
// ship.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	govalidator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/joyent/triton-kbmapi/internal/apperror"
)

var guidPattern = regexp.MustCompile(`^[0-9A-F]{32}$`)

// v is the process-wide validator instance, configured once with the
// custom tags this domain needs. go-playground/validator recommends a
// single shared instance (its struct-tag cache is keyed by type).
var v = newValidator()

func newValidator() *govalidator.Validate {
	val := govalidator.New()
	_ = val.RegisterValidation("guid", isGUID)
	_ = val.RegisterValidation("iso8601ts", isISO8601)
	_ = val.RegisterValidation("sshpubkey", isSSHPubKey)
	return val
}

func isGUID(fl govalidator.FieldLevel) bool {
	return guidPattern.MatchString(fl.Field().String())
}

func isISO8601(fl govalidator.FieldLevel) bool {
	_, err := time.Parse(time.RFC3339, fl.Field().String())
	return err == nil
}

func isSSHPubKey(fl govalidator.FieldLevel) bool {
	_, _, _, _, err := ssh.ParseAuthorizedKey([]byte(fl.Field().String()))
	return err == nil
}

// Struct validates a tagged struct and returns a flat, structured error
// list; nil if the struct is valid.
func Struct(s any) []apperror.FieldError {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(govalidator.ValidationErrors)
	if !ok {
		return []apperror.FieldError{{Field: "", Code: "invalid", Message: err.Error()}}
	}
	out := make([]apperror.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, apperror.FieldError{
			Field:   toSnakeField(fe.Field()),
			Code:    fe.Tag(),
			Message: fmt.Sprintf("%s failed validation %q", toSnakeField(fe.Field()), fe.Tag()),
		})
	}
	return out
}

// toSnakeField renders a Go struct field name (as validator reports it)
// in the lower_snake_case the JSON wire format uses, so error messages
// name the field the client actually sent.
func toSnakeField(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsUUID reports whether s is a syntactically valid RFC 4122 UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// IsGUID reports whether s is a 32-character uppercase hex GUID, the
// PIV token primary key format.
func IsGUID(s string) bool {
	return guidPattern.MatchString(s)
}

// IsISO8601 reports whether s parses as an RFC 3339 (ISO-8601 profile)
// timestamp.
func IsISO8601(s string) bool {
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}

// PubKeys validates a {9a, 9d, 9e} public-key record: every present
// value must be a well-formed SSH public-key line, and 9e is required.
func PubKeys(m map[string]string) []apperror.FieldError {
	var errs []apperror.FieldError
	e9e, ok := m["9e"]
	if !ok || strings.TrimSpace(e9e) == "" {
		errs = append(errs, apperror.FieldError{Field: "pubkeys.9e", Code: "required", Message: "pubkeys.9e is required"})
	}
	for _, slot := range []string{"9a", "9d", "9e"} {
		val, ok := m[slot]
		if !ok || val == "" {
			continue
		}
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(val)); err != nil {
			errs = append(errs, apperror.FieldError{
				Field:   "pubkeys." + slot,
				Code:    "invalid_ssh_key",
				Message: fmt.Sprintf("pubkeys.%s is not a well-formed SSH public key line", slot),
			})
		}
	}
	return errs
}

// FieldsArray validates a caller-supplied projection list against a
// whitelist, dropping unknown entries silently: unrecognized fields
// are ignored rather than rejected, for forward compatibility.
func FieldsArray(requested []string, whitelist []string) []string {
	allowed := make(map[string]bool, len(whitelist))
	for _, f := range whitelist {
		allowed[f] = true
	}
	out := make([]string, 0, len(requested))
	for _, f := range requested {
		if allowed[f] {
			out = append(out, f)
		}
	}
	return out
}

// OffsetLimit validates and clamps pagination parameters to a bounded
// offset/limit.
func OffsetLimit(offset, limit int, maxLimit int) (int, int, []apperror.FieldError) {
	var errs []apperror.FieldError
	if offset < 0 {
		errs = append(errs, apperror.FieldError{Field: "offset", Code: "min", Message: "offset must be >= 0"})
		offset = 0
	}
	if limit <= 0 {
		limit = maxLimit
	}
	if limit > maxLimit {
		errs = append(errs, apperror.FieldError{Field: "limit", Code: "max", Message: fmt.Sprintf("limit must be <= %d", maxLimit)})
		limit = maxLimit
	}
	return offset, limit, errs
}

// Enum validates that value is one of allowed, returning a FieldError
// (not a bool) so callers can append it straight into a result set.
func Enum(field, value string, allowed ...string) *apperror.FieldError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &apperror.FieldError{
		Field:   field,
		Code:    "enum",
		Message: fmt.Sprintf("%s must be one of %s", field, strings.Join(allowed, ", ")),
	}
}
