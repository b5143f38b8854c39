package config

import (
	"errors"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Error codes of configuration failures.
const (
	ErrCodeRead    = "CONFIG_READ"
	ErrCodeParse   = "CONFIG_PARSE"
	ErrCodeInvalid = "CONFIG_INVALID"
	ErrCodeDecode  = "CONFIG_DECODE"
)

// LoadError is a configuration that could not be loaded. Pos is set when the
// failure can be traced to a CUE source position.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsLoadError returns true if err wraps a *LoadError.
func IsLoadError(err error) bool {
	var e *LoadError
	return errors.As(err, &e)
}

// fromCUE converts a CUE error to a LoadError. The position is the first one
// outside the embedded schema; failing that, the position of the user's value
// at the failing path. user may be nil.
func fromCUE(code string, err error, user *cue.Value) *LoadError {
	le := &LoadError{Code: code, Message: err.Error()}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return le
	}
	first := errs[0]
	le.Message = first.Error()
	le.Pos = first.Position()
	for _, p := range cueerrors.Positions(err) {
		if p.IsValid() && p.Filename() != schemaFile {
			le.Pos = p
			return le
		}
	}
	if user != nil {
		if p := userPos(*user, first.Path()); p.IsValid() {
			le.Pos = p
		}
	}
	return le
}

func userPos(user cue.Value, path []string) token.Pos {
	var sels []cue.Selector
	for _, el := range path {
		if strings.HasPrefix(el, "#") {
			continue
		}
		sels = append(sels, cue.Str(el))
	}
	if len(sels) == 0 {
		return token.NoPos
	}
	return user.LookupPath(cue.MakePath(sels...)).Pos()
}
