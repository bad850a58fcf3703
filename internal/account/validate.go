package account

import (
	"fmt"
	"regexp"
)

var idRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateID checks that an account id is safe to use as a directory name and
// database key.
func ValidateID(id string) error {
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("invalid account id %q: must match ^[a-zA-Z0-9_-]{1,64}$", id)
	}
	return nil
}
