package gateway

import (
	"fmt"
	"io"
	"strings"
)

// Request is one storlet invocation against an object.
type Request struct {
	StorletID    string
	Params       map[string]string
	UserMetadata map[string]string
	// Data is the input object. An *os.File is handed to the daemon directly;
	// any other reader is pumped through a pipe.
	Data    io.Reader
	Options Options
}

// CheckMandatoryParams fails when any of keys is absent from params.
func CheckMandatoryParams(params map[string]string, keys []string) error {
	var missing []string
	for _, key := range keys {
		if _, ok := params[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: mandatory parameters are missing: %s", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}
