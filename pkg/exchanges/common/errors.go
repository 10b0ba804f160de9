package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	bncommon "github.com/adshao/go-binance/v2/common"
)

// ErrDuplicateStop means a stop replacement left both the old and the new stop resting.
var ErrDuplicateStop = errors.New("duplicate protective stop")

// DecodeVenueError turns a non-2xx venue response into *common.APIError when the body
// carries {code,msg}; otherwise it returns a plain status error.
func DecodeVenueError(status int, body []byte) error {
	var apiErr bncommon.APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != 0 {
		return &apiErr
	}
	if status == http.StatusTooManyRequests || status == 418 {
		return &bncommon.APIError{Code: -1003, Message: string(body)}
	}
	return fmt.Errorf("venue status %d: %s", status, string(body))
}

// IsUnknownOrder reports a cancel that found no resting order (-2011 unknown, -2013 not exist).
func IsUnknownOrder(err error) bool {
	var apiErr *bncommon.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == -2011 || apiErr.Code == -2013
}
