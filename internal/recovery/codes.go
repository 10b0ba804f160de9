// Package recovery classifies venue errors and drives automatic recovery.
package recovery

import (
	"errors"
	"fmt"
	"strings"

	"execution-core/internal/errs"
)

// Action is the recovery step associated with a venue error code.
type Action string

const (
	ActionNone               Action = ""
	ActionSyncTime           Action = "syncTime"
	ActionRateLimit          Action = "rateLimit"
	ActionValidateSymbol     Action = "validateSymbol"
	ActionCheckOrder         Action = "checkOrder"
	ActionCheckCredentials   Action = "checkCredentials"
	ActionValidateOrder      Action = "validateOrder"
	ActionInsufficientMargin Action = "insufficientMargin"
)

// CodeInfo describes one venue error code.
type CodeInfo struct {
	Name        string
	Recoverable bool
	Action      Action
}

const filterFailureCode int64 = -1013

var codeTable = map[int64]CodeInfo{
	-1021:             {Name: "INVALID_TIMESTAMP", Recoverable: true, Action: ActionSyncTime},
	-1003:             {Name: "TOO_MANY_REQUESTS", Recoverable: true, Action: ActionRateLimit},
	-1111:             {Name: "INVALID_SYMBOL", Action: ActionValidateSymbol},
	-2010:             {Name: "NEW_ORDER_REJECTED", Action: ActionCheckOrder},
	-2011:             {Name: "CANCEL_REJECTED", Action: ActionCheckOrder},
	-2013:             {Name: "NO_SUCH_ORDER", Action: ActionCheckOrder},
	-2015:             {Name: "INVALID_API_KEY", Action: ActionCheckCredentials},
	-2016:             {Name: "INVALID_SIGNATURE", Action: ActionCheckCredentials},
	-2019:             {Name: "MARGIN_NOT_SUFFICIENT", Action: ActionInsufficientMargin},
	filterFailureCode: {Name: "FILTER_FAILURE", Action: ActionValidateOrder},
}

// Classification is a parsed error.
type Classification struct {
	Code    int64
	Message string
	Known   bool
	CodeInfo
}

// Classify maps err onto the code table. Venue messages starting with "Filter failure" are
// treated as FILTER_FAILURE whatever their code.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	apiErr, ok := errs.AsVenueError(err)
	if !ok {
		return Classification{Message: err.Error()}
	}
	c := Classification{Code: apiErr.Code, Message: apiErr.Message}
	if strings.HasPrefix(strings.ToLower(apiErr.Message), "filter failure") {
		c.CodeInfo, c.Known = codeTable[filterFailureCode], true
		return c
	}
	c.CodeInfo, c.Known = codeTable[apiErr.Code]
	return c
}

// UserMessage renders a classification for display.
func UserMessage(c Classification) string {
	switch c.Action {
	case ActionSyncTime:
		return "Time synchronization issue. Please try again."
	case ActionRateLimit:
		return "Too many requests. Please wait a moment and try again."
	case ActionValidateSymbol:
		return "Invalid trading symbol. Please check the symbol format."
	case ActionInsufficientMargin:
		return "Insufficient margin. Please reduce quantity or add more funds."
	case ActionValidateOrder:
		return fmt.Sprintf("Order validation failed: %s. Please check quantity and price.", c.Message)
	case ActionCheckCredentials:
		return "API credentials invalid. Please check your API keys."
	case ActionCheckOrder:
		if c.Code == -2010 {
			return "Order rejected: " + c.Message
		}
	}
	if c.Message != "" {
		return c.Message
	}
	return "An error occurred. Please try again."
}

// IsTimeout reports whether err leaves the order state unknown.
func IsTimeout(err error) bool {
	return errs.KindOf(err) == errs.KindRequestTimeout || errors.Is(err, errs.ErrRequestTimeout)
}
