package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/immutablenpc/npc/errs"
)

// ErrorDetail is one entry of a node's error detail list.
type ErrorDetail struct {
	Message    string `json:"message"`
	File       string `json:"file,omitempty"`
	LineNumber int    `json:"line_number,omitempty"`
	Method     string `json:"method,omitempty"`
}

// Rejection is a structured error returned by a ledger node.
type Rejection struct {
	HTTPStatus int
	Code       int
	Name       string
	What       string
	// Message is the first detail message, verbatim.
	Message string
	Details []ErrorDetail
}

// Exception names the dev node and real nodes agree on.
const (
	ExceptionAccountExists = "account_name_exists_exception"
	ExceptionAssert        = "sysio_assert_message_exception"
	ExceptionMissingAuth   = "missing_auth_exception"
	ExceptionUnsatisfied   = "unsatisfied_authorization"
	ExceptionExpired       = "expired_tx_exception"
	ExceptionTaPoS         = "invalid_ref_block_exception"
	ExceptionDuplicate     = "tx_duplicate"
	ExceptionUnknownAction = "action_validate_exception"
	ExceptionNoABI         = "abi_not_found_exception"
	ExceptionUnknownAcct   = "unknown_account_exception"
	ExceptionTable         = "contract_table_query_exception"
	ExceptionParse         = "parse_error_exception"
)

// errorBody is the JSON body of a failed RPC.
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Error   struct {
		Code    int           `json:"code"`
		Name    string        `json:"name"`
		What    string        `json:"what"`
		Details []ErrorDetail `json:"details"`
	} `json:"error"`
}

func parseRejection(status int, body []byte) (*Rejection, bool) {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || (eb.Error.Name == "" && len(eb.Error.Details) == 0) {
		return nil, false
	}
	r := &Rejection{
		HTTPStatus: status,
		Code:       eb.Error.Code,
		Name:       eb.Error.Name,
		What:       eb.Error.What,
		Details:    eb.Error.Details,
	}
	if len(r.Details) > 0 {
		r.Message = r.Details[0].Message
	} else {
		r.Message = r.What
	}
	return r, true
}

func (r *Rejection) Error() string {
	if r.Name == "" {
		return "ledger rejected: " + r.Message
	}
	return fmt.Sprintf("ledger rejected (%s): %s", r.Name, r.Message)
}

func (r *Rejection) KindOf() errs.Kind { return errs.KindRejected }

// AlreadyExists reports whether the node refused to create an account
// because the name is taken.
func (r *Rejection) AlreadyExists() bool {
	return r.Name == ExceptionAccountExists || strings.Contains(r.Message, "name is already taken")
}

// Contains reports whether any detail message contains s.
func (r *Rejection) Contains(s string) bool {
	if strings.Contains(r.Message, s) {
		return true
	}
	for _, d := range r.Details {
		if strings.Contains(d.Message, s) {
			return true
		}
	}
	return false
}

// ErrorBody renders r the way a node does. The dev node uses it.
func (r *Rejection) ErrorBody() any {
	status := r.HTTPStatus
	if status == 0 {
		status = 500
	}
	var eb errorBody
	eb.Code = status
	eb.Message = "Internal Service Error"
	if status == 400 {
		eb.Message = "Invalid Request"
	}
	eb.Error.Code = r.Code
	eb.Error.Name = r.Name
	eb.Error.What = r.What
	eb.Error.Details = r.Details
	if len(eb.Error.Details) == 0 && r.Message != "" {
		eb.Error.Details = []ErrorDetail{{Message: r.Message}}
	}
	return eb
}
