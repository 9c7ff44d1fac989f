package devchain

import (
	"fmt"
	"net/http"

	"github.com/immutablenpc/npc/ledger"
)

func reject(status, code int, name, what, format string, args ...any) *ledger.Rejection {
	msg := fmt.Sprintf(format, args...)
	return &ledger.Rejection{
		HTTPStatus: status,
		Code:       code,
		Name:       name,
		What:       what,
		Message:    msg,
		Details:    []ledger.ErrorDetail{{Message: msg}},
	}
}

// Assertf is the error a contract returns when a check fails.
func Assertf(format string, args ...any) error {
	return reject(http.StatusInternalServerError, 3050003, ledger.ExceptionAssert,
		"sysio_assert_message assertion failure", "assertion failure with message: "+format, args...)
}

func accountExists(name ledger.Name) error {
	return reject(http.StatusInternalServerError, 3050001, ledger.ExceptionAccountExists,
		"Account name already exists", "Cannot create account named %s, as that name is already taken", name)
}

func unknownAccount(name ledger.Name) error {
	return reject(http.StatusInternalServerError, 3060002, ledger.ExceptionUnknownAcct,
		"Account lookup", "unknown key (sysio::chain::name): %s", name)
}

func missingAuth(actor ledger.Name) error {
	return reject(http.StatusUnauthorized, 3090004, ledger.ExceptionMissingAuth,
		"Missing required authority", "missing authority of %s", actor)
}

func unsatisfied(level ledger.PermissionLevel) error {
	return reject(http.StatusUnauthorized, 3090003, ledger.ExceptionUnsatisfied,
		"Provided keys, permissions, and delays do not satisfy declared authorizations",
		"transaction declares authority '%s', but does not have signatures for it", level)
}

func expired(format string, args ...any) error {
	return reject(http.StatusBadRequest, 3040005, ledger.ExceptionExpired, "Expired Transaction", format, args...)
}

func badTaPoS(format string, args ...any) error {
	return reject(http.StatusBadRequest, 3040007, ledger.ExceptionTaPoS, "Invalid Reference Block", format, args...)
}

func duplicate(id ledger.Checksum256) error {
	return reject(http.StatusConflict, 3040008, ledger.ExceptionDuplicate, "Duplicate transaction", "duplicate transaction %s", id)
}

func actionInvalid(format string, args ...any) error {
	return reject(http.StatusBadRequest, 3050004, ledger.ExceptionUnknownAction, "Action validate exception", format, args...)
}

func parseError(format string, args ...any) error {
	return reject(http.StatusBadRequest, 4000000, ledger.ExceptionParse, "Parse Error", format, args...)
}

func tableQueryError(format string, args ...any) error {
	return reject(http.StatusInternalServerError, 3060003, ledger.ExceptionTable, "Contract Table Query Exception", format, args...)
}
