// Package linking implements the supervised workflow that binds a wallet to
// a verified Telegram account. A session is a short-lived, single-use state
// machine owned by exactly one tenant; the confirm step is where a
// valid-but-wrong-account signature is stopped.
package linking

import (
	"fmt"
	"time"
)

// State is the session's position in the linking workflow.
type State string

// Legal states. Expiry is implicit: a session past its deadline is treated
// as absent regardless of its nominal state.
const (
	StatePendingWallet          State = "pending_wallet"
	StatePendingTelegramConfirm State = "pending_telegram_confirm"
	StateCompleted              State = "completed"
)

// WalletKind is the closed set of supported wallet connection types.
type WalletKind string

const (
	// WalletKindZkLogin wallets derive their address off-chain from the
	// identity salt; attaching one persists the credential.
	WalletKindZkLogin WalletKind = "zklogin"
	// WalletKindExternal wallets are connected by address only.
	WalletKindExternal WalletKind = "external"
)

// ValidWalletKind reports membership in the closed set.
func ValidWalletKind(k WalletKind) bool {
	return k == WalletKindZkLogin || k == WalletKindExternal
}

// ProfileHints are optional Telegram profile fields captured at creation for
// display in the web dapp.
type ProfileHints struct {
	Username  string
	FirstName string
}

// SaltMaterial accompanies a zklogin wallet attach: the identity triple and
// salt the address was derived from.
type SaltMaterial struct {
	Salt     string
	Subject  string
	Issuer   string
	Audience string
}

// Session is one linking workflow instance.
type Session struct {
	Token       string
	TenantID    string
	Username    string
	FirstName   string
	State       State
	Wallet      string
	WalletKind  WalletKind
	Salt        string
	Subject     string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt time.Time
}

// TransitionError reports an action attempted from a state that does not
// permit it.
type TransitionError struct {
	From   State
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("linking: action %q is not legal in state %q", e.Action, e.From)
}
