package domain

import "errors"

// Engine-level failures mirror the protocol's revert reasons verbatim so
// callers can match on the exact strings the settlement contracts emit.
var (
	// Authorization.
	ErrOnlyOwner            = errors.New("Only the contract owner may perform this action")
	ErrOnlyMarket           = errors.New("Only market allowed")
	ErrOnlyMigratingManager = errors.New("Only permitted for migrating manager.")
	ErrNotWhitelisted       = errors.New("Only whitelisted addresses can create markets")

	// Market lifecycle.
	ErrMarketExists        = errors.New("Market already exists")
	ErrMarketKnown         = errors.New("Market already known.")
	ErrMarketUnknown       = errors.New("Market unknown")
	ErrNotActiveMarket     = errors.New("Not an active market")
	ErrNotKnownMarket      = errors.New("Permitted only for known markets")
	ErrNotActiveForDeposit = errors.New("Permitted only for active markets")
	ErrMigrateToSelf       = errors.New("Can't migrate to self")
	ErrCannotResolve       = errors.New("The market can not be resolved yet")
	ErrAlreadyResolved     = errors.New("Market already resolved")
	ErrNotResolved         = errors.New("Market has not been resolved")
	ErrNotTradingPhase     = errors.New("Market is not in trading phase")
	ErrInvalidMaturity     = errors.New("Maturity out of bounds")
	ErrStaleRate           = errors.New("Invalid price feed rate")
	ErrInsufficientCapital = errors.New("Insufficient capital")

	// Option burning / exercise.
	ErrBurnZero     = errors.New("Can not burn zero amount!")
	ErrBurnTooMuch  = errors.New("There is not enough options!")
	ErrNothingToPay = errors.New("Nothing to exercise")

	// Economic limits.
	ErrSlippage              = errors.New("Slippage too high")
	ErrNotEnoughLiquidity    = errors.New("Not enough liquidity")
	ErrUnsupportedCollateral = errors.New("unsupported collateral")
	ErrPegSlippage           = errors.New("Amount below max allowed peg slippage")
	ErrAllocationExceeded    = errors.New("Amount exceeds available allocation for asset")
	ErrMarketNotValid        = errors.New("Market not valid")

	// Pool / vault rounds.
	ErrVaultCapExceeded     = errors.New("Deposit amount exceeds vault cap")
	ErrInvalidAmount        = errors.New("Invalid amount")
	ErrVaultFull            = errors.New("Max amount of users reached")
	ErrNothingToWithdraw    = errors.New("Nothing to withdraw")
	ErrWithdrawAfterDeposit = errors.New("Can't withdraw as you already deposited for next round")
	ErrWithdrawRequested    = errors.New("Withdrawal already requested")
	ErrRoundNotFinished     = errors.New("Round is not finished yet")
	ErrMarketsUnresolved    = errors.New("Round markets are not all resolved")

	// Ledger safety.
	ErrInsufficientBalance   = errors.New("Insufficient balance")
	ErrInsufficientAllowance = errors.New("Insufficient allowance")
	ErrInvalidAddress        = errors.New("Invalid address")
)

// Infrastructure-level sentinel errors used by stores and caches.
var (
	ErrNotFound    = errors.New("not found")
	ErrLockHeld    = errors.New("lock already held")
	ErrContextDone = errors.New("context cancelled")
)
