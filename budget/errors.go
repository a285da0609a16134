// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package budget

import "errors"

// Sentinel errors for the budget package.
var (
	// ErrInvalidLedger indicates a ledger that fails validation.
	ErrInvalidLedger = errors.New("invalid budget ledger")

	// ErrUnknownTier indicates a tier name not present in the ledger.
	ErrUnknownTier = errors.New("unknown budget tier")

	// ErrUnknownRequest indicates a settle for a request that was never
	// admitted (or was already settled).
	ErrUnknownRequest = errors.New("unknown request id")

	// ErrLedgerCorrupt indicates a ledger file that cannot be parsed.
	ErrLedgerCorrupt = errors.New("ledger file is corrupt")
)
