package ledger

import (
	// The SQL ledger speaks postgres and sqlite; register both
	// drivers so NewSQL can be handed either name.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)
