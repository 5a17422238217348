package store

import (
	"strings"

	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

// MarkExpired appends the expired marker to a justification once.
func MarkExpired(justification string) string {
	if strings.HasSuffix(justification, types.ExpiredMarker) {
		return justification
	}
	if justification == "" {
		return types.ExpiredMarker
	}
	return justification + " " + types.ExpiredMarker
}
