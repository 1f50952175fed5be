package policy

import (
	"errors"

	"github.com/cuemby/minerguard/pkg/types"
)

// Conceal turns a tenant-isolation denial into a not-found error so callers
// cannot probe for resources in other tenants. Every other error passes
// through unchanged.
func Conceal(err error, kind, id string) error {
	var pde *types.PolicyDeniedError
	if errors.As(err, &pde) && pde.Rule == types.RuleTenantIsolation {
		return types.NotFoundError(kind, id)
	}
	return err
}
