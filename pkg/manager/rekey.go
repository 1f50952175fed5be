package manager

import (
	"fmt"

	"github.com/cuemby/minerguard/pkg/log"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/storage"
	"github.com/cuemby/minerguard/pkg/types"
)

// RekeyReport summarizes a master key change
type RekeyReport struct {
	Sites      int
	Rewrapped  int
	Iterations int
	DryRun     bool
}

// Rekey moves every site DEK from the master key derived from oldSecret to
// one derived from newSecret with a fresh salt. All DEKs are unwrapped and
// rewrapped in memory before anything is written, so a wrong old secret or
// a corrupt DEK aborts with the store untouched. The writes themselves are
// not one transaction; callers keep a backup of the data directory.
//
// Credentials are not re-encrypted: they stay under their site DEK.
func Rekey(store storage.Store, oldSecret, newSecret string, iterations int, dryRun bool) (*RekeyReport, error) {
	if newSecret == "" {
		return nil, types.NewValidationError("new_secret", "new master secret cannot be empty")
	}
	if newSecret == oldSecret {
		return nil, types.NewValidationError("new_secret", "new master secret must differ from the old one")
	}
	if iterations == 0 {
		iterations = security.DefaultKDFIterations
	}

	if _, err := LoadMasterKeyParams(store); err != nil {
		return nil, fmt.Errorf("store has no master key to rotate: %w", err)
	}
	oldEnv, err := OpenMasterKey(store, oldSecret, 0)
	if err != nil {
		return nil, err
	}

	salt, err := security.NewSalt()
	if err != nil {
		return nil, err
	}
	newEnv, err := security.NewEnvelopeFromSecret(newSecret, salt, iterations)
	if err != nil {
		return nil, err
	}

	sites, err := store.ListSites()
	if err != nil {
		return nil, err
	}

	logger := log.WithComponent("rekey")
	rewrapped := make(map[string]string)
	for _, site := range sites {
		if site.SiteDEKWrapped == "" {
			continue
		}
		wrapped, err := oldEnv.Rewrap(site.SiteDEKWrapped, newEnv)
		if err != nil {
			return nil, fmt.Errorf("failed to rewrap DEK of site %s: %w", site.ID, err)
		}
		rewrapped[site.ID] = wrapped
	}

	report := &RekeyReport{
		Sites:      len(sites),
		Rewrapped:  len(rewrapped),
		Iterations: iterations,
		DryRun:     dryRun,
	}
	if dryRun {
		return report, nil
	}

	for siteID, wrapped := range rewrapped {
		if _, err := store.UpdateSite(siteID, func(s *types.Site) error {
			s.SiteDEKWrapped = wrapped
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to store DEK of site %s: %w", siteID, err)
		}
		logger.Debug().Str("site_id", siteID).Msg("Site DEK rewrapped")
	}

	check, err := newEnv.GenerateWrappedDEK()
	if err != nil {
		return nil, err
	}
	if err := SaveMasterKeyParams(store, &MasterKeyParams{Salt: salt, Iterations: iterations, Check: check}); err != nil {
		return nil, err
	}

	logger.Info().
		Int("sites", report.Sites).
		Int("rewrapped", report.Rewrapped).
		Msg("Master key rotated")
	return report, nil
}
