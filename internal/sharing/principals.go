package sharing

import (
	"context"
	"fmt"

	"github.com/odyssey-data/lakeshare/internal/shares"
)

// Principals is the derived list of external identities receiving or losing
// access for one share. It is recomputed at the start of every run and never
// cached, because the underlying role ARNs can change between runs.
type Principals struct {
	RoleArn    string
	BIGroupArn string
}

// List returns the principal ARNs in grant order.
func (p Principals) List() []string {
	out := []string{p.RoleArn}
	if p.BIGroupArn != "" {
		out = append(out, p.BIGroupArn)
	}
	return out
}

// ResolvePrincipals builds the principal list for a run: the target IAM role
// ARN, plus the BI-tool group ARN when that integration is enabled on the
// target environment. A missing role is a share-wide failure; no grant can
// be attached to a nonexistent principal.
func ResolvePrincipals(ctx context.Context, roles RoleResolver, share shares.ShareObject, targetEnv shares.Environment) (Principals, error) {
	arn, err := roles.GetRoleArn(ctx, targetEnv.AccountID, share.PrincipalRoleName)
	if err != nil {
		return Principals{}, fmt.Errorf("sharing: resolve role %s in account %s: %w", share.PrincipalRoleName, targetEnv.AccountID, err)
	}
	if arn == "" {
		return Principals{}, fmt.Errorf("sharing: role %s in account %s: %w", share.PrincipalRoleName, targetEnv.AccountID, ErrPrincipalNotFound)
	}
	p := Principals{RoleArn: arn}
	if targetEnv.BIGroupEnabled {
		p.BIGroupArn = biGroupArn(targetEnv)
	}
	return p, nil
}

// biGroupArn is deterministic by construction; the BI provider creates the
// group under the environment's resource prefix at onboarding time.
func biGroupArn(env shares.Environment) string {
	prefix := env.ResourcePrefix
	if prefix == "" {
		prefix = "lakeshare"
	}
	return fmt.Sprintf("arn:aws:quicksight:%s:%s:group/default/%s-bi", env.Region, env.AccountID, prefix)
}
