/*
Package factory provides JSON to Go refund policy conversion.

PURPOSE:
  Converts JSON refund policy definitions into studio.RefundPolicy values so
  a studio can change its cancellation rules without a deploy. Policies are
  loaded once at startup (see config.PolicyConfig.File) and validated before
  the coordinator sees them.

JSON SCHEMA:
  {
    "processing_fee": "2.50",
    "operator": {"refund_percent": "100", "credit_percent": "0"},
    "tiers": [
      {"name": "full",    "min_hours": 24, "refund_percent": "100", "credit_percent": "0"},
      {"name": "partial", "min_hours": 12, "refund_percent": "50",  "credit_percent": "50", "fee": "2.50"},
      {"name": "credit",  "min_hours": 2,  "refund_percent": "0",   "credit_percent": "100"}
    ],
    "organizations": {
      "org-strict": {"tiers": [{"name": "full", "min_hours": 48, "refund_percent": "100"}]}
    }
  }

DEFAULTS:
  - a missing document section falls back to studio.DefaultRefundPolicy
  - a tier without "fee" inherits processing_fee when it keeps less than 100%
  - tiers are sorted by min_hours descending before validation

USAGE:
  set, err := factory.ParsePolicySet(jsonString, studio.DefaultProcessingFee)
  coord := booking.NewCoordinator(store, set.Default, logger, set.Options()...)

SEE ALSO:
  - studio/refund.go: RefundPolicy and Calculate
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/studio-engine/booking"
	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of one refund policy.
type PolicyJSON struct {
	ProcessingFee *decimal.Decimal `json:"processing_fee,omitempty"`
	Operator      *TierJSON        `json:"operator,omitempty"`
	Tiers         []TierJSON       `json:"tiers,omitempty"`
}

// TierJSON represents one lead-time tier.
type TierJSON struct {
	Name          string           `json:"name"`
	MinHours      float64          `json:"min_hours"`
	RefundPercent decimal.Decimal  `json:"refund_percent"`
	CreditPercent decimal.Decimal  `json:"credit_percent"`
	Fee           *decimal.Decimal `json:"fee,omitempty"`
}

// PolicySetJSON is a default policy plus per-organization overrides.
type PolicySetJSON struct {
	PolicyJSON
	Organizations map[string]PolicyJSON `json:"organizations,omitempty"`
}

// PolicySet is the parsed form of PolicySetJSON.
type PolicySet struct {
	Default       studio.RefundPolicy
	Organizations map[studio.OrgID]studio.RefundPolicy
}

// Options returns coordinator options installing the per-org overrides.
func (s *PolicySet) Options() []booking.Option {
	ids := make([]string, 0, len(s.Organizations))
	for id := range s.Organizations {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	opts := make([]booking.Option, 0, len(ids))
	for _, id := range ids {
		opts = append(opts, booking.WithOrgPolicy(studio.OrgID(id), s.Organizations[studio.OrgID(id)]))
	}
	return opts
}

// =============================================================================
// PARSING
// =============================================================================

// ParseRefundPolicy parses a single policy document.
func ParseRefundPolicy(jsonStr string, fee decimal.Decimal) (studio.RefundPolicy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return studio.RefundPolicy{}, fmt.Errorf("failed to parse refund policy JSON: %w", err)
	}
	return FromJSON(pj, fee)
}

// ParsePolicySet parses a default policy with optional per-org overrides.
// Overrides inherit the document's processing fee.
func ParsePolicySet(jsonStr string, fee decimal.Decimal) (*PolicySet, error) {
	var sj PolicySetJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return nil, fmt.Errorf("failed to parse refund policy JSON: %w", err)
	}
	if sj.ProcessingFee != nil {
		fee = *sj.ProcessingFee
	}

	def, err := FromJSON(sj.PolicyJSON, fee)
	if err != nil {
		return nil, err
	}
	set := &PolicySet{Default: def, Organizations: make(map[studio.OrgID]studio.RefundPolicy)}
	for id, pj := range sj.Organizations {
		p, err := FromJSON(pj, fee)
		if err != nil {
			return nil, fmt.Errorf("organization %s: %w", id, err)
		}
		set.Organizations[studio.OrgID(id)] = p
	}
	return set, nil
}

// LoadPolicySet reads a policy file. An empty path yields the default table.
func LoadPolicySet(path string, fee decimal.Decimal) (*PolicySet, error) {
	if path == "" {
		return &PolicySet{
			Default:       studio.DefaultRefundPolicy(fee),
			Organizations: map[studio.OrgID]studio.RefundPolicy{},
		}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read refund policy %s: %w", path, err)
	}
	return ParsePolicySet(string(data), fee)
}

// FromJSON converts PolicyJSON to a validated studio.RefundPolicy.
func FromJSON(pj PolicyJSON, fee decimal.Decimal) (studio.RefundPolicy, error) {
	if pj.ProcessingFee != nil {
		fee = *pj.ProcessingFee
	}
	policy := studio.DefaultRefundPolicy(fee)

	if pj.Operator != nil {
		policy.OperatorTier = parseTier(*pj.Operator, fee)
		policy.OperatorTier.Name = studio.TierOperator
	}
	if len(pj.Tiers) > 0 {
		policy.Tiers = make([]studio.RefundTier, 0, len(pj.Tiers))
		for i, tj := range pj.Tiers {
			t := parseTier(tj, fee)
			if t.Name == "" {
				t.Name = fmt.Sprintf("tier-%d", i+1)
			}
			policy.Tiers = append(policy.Tiers, t)
		}
	}

	policy.SortTiers()
	if err := policy.Validate(); err != nil {
		return studio.RefundPolicy{}, err
	}
	return policy, nil
}

func parseTier(tj TierJSON, defaultFee decimal.Decimal) studio.RefundTier {
	t := studio.RefundTier{
		Name:          tj.Name,
		MinHours:      tj.MinHours,
		RefundPercent: tj.RefundPercent,
		CreditPercent: tj.CreditPercent,
		Fee:           decimal.Zero,
	}
	switch {
	case tj.Fee != nil:
		t.Fee = *tj.Fee
	case t.RefundPercent.LessThan(decimal.NewFromInt(100)) && !t.RefundPercent.Add(t.CreditPercent).IsZero():
		// Partial tiers pay the processing fee unless told otherwise.
		t.Fee = defaultFee
	}
	return t
}
