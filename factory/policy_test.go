package factory_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/factory"
	"github.com/warp/studio-engine/studio"
)

var start = time.Date(2026, time.May, 2, 9, 0, 0, 0, time.UTC)

func TestParseRefundPolicy_EmptyDocumentIsDefaultTable(t *testing.T) {
	p, err := factory.ParseRefundPolicy(`{}`, studio.DefaultProcessingFee)
	require.NoError(t, err)

	assert.Equal(t, studio.DefaultRefundPolicy(studio.DefaultProcessingFee), p)
}

func TestParseRefundPolicy_CustomTiers(t *testing.T) {
	// GIVEN: unsorted tiers, one explicit fee, one inherited
	doc := `{
		"processing_fee": "3",
		"tiers": [
			{"name": "credit", "min_hours": 6, "refund_percent": "0", "credit_percent": "100"},
			{"name": "full", "min_hours": 48, "refund_percent": 100},
			{"name": "half", "min_hours": 24, "refund_percent": "50", "credit_percent": "25", "fee": "1.00"}
		]
	}`

	// WHEN
	p, err := factory.ParseRefundPolicy(doc, studio.DefaultProcessingFee)
	require.NoError(t, err)

	// THEN
	require.Len(t, p.Tiers, 3)
	assert.Equal(t, "full", p.Tiers[0].Name)
	assert.Equal(t, "half", p.Tiers[1].Name)
	assert.Equal(t, "credit", p.Tiers[2].Name)
	assert.True(t, p.Tiers[0].Fee.IsZero())
	assert.Equal(t, "1", p.Tiers[1].Fee.String())
	assert.Equal(t, "3", p.Tiers[2].Fee.String())

	b := p.Calculate(studio.MustMoney("40", "CHF"), start, start.Add(-30*time.Hour), studio.CustomerCancellation)
	assert.Equal(t, "half", b.Tier)
	assert.Equal(t, "19.00", b.RefundAmount.Amount.StringFixed(2))
	assert.Equal(t, "10.00", b.CreditAmount.Amount.StringFixed(2))
}

func TestParseRefundPolicy_Invalid(t *testing.T) {
	tests := map[string]string{
		"malformed":      `{"tiers": [`,
		"over 100%":      `{"tiers": [{"min_hours": 1, "refund_percent": "80", "credit_percent": "40"}]}`,
		"negative fee":   `{"tiers": [{"min_hours": 1, "refund_percent": "50", "fee": "-1"}]}`,
		"duplicate hour": `{"tiers": [{"min_hours": 1, "refund_percent": "50"}, {"min_hours": 1, "refund_percent": "10"}]}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := factory.ParseRefundPolicy(doc, studio.DefaultProcessingFee)
			assert.Error(t, err)
		})
	}
}

func TestParsePolicySet_OrganizationOverrides(t *testing.T) {
	doc := `{
		"organizations": {
			"org-strict": {"tiers": [{"name": "full", "min_hours": 72, "refund_percent": "100"}]}
		}
	}`

	set, err := factory.ParsePolicySet(doc, decimal.RequireFromString("2.50"))
	require.NoError(t, err)

	assert.Len(t, set.Default.Tiers, 3)
	strict, ok := set.Organizations["org-strict"]
	require.True(t, ok)
	assert.Equal(t, studio.TierLate, strict.TierFor(studio.CustomerCancellation, 48).Name)
	assert.Equal(t, studio.TierOperator, strict.TierFor(studio.WeatherCancellation, 48).Name)
	assert.Len(t, set.Options(), 1)
}

func TestLoadPolicySet(t *testing.T) {
	set, err := factory.LoadPolicySet("", studio.DefaultProcessingFee)
	require.NoError(t, err)
	assert.Empty(t, set.Organizations)

	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"processing_fee": "4"}`), 0o600))

	set, err = factory.LoadPolicySet(path, studio.DefaultProcessingFee)
	require.NoError(t, err)
	assert.Equal(t, "4", set.Default.Tiers[1].Fee.String())

	_, err = factory.LoadPolicySet(filepath.Join(t.TempDir(), "missing.json"), studio.DefaultProcessingFee)
	assert.Error(t, err)
}
