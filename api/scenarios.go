/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	studio data. Each scenario creates classes, funds instruments and books
	customers through the coordinator, so the seeded state is exactly what
	real traffic would have produced.

AVAILABLE SCENARIOS:

	full-class:      Capacity reached, waitlist partly filled
	refund-tiers:    One customer booked into classes at 30h, 15h, 5h and 1h
	                 lead time; quote or cancel each to see every tier
	instructor-sick: Class 3h away with wallet, card, pass and membership
	                 bookings, ready for a class cancellation

HOW SCENARIOS WORK:
 1. Allocate a fresh demo organization (nothing is reset)
 2. Create occurrences through the Catalog
 3. Fund wallets, issue passes and memberships
 4. Book through booking.Coordinator

USAGE VIA API (only when server.demo_scenarios is on):

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "refund-tiers"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, org)
 3. Add case to the loaders map
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/warp/studio-engine/booking"
	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "full-class",
		Name:        "Full Class",
		Description: "Three seats booked, one of two waitlist slots taken",
	},
	{
		ID:          "refund-tiers",
		Name:        "Refund Tiers",
		Description: "Same customer in four classes, one per cancellation tier",
	},
	{
		ID:          "instructor-sick",
		Name:        "Instructor Sick",
		Description: "Class in 3 hours paid with every instrument, cancel it to refund everyone",
	},
}

type scenarioLoader func(h *Handler, ctx context.Context, res *ScenarioResultDTO) error

var loaders = map[string]scenarioLoader{
	"full-class":      (*Handler).loadFullClassScenario,
	"refund-tiers":    (*Handler).loadRefundTiersScenario,
	"instructor-sick": (*Handler).loadInstructorSickScenario,
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds a scenario under a new demo organization.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	res := &ScenarioResultDTO{
		ScenarioID: req.ScenarioID,
		OrgID:      "demo-" + uuid.NewString()[:8],
	}
	if err := load(h, r.Context(), res); err != nil {
		h.fail(w, r, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadFullClassScenario(ctx context.Context, res *ScenarioResultDTO) error {
	occ, err := h.demoClass(ctx, res, "Reformer Pilates", 48*time.Hour, "35.00", 3, 2)
	if err != nil {
		return err
	}
	for _, c := range []string{"ana", "ben", "cleo", "dev"} {
		if err := h.demoBook(ctx, res, occ, c, studio.PaymentCard); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadRefundTiersScenario(ctx context.Context, res *ScenarioResultDTO) error {
	const customer = "rosa"
	if err := h.demoTopUp(ctx, res, customer, "200.00"); err != nil {
		return err
	}
	for _, lead := range []time.Duration{30 * time.Hour, 15 * time.Hour, 5 * time.Hour, time.Hour} {
		occ, err := h.demoClass(ctx, res, fmt.Sprintf("Vinyasa in %s", lead), lead, "25.00", 10, 0)
		if err != nil {
			return err
		}
		if err := h.demoBook(ctx, res, occ, customer, studio.PaymentWallet); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadInstructorSickScenario(ctx context.Context, res *ScenarioResultDTO) error {
	occ, err := h.demoClass(ctx, res, "Power Yoga", 3*time.Hour, "30.00", 8, 0)
	if err != nil {
		return err
	}
	now := h.now()

	if err := h.demoTopUp(ctx, res, "wanda", "50.00"); err != nil {
		return err
	}
	if err := h.Store.CreatePass(ctx, studio.Pass{
		CustomerID:       "pablo",
		OrgID:            studio.OrgID(res.OrgID),
		Name:             "5 class pass",
		TotalCredits:     5,
		RemainingCredits: 5,
		ValidFrom:        now.Add(-24 * time.Hour),
		ValidUntil:       now.Add(60 * 24 * time.Hour),
	}); err != nil {
		return err
	}
	if err := h.Store.CreateMembership(ctx, studio.Membership{
		CustomerID: "mia",
		OrgID:      studio.OrgID(res.OrgID),
		Status:     studio.MembershipActive,
		ValidUntil: now.Add(90 * 24 * time.Hour),
	}); err != nil {
		return err
	}

	bookings := []struct {
		customer string
		method   studio.PaymentMethod
	}{
		{"wanda", studio.PaymentWallet},
		{"carl", studio.PaymentCard},
		{"pablo", studio.PaymentPass},
		{"mia", studio.PaymentMembership},
	}
	for _, b := range bookings {
		if err := h.demoBook(ctx, res, occ, b.customer, b.method); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) demoClass(ctx context.Context, res *ScenarioResultDTO, title string, lead time.Duration, price string, capacity, waitlist int) (studio.OccurrenceID, error) {
	start := h.now().Add(lead).Truncate(time.Minute)
	occ := studio.ClassOccurrence{
		ID:               studio.OccurrenceID(uuid.NewString()),
		OrgID:            studio.OrgID(res.OrgID),
		ClassTypeID:      "demo",
		Title:            title,
		StartsAt:         start,
		EndsAt:           start.Add(time.Hour),
		Capacity:         capacity,
		WaitlistCapacity: waitlist,
		Price:            studio.MustMoney(price, h.Currency),
	}
	if err := h.Store.CreateOccurrence(ctx, occ); err != nil {
		return "", fmt.Errorf("create %q: %w", title, err)
	}
	res.OccurrenceIDs = append(res.OccurrenceIDs, string(occ.ID))
	return occ.ID, nil
}

func (h *Handler) demoTopUp(ctx context.Context, res *ScenarioResultDTO, customer, amount string) error {
	_, err := h.Store.AddWalletCredit(ctx, studio.WalletMutation{
		CustomerID:    studio.CustomerID(customer),
		OrgID:         studio.OrgID(res.OrgID),
		Amount:        studio.MustMoney(amount, h.Currency),
		Reason:        studio.ReasonTopUp,
		ReferenceType: studio.ReferenceManual,
		ReferenceID:   "demo-" + res.ScenarioID,
	})
	return err
}

func (h *Handler) demoBook(ctx context.Context, res *ScenarioResultDTO, occ studio.OccurrenceID, customer string, method studio.PaymentMethod) error {
	out, err := h.Coordinator.ProcessBooking(ctx, booking.BookingInput{
		OccurrenceID:  occ,
		CustomerID:    studio.CustomerID(customer),
		PaymentMethod: method,
	})
	if err != nil {
		return err
	}
	res.RegistrationIDs = append(res.RegistrationIDs, string(out.Registration.ID))
	return nil
}
