/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for the HTTP surface. They keep the domain types in
  package studio free of JSON tags and let the API rename fields without
  touching the coordinator.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags and are checked by
  decodeRequest before a handler sees them. Money travels as a decimal
  string plus an ISO currency code.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/studio-engine/booking"
	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// SHARED
// =============================================================================

type MoneyDTO struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func toMoneyDTO(m studio.Money) MoneyDTO {
	return MoneyDTO{Amount: m.Amount.StringFixed(2), Currency: m.Currency}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// OCCURRENCES
// =============================================================================

type CreateOccurrenceRequest struct {
	ID               string    `json:"id"`
	OrgID            string    `json:"org_id"            validate:"required"`
	ClassTypeID      string    `json:"class_type_id"`
	Title            string    `json:"title"             validate:"required"`
	StartsAt         time.Time `json:"starts_at"         validate:"required"`
	EndsAt           time.Time `json:"ends_at"           validate:"required,gtfield=StartsAt"`
	Capacity         int       `json:"capacity"          validate:"min=0"`
	WaitlistCapacity int       `json:"waitlist_capacity" validate:"min=0"`
	Price            string    `json:"price"             validate:"required,numeric"`
	Currency         string    `json:"currency"          validate:"omitempty,len=3,uppercase"`
}

type OccurrenceDTO struct {
	ID                 string    `json:"id"`
	OrgID              string    `json:"org_id"`
	ClassTypeID        string    `json:"class_type_id,omitempty"`
	Title              string    `json:"title"`
	StartsAt           time.Time `json:"starts_at"`
	EndsAt             time.Time `json:"ends_at"`
	Capacity           int       `json:"capacity"`
	BookedCount        int       `json:"booked_count"`
	WaitlistCount      int       `json:"waitlist_count"`
	WaitlistCapacity   int       `json:"waitlist_capacity"`
	Price              MoneyDTO  `json:"price"`
	Status             string    `json:"status"`
	CancellationReason string    `json:"cancellation_reason,omitempty"`
}

func toOccurrenceDTO(o *studio.ClassOccurrence) OccurrenceDTO {
	return OccurrenceDTO{
		ID:                 string(o.ID),
		OrgID:              string(o.OrgID),
		ClassTypeID:        o.ClassTypeID,
		Title:              o.Title,
		StartsAt:           o.StartsAt,
		EndsAt:             o.EndsAt,
		Capacity:           o.Capacity,
		BookedCount:        o.BookedCount,
		WaitlistCount:      o.WaitlistCount,
		WaitlistCapacity:   o.WaitlistCapacity,
		Price:              toMoneyDTO(o.Price),
		Status:             string(o.Status),
		CancellationReason: o.CancellationReason,
	}
}

type PaymentOptionDTO struct {
	Method           string    `json:"method"`
	Available        bool      `json:"available"`
	Reason           string    `json:"reason,omitempty"`
	PassID           string    `json:"pass_id,omitempty"`
	RemainingCredits int       `json:"remaining_credits,omitempty"`
	WalletBalance    *MoneyDTO `json:"wallet_balance,omitempty"`
}

func toPaymentOptionDTOs(opts []studio.PaymentOption) []PaymentOptionDTO {
	dtos := make([]PaymentOptionDTO, len(opts))
	for i, o := range opts {
		dtos[i] = PaymentOptionDTO{
			Method:           string(o.Method),
			Available:        o.Available,
			Reason:           o.Reason,
			PassID:           string(o.PassID),
			RemainingCredits: o.RemainingCredits,
		}
		if o.Method == studio.PaymentWallet && o.WalletBalance.Currency != "" {
			b := toMoneyDTO(o.WalletBalance)
			dtos[i].WalletBalance = &b
		}
	}
	return dtos
}

// =============================================================================
// BOOKINGS / REGISTRATIONS
// =============================================================================

type CreateBookingRequest struct {
	CustomerID    string `json:"customer_id"    validate:"required"`
	PaymentMethod string `json:"payment_method" validate:"required,oneof=membership wallet pass mobile_wallet card"`
	// PassID is optional; the pass expiring first is used when empty.
	PassID string `json:"pass_id"`
	Notes  string `json:"notes"   validate:"max=500"`
}

type RegistrationDTO struct {
	ID               string     `json:"id"`
	OccurrenceID     string     `json:"occurrence_id"`
	CustomerID       string     `json:"customer_id"`
	OrgID            string     `json:"org_id"`
	Status           string     `json:"status"`
	PaymentMethod    string     `json:"payment_method"`
	PassID           string     `json:"pass_id,omitempty"`
	AmountPaid       MoneyDTO   `json:"amount_paid"`
	WaitlistPriority int        `json:"waitlist_priority,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	BookedAt         time.Time  `json:"booked_at"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	Orders           []OrderDTO `json:"orders,omitempty"`
}

func toRegistrationDTO(r *studio.Registration) RegistrationDTO {
	return RegistrationDTO{
		ID:               string(r.ID),
		OccurrenceID:     string(r.OccurrenceID),
		CustomerID:       string(r.CustomerID),
		OrgID:            string(r.OrgID),
		Status:           string(r.Status),
		PaymentMethod:    string(r.PaymentMethod),
		PassID:           string(r.PassID),
		AmountPaid:       toMoneyDTO(r.AmountPaid),
		WaitlistPriority: r.WaitlistPriority,
		Notes:            r.Notes,
		BookedAt:         r.BookedAt,
		CancelledAt:      r.CancelledAt,
	}
}

type BookingDTO struct {
	Registration     RegistrationDTO `json:"registration"`
	Waitlisted       bool            `json:"waitlisted"`
	WaitlistPosition string          `json:"waitlist_position,omitempty"`
}

type OrderDTO struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	PaymentMethod string    `json:"payment_method"`
	Amount        MoneyDTO  `json:"amount"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toOrderDTOs(orders []studio.Order) []OrderDTO {
	dtos := make([]OrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = OrderDTO{
			ID:            string(o.ID),
			Kind:          string(o.Kind),
			Status:        string(o.Status),
			PaymentMethod: string(o.PaymentMethod),
			Amount:        toMoneyDTO(o.Amount),
			Note:          o.Note,
			CreatedAt:     o.CreatedAt,
		}
	}
	return dtos
}

// =============================================================================
// CANCELLATION
// =============================================================================

type CancelRegistrationRequest struct {
	Type string `json:"type" validate:"required,oneof=customer_cancellation instructor_cancellation weather_cancellation studio_cancellation"`
}

type CancelOccurrenceRequest struct {
	Reason          string `json:"reason"           validate:"required,max=500"`
	NotifyCustomers bool   `json:"notify_customers"`
}

type BulkCancelRequest struct {
	OccurrenceIDs   []string `json:"occurrence_ids"   validate:"required,min=1,max=200,dive,required"`
	Reason          string   `json:"reason"           validate:"required,max=500"`
	NotifyCustomers bool     `json:"notify_customers"`
}

type RefundBreakdownDTO struct {
	CancellationType string   `json:"cancellation_type"`
	Tier             string   `json:"tier"`
	OriginalAmount   MoneyDTO `json:"original_amount"`
	RefundAmount     MoneyDTO `json:"refund_amount"`
	CreditAmount     MoneyDTO `json:"credit_amount"`
	ProcessingFee    MoneyDTO `json:"processing_fee"`
	HoursUntilClass  float64  `json:"hours_until_class"`
	Forfeited        bool     `json:"forfeited"`
}

func toBreakdownDTO(b studio.RefundBreakdown) RefundBreakdownDTO {
	return RefundBreakdownDTO{
		CancellationType: string(b.CancellationType),
		Tier:             b.Tier,
		OriginalAmount:   toMoneyDTO(b.OriginalAmount),
		RefundAmount:     toMoneyDTO(b.RefundAmount),
		CreditAmount:     toMoneyDTO(b.CreditAmount),
		ProcessingFee:    toMoneyDTO(b.ProcessingFee),
		HoursUntilClass:  b.HoursUntilClass,
		Forfeited:        b.Forfeited,
	}
}

type RefundOutcomeDTO struct {
	RegistrationID   string             `json:"registration_id"`
	Breakdown        RefundBreakdownDTO `json:"breakdown"`
	AlreadyCancelled bool               `json:"already_cancelled,omitempty"`
	PassRefunded     bool               `json:"pass_refunded,omitempty"`
}

func toRefundOutcomeDTO(o booking.RefundOutcome) RefundOutcomeDTO {
	return RefundOutcomeDTO{
		RegistrationID:   string(o.RegistrationID),
		Breakdown:        toBreakdownDTO(o.Breakdown),
		AlreadyCancelled: o.AlreadyCancelled,
		PassRefunded:     o.PassRefunded,
	}
}

type FailureDTO struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func toFailureDTOs(fs []booking.Failure) []FailureDTO {
	dtos := make([]FailureDTO, len(fs))
	for i, f := range fs {
		dtos[i] = FailureDTO{ID: f.ID, Error: f.Err.Error()}
	}
	return dtos
}

type CancellationResultDTO struct {
	OccurrenceID string             `json:"occurrence_id"`
	Successful   int                `json:"successful"`
	Failed       int                `json:"failed"`
	Failures     []FailureDTO       `json:"failures,omitempty"`
	Refunds      []RefundOutcomeDTO `json:"refunds,omitempty"`
}

func toCancellationResultDTO(r *booking.CancellationResult) CancellationResultDTO {
	dto := CancellationResultDTO{
		OccurrenceID: string(r.OccurrenceID),
		Successful:   r.Successful,
		Failed:       r.Failed,
		Failures:     toFailureDTOs(r.Failures),
	}
	for _, o := range r.Refunds {
		dto.Refunds = append(dto.Refunds, toRefundOutcomeDTO(o))
	}
	return dto
}

type BulkResultDTO struct {
	Successful  int                     `json:"successful"`
	Failed      int                     `json:"failed"`
	Failures    []FailureDTO            `json:"failures,omitempty"`
	Occurrences []CancellationResultDTO `json:"occurrences"`
}

// =============================================================================
// WALLETS / PASSES / MEMBERSHIPS
// =============================================================================

type WalletDTO struct {
	CustomerID string           `json:"customer_id"`
	OrgID      string           `json:"org_id"`
	Balance    MoneyDTO         `json:"balance"`
	Entries    []WalletEntryDTO `json:"entries"`
}

type WalletEntryDTO struct {
	Delta         MoneyDTO  `json:"delta"`
	Reason        string    `json:"reason"`
	ReferenceType string    `json:"reference_type"`
	ReferenceID   string    `json:"reference_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// WalletCreditRequest tops up a wallet. ReferenceID makes retries idempotent.
type WalletCreditRequest struct {
	Amount      string `json:"amount"       validate:"required,numeric"`
	Currency    string `json:"currency"     validate:"omitempty,len=3,uppercase"`
	ReferenceID string `json:"reference_id" validate:"required"`
}

type CreatePassRequest struct {
	ID           string    `json:"id"`
	CustomerID   string    `json:"customer_id"    validate:"required"`
	OrgID        string    `json:"org_id"         validate:"required"`
	Name         string    `json:"name"           validate:"required"`
	Credits      int       `json:"credits"        validate:"required,min=1"`
	ValidFrom    time.Time `json:"valid_from"     validate:"required"`
	ValidUntil   time.Time `json:"valid_until"    validate:"required,gtfield=ValidFrom"`
	ClassTypeIDs []string  `json:"class_type_ids"`
}

type PassDTO struct {
	ID               string    `json:"id"`
	CustomerID       string    `json:"customer_id"`
	OrgID            string    `json:"org_id"`
	Name             string    `json:"name"`
	TotalCredits     int       `json:"total_credits"`
	RemainingCredits int       `json:"remaining_credits"`
	ValidFrom        time.Time `json:"valid_from"`
	ValidUntil       time.Time `json:"valid_until"`
	ClassTypeIDs     []string  `json:"class_type_ids,omitempty"`
}

type CreateMembershipRequest struct {
	ID           string    `json:"id"`
	CustomerID   string    `json:"customer_id"    validate:"required"`
	OrgID        string    `json:"org_id"         validate:"required"`
	Status       string    `json:"status"         validate:"omitempty,oneof=active paused expired"`
	ValidUntil   time.Time `json:"valid_until"    validate:"required"`
	ClassTypeIDs []string  `json:"class_type_ids"`
}

type MembershipDTO struct {
	ID           string    `json:"id"`
	CustomerID   string    `json:"customer_id"`
	OrgID        string    `json:"org_id"`
	Status       string    `json:"status"`
	ValidUntil   time.Time `json:"valid_until"`
	ClassTypeIDs []string  `json:"class_type_ids,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ScenarioResultDTO lists what a scenario created so a demo can drive it.
type ScenarioResultDTO struct {
	ScenarioID      string   `json:"scenario_id"`
	OrgID           string   `json:"org_id"`
	OccurrenceIDs   []string `json:"occurrence_ids"`
	RegistrationIDs []string `json:"registration_ids"`
}
