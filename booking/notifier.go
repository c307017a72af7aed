package booking

import (
	"context"
	"log/slog"

	"github.com/warp/studio-engine/studio"
)

// Notifier delivers customer-facing messages. Delivery transport is owned
// elsewhere; implementations must not block for long.
type Notifier interface {
	NotifyBookingCreated(ctx context.Context, reg studio.Registration, occ studio.ClassOccurrence)
	NotifyRegistrationCancelled(ctx context.Context, reg studio.Registration, occ studio.ClassOccurrence, breakdown studio.RefundBreakdown)
}

// LogNotifier writes notifications as structured log lines.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyBookingCreated(ctx context.Context, reg studio.Registration, occ studio.ClassOccurrence) {
	attrs := []slog.Attr{
		slog.String("registration_id", string(reg.ID)),
		slog.String("customer_id", string(reg.CustomerID)),
		slog.String("occurrence_id", string(occ.ID)),
		slog.String("status", string(reg.Status)),
	}
	if reg.Status == studio.RegistrationWaitlisted {
		attrs = append(attrs, slog.String("waitlist", studio.FormatWaitlistPosition(reg.WaitlistPriority)))
	}
	n.logger.LogAttrs(ctx, slog.LevelInfo, "notify booking created", attrs...)
}

func (n *LogNotifier) NotifyRegistrationCancelled(ctx context.Context, reg studio.Registration, occ studio.ClassOccurrence, b studio.RefundBreakdown) {
	n.logger.LogAttrs(ctx, slog.LevelInfo, "notify registration cancelled",
		slog.String("registration_id", string(reg.ID)),
		slog.String("customer_id", string(reg.CustomerID)),
		slog.String("occurrence_id", string(occ.ID)),
		slog.String("cancellation_type", string(b.CancellationType)),
		slog.String("refund", b.RefundAmount.String()),
		slog.String("credit", b.CreditAmount.String()),
	)
}

type nopNotifier struct{}

func (nopNotifier) NotifyBookingCreated(context.Context, studio.Registration, studio.ClassOccurrence) {}
func (nopNotifier) NotifyRegistrationCancelled(context.Context, studio.Registration, studio.ClassOccurrence, studio.RefundBreakdown) {
}
