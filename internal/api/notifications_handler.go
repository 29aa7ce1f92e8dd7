package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/cepmail/backend/internal/correspondence"
	"github.com/cepmail/backend/internal/models"
)

// Notifier sends a notification and returns the record it produced.
type Notifier interface {
	Notify(ctx context.Context, n correspondence.Notification) (*models.CorrespondenceRecord, error)
}

// NotificationsHandler sends researcher notifications on behalf of an operator.
type NotificationsHandler struct {
	notifier Notifier
}

// NewNotificationsHandler creates a new NotificationsHandler instance.
func NewNotificationsHandler(notifier Notifier) *NotificationsHandler {
	return &NotificationsHandler{notifier: notifier}
}

// Send handles POST /api/v1/notifications.
func (h *NotificationsHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator, ok := RequireOperator(ctx, w)
	if !ok {
		return
	}

	var req models.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	kind, err := correspondence.ParseKind(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reportType, err := correspondence.ParseReportType(req.ReportType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	record, err := h.notifier.Notify(ctx, correspondence.Notification{
		Kind:           kind,
		ResearcherName: req.ResearcherName,
		ProjectTitle:   req.ProjectTitle,
		ProjectID:      req.ProjectID,
		Recipient:      req.Recipient,
		DaysRemaining:  req.DaysRemaining,
		ReportType:     reportType,
	})
	switch {
	case errors.Is(err, correspondence.ErrInvalidNotification):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, correspondence.ErrTransportFailure):
		log.Printf("NotificationsHandler: Delivery failed for %s: %v", operator, err)
		http.Error(w, "Failed to deliver notification", http.StatusBadGateway)
		return
	case err != nil:
		log.Printf("NotificationsHandler: Failed to send notification for %s: %v", operator, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	log.Printf("NotificationsHandler: %s sent %s to %s", operator, kind, record.Recipient)
	WriteJSONResponse(w, http.StatusCreated, record)
}
