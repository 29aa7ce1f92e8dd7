package correspondence

import (
	"context"
	"errors"
	"fmt"

	"github.com/cepmail/backend/internal/message"
	"github.com/cepmail/backend/internal/models"
)

// Kind is the closed set of notifications the committee sends.
type Kind int

const (
	// KindReportRequested asks the researcher to submit a partial or final report.
	KindReportRequested Kind = iota + 1
	// KindReportPending warns that the committee's ruling on a project is pending.
	KindReportPending
)

func (k Kind) String() string {
	switch k {
	case KindReportRequested:
		return "report_requested"
	case KindReportPending:
		return "report_pending"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps the API name of a kind back to it.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "report_requested":
		return KindReportRequested, nil
	case "report_pending":
		return KindReportPending, nil
	default:
		return 0, fmt.Errorf("unknown notification kind %q", s)
	}
}

type ReportType string

const (
	ReportPartial ReportType = "parcial"
	ReportFinal   ReportType = "final"
	ReportAny     ReportType = "final ou parcial"
)

// ParseReportType accepts the API names partial, final and any.
func ParseReportType(s string) (ReportType, error) {
	switch s {
	case "partial":
		return ReportPartial, nil
	case "final":
		return ReportFinal, nil
	case "any", "":
		return ReportAny, nil
	default:
		return "", fmt.Errorf("unknown report type %q", s)
	}
}

var ErrInvalidNotification = errors.New("invalid notification")

// Notification is one message to a researcher about a project.
type Notification struct {
	Kind           Kind
	ResearcherName string
	ProjectTitle   string
	ProjectID      *string
	Recipient      string
	// DaysRemaining is the deadline in days. For KindReportPending zero or less means it expired.
	DaysRemaining int
	// ReportType applies to KindReportRequested only.
	ReportType  ReportType
	Attachments []message.Attachment
}

const signature = "Atenciosamente,\nComitê de Ética"

// Compose renders the subject and body of n.
func (n Notification) Compose() (subject, body string, err error) {
	if n.Recipient == "" || n.ProjectTitle == "" {
		return "", "", fmt.Errorf("%w: recipient and project title are required", ErrInvalidNotification)
	}

	switch n.Kind {
	case KindReportRequested:
		reportType := n.ReportType
		if reportType == "" {
			reportType = ReportAny
		}
		subject = fmt.Sprintf("Solicitação de envio do relatório %s", reportType)
		body = fmt.Sprintf("Prezado(a) %s,\n\n"+
			"Conforme os registros da pesquisa '%s', solicitamos o envio do relatório %s. "+
			"O prazo para submissão é de %d dias.\n\n"+
			"Pedimos que encaminhe o relatório dentro do período estipulado, "+
			"a fim de garantir a conformidade com as normas do Comitê de Ética.\n\n%s",
			n.ResearcherName, n.ProjectTitle, reportType, n.DaysRemaining, signature)

	case KindReportPending:
		var action string
		if n.DaysRemaining > 0 {
			action = fmt.Sprintf("O prazo para envio das respostas às diligências é de %d dias. "+
				"Solicitamos que submeta as respostas ou, se necessário, uma notificação solicitando a retirada do projeto.",
				n.DaysRemaining)
		} else {
			action = "O prazo para atendimento das diligências expirou. " +
				"É necessário submeter uma notificação solicitando a retirada do projeto com a devida justificativa."
		}
		subject = fmt.Sprintf("Aviso sobre pendência na pesquisa '%s'", n.ProjectTitle)
		body = fmt.Sprintf("Prezado(a) %s,\n\n"+
			"Conforme análise do Comitê de Ética, o parecer da pesquisa '%s' encontra-se pendente. %s\n\n"+
			"Pedimos que regularize a situação o quanto antes para garantir conformidade com as normas do Comitê.\n\n%s",
			n.ResearcherName, n.ProjectTitle, action, signature)

	default:
		return "", "", fmt.Errorf("%w: %s", ErrInvalidNotification, n.Kind)
	}

	return subject, body, nil
}

// Notifier turns notifications into sent, recorded messages.
type Notifier struct {
	dispatcher *Dispatcher
}

func NewNotifier(dispatcher *Dispatcher) *Notifier {
	return &Notifier{dispatcher: dispatcher}
}

// Notify composes n and sends it through the dispatcher.
func (n *Notifier) Notify(ctx context.Context, notification Notification) (*models.CorrespondenceRecord, error) {
	subject, body, err := notification.Compose()
	if err != nil {
		return nil, err
	}
	return n.dispatcher.Send(ctx, SendRequest{
		Recipient:   notification.Recipient,
		Subject:     subject,
		Body:        body,
		Attachments: notification.Attachments,
		ProjectID:   notification.ProjectID,
	})
}
