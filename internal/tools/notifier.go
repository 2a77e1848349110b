package tools

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/osteele/liquid"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/logger"
)

// Notifier renders a status-specific template and sends the sales email.
// Sending never blocks orchestration: every failure surfaces as a warning
// string, not an error.
type Notifier struct {
	sender  EmailSender
	engine  *liquid.Engine
	from    string
	salesTo string
}

// EmailSender delivers one rendered email.
type EmailSender interface {
	Send(ctx context.Context, from string, to []string, subject, htmlBody string) error
}

// NewNotifier creates a notifier over the given sender.
func NewNotifier(sender EmailSender, from, salesTo string) *Notifier {
	return &Notifier{
		sender:  sender,
		engine:  liquid.NewEngine(),
		from:    from,
		salesTo: salesTo,
	}
}

// statusTemplates maps a final status to its Liquid template. Statuses
// without an entry fall back to the failure template.
var statusTemplates = map[domain.Status]string{
	domain.StatusSuccess:             orderSuccessTemplate,
	domain.StatusManualReview:        manualReviewTemplate,
	domain.StatusUnknownContact:      manualReviewTemplate,
	domain.StatusIgnored:             "",
	domain.StatusERPOrderFailed:      orderFailedTemplate,
	domain.StatusContractParseFailed: orderFailedTemplate,
	domain.StatusOrderPayloadBlocked: orderFailedTemplate,
}

const orderSuccessTemplate = `<html><body>
<h2>Sales order created</h2>
<p>Message: {{ message_id }}</p>
<p>Customer: {{ customer_name }}</p>
<p>Order number: <b>{{ sales_order_no }}</b></p>
{% if order_url != "" %}<p><a href="{{ order_url }}">Open order</a></p>{% endif %}
</body></html>`

const manualReviewTemplate = `<html><body>
<h2>Order needs review</h2>
<p>Message: {{ message_id }}</p>
<p>Reason: {{ reason }}</p>
<p>Candidates awaiting a decision: {{ candidate_count }}</p>
{% if errors.size > 0 %}<ul>{% for e in errors %}<li>{{ e.code }}: {{ e.reason }}</li>{% endfor %}</ul>{% endif %}
</body></html>`

const orderFailedTemplate = `<html><body>
<h2>Order processing failed</h2>
<p>Message: {{ message_id }}</p>
<p>Reason: {{ reason }}</p>
{% if errors.size > 0 %}<ul>{% for e in errors %}<li>{{ e.code }}: {{ e.reason }}</li>{% endfor %}</ul>{% endif %}
</body></html>`

// Notify renders the template for the state's status and sends it to the
// original sender plus the sales inbox. The returned warning is empty on
// success.
func (n *Notifier) Notify(ctx context.Context, state *domain.RunState, status domain.Status) string {
	tmpl, ok := statusTemplates[status]
	if !ok {
		tmpl = orderFailedTemplate
	}
	if tmpl == "" {
		return ""
	}

	bindings := map[string]any{
		"message_id":      "",
		"reason":          string(status),
		"errors":          errorMaps(state.Errors),
		"warnings":        state.Warnings,
		"candidate_count": candidateCount(state),
		"customer_name":   "Unknown",
		"sales_order_no":  "",
		"order_url":       "",
	}
	if state.EmailEvent != nil {
		bindings["message_id"] = state.EmailEvent.MessageID
	}
	if state.ERPResult != nil && state.ERPResult.OK {
		bindings["sales_order_no"] = state.ERPResult.SalesOrderNo
		bindings["order_url"] = state.ERPResult.OrderURL
	}
	if md := state.Masterdata(); md != nil && state.MatchedCustomer != nil {
		if cust := md.CustomerByID(state.MatchedCustomer.CustomerID); cust != nil {
			bindings["customer_name"] = cust.Name
		}
	}

	body, err := n.engine.ParseAndRenderString(tmpl, bindings)
	if err != nil {
		return fmt.Sprintf("Failed to render notification template: %v", err)
	}

	to := []string{}
	if state.EmailEvent != nil && state.EmailEvent.SenderID != "" {
		to = append(to, state.EmailEvent.SenderID)
	}
	if n.salesTo != "" {
		to = append(to, n.salesTo)
	}
	if len(to) == 0 {
		return "No notification recipients configured"
	}

	subject := fmt.Sprintf("Order processing result - %s", status)
	if err := n.sender.Send(ctx, n.from, to, subject, body); err != nil {
		logger.Warn("notifier: send failed", "status", string(status), "error", err.Error())
		return fmt.Sprintf("Failed to send notification email: %v", err)
	}
	return ""
}

func candidateCount(state *domain.RunState) int {
	if state.ManualReview == nil || state.ManualReview.Candidates == nil {
		return 0
	}
	c := state.ManualReview.Candidates
	return len(c.PDFs) + len(c.Customers) + len(c.Contacts)
}

func errorMaps(errs []domain.ErrorInfo) []map[string]any {
	out := make([]map[string]any, 0, len(errs))
	for _, e := range errs {
		out = append(out, map[string]any{"code": e.Code, "reason": e.Reason})
	}
	return out
}

// SMTPSender delivers mail over SMTP with STARTTLS.
type SMTPSender struct {
	host     string
	port     int
	user     string
	password string
}

// NewSMTPSender creates an SMTP sender.
func NewSMTPSender(host string, port int, user, password string) *SMTPSender {
	return &SMTPSender{host: host, port: port, user: user, password: password}
}

// Send delivers one HTML email.
func (s *SMTPSender) Send(_ context.Context, from string, to []string, subject, htmlBody string) error {
	if from == "" {
		from = s.user
	}
	msg := strings.Join([]string{
		"From: " + from,
		"To: " + strings.Join(to, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
		"",
		htmlBody,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	auth := smtp.PlainAuth("", s.user, s.password, s.host)
	if err := smtp.SendMail(addr, auth, from, to, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// SESSender delivers mail via AWS SESv2.
type SESSender struct {
	client *sesv2.Client
}

// NewSESSender creates an SES sender. Static credentials are optional; the
// default chain is used when they are empty.
func NewSESSender(ctx context.Context, region, accessKey, secretKey string) (*SESSender, error) {
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ses: load AWS config: %w", err)
	}
	return &SESSender{client: sesv2.NewFromConfig(cfg)}, nil
}

// Send delivers one HTML email.
func (s *SESSender) Send(ctx context.Context, from string, to []string, subject, htmlBody string) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: to},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(htmlBody), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	return nil
}
