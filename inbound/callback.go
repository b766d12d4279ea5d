package inbound

import (
	"context"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-tandas/core"
)

const (
	// ResultAccepted is the only interaction result that completes a payment.
	ResultAccepted = "grant_accepted"

	// MessageType tags the postMessage payload sent to window.opener.
	MessageType = "payment_result"
)

// PaymentSettler is the part of core.Service the callback drives.
type PaymentSettler interface {
	CompletePayment(ctx context.Context, req core.CompletePaymentRequest) (core.Completion, error)
	CancelPayment(ctx context.Context, sagaID string, reason string) (core.PaymentSaga, error)
}

// CallbackParams are the query parameters of the confirmation redirect.
// Correlation ids come from the finish URI; interact_ref, hash and result
// are appended by the authorization server.
type CallbackParams struct {
	SagaID      string
	TandaID     string
	PaymentID   string
	InteractRef string
	Result      string
	Hash        string
}

func ParseCallbackParams(values url.Values) CallbackParams {
	get := func(key string) string { return strings.TrimSpace(values.Get(key)) }
	return CallbackParams{
		SagaID:      get("saga_id"),
		TandaID:     get("tanda_id"),
		PaymentID:   get("payment_id"),
		InteractRef: get("interact_ref"),
		Result:      get("result"),
		Hash:        get("hash"),
	}
}

// Accepted reports whether the user approved the grant. A missing result is
// treated as accepted when an interact_ref is present.
func (p CallbackParams) Accepted() bool {
	if p.Result == "" {
		return p.InteractRef != ""
	}
	return p.Result == ResultAccepted
}

func (p CallbackParams) Validate() error {
	if p.SagaID == "" {
		return inboundBadInput("inbound: saga_id is required", nil)
	}
	if p.Accepted() && p.InteractRef == "" {
		return inboundBadInput("inbound: interact_ref is required", map[string]any{"saga_id": p.SagaID})
	}
	if p.Accepted() && p.Hash == "" {
		return inboundBadInput("inbound: hash is required", map[string]any{"saga_id": p.SagaID})
	}
	return nil
}

// CallbackOutcome is both the rendered page model and the postMessage
// payload.
type CallbackOutcome struct {
	Type          string `json:"type"`
	SagaID        string `json:"sagaId"`
	TandaID       string `json:"tandaId,omitempty"`
	PaymentID     string `json:"paymentId,omitempty"`
	InteractRef   string `json:"interactRef,omitempty"`
	Result        string `json:"result"`
	Accepted      bool   `json:"accepted"`
	PaymentStatus string `json:"paymentStatus,omitempty"`
	Replayed      bool   `json:"replayed,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
	Message       string `json:"message,omitempty"`
	Timestamp     string `json:"timestamp"`
}

type CallbackHandler struct {
	settler PaymentSettler
	logger  core.Logger
	page    *template.Template
	now     func() time.Time

	// ReturnURL is where the page sends non-popup visitors.
	ReturnURL string
	// TargetOrigin restricts postMessage delivery; "*" when empty.
	TargetOrigin string
}

type CallbackOption func(*CallbackHandler)

func WithCallbackLogger(logger core.Logger) CallbackOption {
	return func(h *CallbackHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithReturnURL(returnURL string) CallbackOption {
	return func(h *CallbackHandler) {
		h.ReturnURL = strings.TrimSpace(returnURL)
	}
}

func WithTargetOrigin(origin string) CallbackOption {
	return func(h *CallbackHandler) {
		h.TargetOrigin = strings.TrimSpace(origin)
	}
}

func WithCallbackClock(now func() time.Time) CallbackOption {
	return func(h *CallbackHandler) {
		if now != nil {
			h.now = now
		}
	}
}

func NewCallbackHandler(settler PaymentSettler, opts ...CallbackOption) *CallbackHandler {
	h := &CallbackHandler{
		settler:   settler,
		page:      callbackPage,
		now:       time.Now,
		ReturnURL: "/",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Handle settles the saga named by params. A rejected interaction cancels
// the saga; an accepted one resumes it through CompletePayment.
func (h *CallbackHandler) Handle(ctx context.Context, params CallbackParams) (CallbackOutcome, error) {
	if h == nil || h.settler == nil {
		return CallbackOutcome{Type: MessageType, SagaID: params.SagaID}, inboundInternal("inbound: payment settler is not configured", nil)
	}
	outcome := CallbackOutcome{
		Type:        MessageType,
		SagaID:      params.SagaID,
		TandaID:     params.TandaID,
		PaymentID:   params.PaymentID,
		InteractRef: params.InteractRef,
		Result:      params.Result,
		Accepted:    params.Accepted(),
		Timestamp:   h.now().UTC().Format(time.RFC3339),
	}
	if err := params.Validate(); err != nil {
		return outcome, err
	}

	if !outcome.Accepted {
		saga, err := h.settler.CancelPayment(ctx, params.SagaID, core.CancelReasonRejected)
		if err != nil && !core.IsAlreadyTerminal(err) {
			return outcome, err
		}
		if err == nil {
			outcome.TandaID = saga.TandaID
			outcome.PaymentID = saga.PaymentID
		}
		outcome.PaymentStatus = string(core.PaymentStatusFailed)
		return outcome, nil
	}

	completion, err := h.settler.CompletePayment(ctx, core.CompletePaymentRequest{
		SagaID:      params.SagaID,
		InteractRef: params.InteractRef,
		Hash:        params.Hash,
	})
	if err != nil && !(completion.Replayed && core.IsAlreadyTerminal(err)) {
		return outcome, err
	}
	outcome.TandaID = completion.Saga.TandaID
	outcome.PaymentID = completion.Payment.ID
	outcome.PaymentStatus = string(completion.Payment.Status)
	outcome.Replayed = completion.Replayed
	return outcome, nil
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.render(w, http.StatusBadRequest, CallbackOutcome{Type: MessageType, ErrorCode: core.ErrorValidation, Message: "malformed callback"})
		return
	}
	params := ParseCallbackParams(r.Form)
	outcome, err := h.Handle(r.Context(), params)
	status := http.StatusOK
	if err != nil {
		status = statusOf(err)
		outcome.ErrorCode = textCodeOf(err)
		outcome.Message = "the payment could not be confirmed"
		outcome.Accepted = false
		h.log("warn", "payment callback failed",
			"saga_id", params.SagaID,
			"result", params.Result,
			"error_code", outcome.ErrorCode,
			"error", err.Error(),
		)
	} else {
		h.log("info", "payment callback handled",
			"saga_id", outcome.SagaID,
			"payment_id", outcome.PaymentID,
			"accepted", outcome.Accepted,
			"payment_status", outcome.PaymentStatus,
			"replayed", outcome.Replayed,
		)
	}
	h.render(w, status, outcome)
}

type callbackView struct {
	Outcome      CallbackOutcome
	Succeeded    bool
	ReturnURL    string
	TargetOrigin string
}

func (h *CallbackHandler) render(w http.ResponseWriter, status int, outcome CallbackOutcome) {
	origin := h.TargetOrigin
	if origin == "" {
		origin = "*"
	}
	view := callbackView{
		Outcome:      outcome,
		Succeeded:    outcome.Accepted && outcome.ErrorCode == "" && outcome.PaymentStatus == string(core.PaymentStatusCompleted),
		ReturnURL:    h.ReturnURL,
		TargetOrigin: origin,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := h.page.Execute(w, view); err != nil {
		h.log("error", "render payment callback page", "error", err.Error())
	}
}

func (h *CallbackHandler) log(level string, msg string, args ...any) {
	if h == nil || h.logger == nil {
		return
	}
	switch level {
	case "error":
		h.logger.Error(msg, args...)
	case "warn":
		h.logger.Warn(msg, args...)
	default:
		h.logger.Info(msg, args...)
	}
}

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Tanda payment</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; max-width: 520px; margin: 80px auto; padding: 20px; text-align: center; }
.success { color: #15803d; }
.error { color: #b91c1c; }
.details { font-family: monospace; font-size: 0.9em; text-align: left; background: #f4f4f5; padding: 12px; border-radius: 8px; }
</style>
</head>
<body>
<h1>Payment status</h1>
{{if .Succeeded}}<p class="success">Payment authorized.</p>{{else if .Outcome.Accepted}}<p class="success">Payment is being processed.</p>{{else}}<p class="error">{{if .Outcome.Message}}{{.Outcome.Message}}{{else}}Payment cancelled or rejected.{{end}}</p>{{end}}
<div class="details">
{{with .Outcome.TandaID}}Tanda: {{.}}<br>{{end}}
{{with .Outcome.PaymentID}}Payment: {{.}}<br>{{end}}
{{with .Outcome.InteractRef}}Reference: {{.}}<br>{{end}}
{{with .Outcome.ErrorCode}}Code: {{.}}<br>{{end}}
Time: {{.Outcome.Timestamp}}
</div>
<p><a href="{{.ReturnURL}}">Back</a></p>
<script>
(function () {
  var outcome = {{.Outcome}};
  if (window.opener) {
    window.opener.postMessage(outcome, {{.TargetOrigin}});
    setTimeout(function () { window.close(); }, 3000);
    return;
  }
  setTimeout(function () { window.location.href = {{.ReturnURL}}; }, 5000);
})();
</script>
</body>
</html>
`))
