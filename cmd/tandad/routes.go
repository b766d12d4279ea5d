package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-tandas/adapters/gocommand"
	tandascommand "github.com/goliatone/go-tandas/command"
	"github.com/goliatone/go-tandas/core"
	tandasquery "github.com/goliatone/go-tandas/query"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

type api struct {
	logger glog.Logger
}

// newRouter exposes the command and query handlers registered on the
// dispatcher as JSON endpoints, plus the confirmation callback.
func newRouter(logger glog.Logger, callbackPath string, callback http.Handler) *mux.Router {
	a := &api{logger: glog.Ensure(logger)}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.Handle("/tandas", command[tandascommand.CreateTandaMessage, core.Tanda](a, http.StatusCreated, nil)).
		Methods(http.MethodPost)
	r.Handle("/tandas", query[tandasquery.ListTandasMessage, []core.Tanda](a, bindTandaFilter)).
		Methods(http.MethodGet)
	r.Handle("/tandas/{tanda_id}", query[tandasquery.GetTandaStatusMessage, core.TandaStatusView](a,
		func(r *http.Request, msg *tandasquery.GetTandaStatusMessage) error {
			msg.TandaID = mux.Vars(r)["tanda_id"]
			return nil
		})).Methods(http.MethodGet)
	r.Handle("/tandas/{tanda_id}/participants", command[tandascommand.JoinTandaMessage, core.Participant](a, http.StatusCreated,
		func(r *http.Request, msg *tandascommand.JoinTandaMessage) {
			msg.TandaID = mux.Vars(r)["tanda_id"]
		})).Methods(http.MethodPost)
	r.Handle("/tandas/{tanda_id}/participants/{user_id}/wallet", command[tandascommand.UpdateWalletMessage, core.Participant](a, http.StatusOK,
		func(r *http.Request, msg *tandascommand.UpdateWalletMessage) {
			vars := mux.Vars(r)
			msg.TandaID = vars["tanda_id"]
			msg.UserID = vars["user_id"]
		})).Methods(http.MethodPut)
	r.Handle("/tandas/{tanda_id}/contributions", command[tandascommand.InitiateContributionMessage, core.Initiation](a, http.StatusAccepted,
		func(r *http.Request, msg *tandascommand.InitiateContributionMessage) {
			msg.TandaID = mux.Vars(r)["tanda_id"]
		})).Methods(http.MethodPost)
	r.Handle("/tandas/{tanda_id}/evaluate", command[tandascommand.EvaluateRoundMessage, core.RoundOutcome](a, http.StatusOK,
		func(r *http.Request, msg *tandascommand.EvaluateRoundMessage) {
			msg.TandaID = mux.Vars(r)["tanda_id"]
		})).Methods(http.MethodPost)
	r.Handle("/tandas/{tanda_id}/payments", query[tandasquery.ListPaymentsMessage, []core.Payment](a, bindPaymentFilter)).
		Methods(http.MethodGet)
	r.Handle("/tandas/{tanda_id}/pending", query[tandasquery.ListPendingContributorsMessage, []core.Participant](a,
		func(r *http.Request, msg *tandasquery.ListPendingContributorsMessage) error {
			msg.TandaID = mux.Vars(r)["tanda_id"]
			return nil
		})).Methods(http.MethodGet)

	r.Handle("/wallets", query[tandasquery.ResolveWalletMessage, core.Wallet](a,
		func(r *http.Request, msg *tandasquery.ResolveWalletMessage) error {
			msg.WalletAddress = r.URL.Query().Get("url")
			return nil
		})).Methods(http.MethodGet)

	r.Handle("/payments/{payment_id}/payout", command[tandascommand.InitiatePayoutMessage, core.Initiation](a, http.StatusAccepted,
		func(r *http.Request, msg *tandascommand.InitiatePayoutMessage) {
			msg.PaymentID = mux.Vars(r)["payment_id"]
		})).Methods(http.MethodPost)

	r.Handle("/sagas/expire", command[tandascommand.ExpireSagasMessage, core.SweepResult](a, http.StatusOK, nil)).
		Methods(http.MethodPost)
	r.Handle("/sagas/{saga_id}", query[tandasquery.GetSagaMessage, core.PaymentSaga](a,
		func(r *http.Request, msg *tandasquery.GetSagaMessage) error {
			msg.SagaID = mux.Vars(r)["saga_id"]
			return nil
		})).Methods(http.MethodGet)
	r.Handle("/sagas/{saga_id}/complete", command[tandascommand.CompletePaymentMessage, core.Completion](a, http.StatusOK,
		func(r *http.Request, msg *tandascommand.CompletePaymentMessage) {
			msg.SagaID = mux.Vars(r)["saga_id"]
		})).Methods(http.MethodPost)
	r.Handle("/sagas/{saga_id}/cancel", command[tandascommand.CancelSagaMessage, core.PaymentSaga](a, http.StatusOK,
		func(r *http.Request, msg *tandascommand.CancelSagaMessage) {
			msg.SagaID = mux.Vars(r)["saga_id"]
		})).Methods(http.MethodPost)

	if callback != nil {
		r.Handle(callbackPath, callback).Methods(http.MethodGet, http.MethodPost)
	}
	return r
}

// command decodes the JSON body into T, lets bind fill path values and
// dispatches T through go-command.
func command[T any, R any](a *api, status int, bind func(*http.Request, *T)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg T
		if err := decodeBody(r, &msg); err != nil {
			a.writeError(w, r, err)
			return
		}
		if bind != nil {
			bind(r, &msg)
		}
		result, _, err := gocommand.DispatchResult[T, R](r.Context(), msg)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, status, result)
	})
}

func query[T any, R any](a *api, bind func(*http.Request, *T) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg T
		if bind != nil {
			if err := bind(r, &msg); err != nil {
				a.writeError(w, r, err)
				return
			}
		}
		result, err := gocommand.Query[T, R](r.Context(), msg)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

func bindPaymentFilter(r *http.Request, msg *tandasquery.ListPaymentsMessage) error {
	values := r.URL.Query()
	msg.TandaID = mux.Vars(r)["tanda_id"]
	msg.UserID = values.Get("user_id")
	msg.PaymentType = core.PaymentType(values.Get("type"))
	msg.Status = core.PaymentStatus(values.Get("status"))
	var err error
	if msg.Round, err = intParam(values, "round"); err != nil {
		return err
	}
	if msg.Limit, err = intParam(values, "limit"); err != nil {
		return err
	}
	return nil
}

func bindTandaFilter(r *http.Request, msg *tandasquery.ListTandasMessage) error {
	values := r.URL.Query()
	msg.Status = core.TandaStatus(values.Get("status"))
	msg.CreatedBy = values.Get("created_by")
	var err error
	msg.Limit, err = intParam(values, "limit")
	return err
}

func intParam(values url.Values, key string) (int, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest(key + " must be an integer")
	}
	return n, nil
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("malformed request body: " + err.Error())
	}
	return nil
}

func badRequest(message string) error {
	return goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorValidation)
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	rich := richError(err)
	status := rich.Code
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	if errors.Is(err, context.Canceled) {
		status = 499
	}
	level := a.logger.Warn
	if status >= 500 {
		level = a.logger.Error
	}
	level("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"text_code", rich.TextCode,
		"error", err.Error(),
	)
	writeJSON(w, status, rich.ToErrorResponse(false, nil))
}

// richError returns the innermost go-errors envelope carrying an HTTP code.
// Dispatcher layers may wrap the handler error; the handler's envelope wins.
func richError(err error) *goerrors.Error {
	var found *goerrors.Error
	for current := err; current != nil; current = errors.Unwrap(current) {
		if rich, ok := current.(*goerrors.Error); ok && rich.Code >= 400 {
			found = rich
		}
	}
	if found != nil {
		return found
	}
	return goerrors.MapToError(err, goerrors.DefaultErrorMappers())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
