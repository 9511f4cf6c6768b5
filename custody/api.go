package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/platform/auth"
	"github.com/animus-labs/cargo-custody/internal/platform/httpserver"
	"github.com/animus-labs/cargo-custody/internal/service/authz"
	"github.com/animus-labs/cargo-custody/internal/service/dispatch"
	"github.com/animus-labs/cargo-custody/internal/service/history"
	"github.com/animus-labs/cargo-custody/internal/service/query"
	"github.com/animus-labs/cargo-custody/internal/service/registry"
	"github.com/animus-labs/cargo-custody/internal/traceexport"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerTxID           = "X-Custody-Tx-Id"
	contentTypeNDJSON    = "application/x-ndjson"
)

var errInvalidJSON = errors.New("invalid json")

type custodyAPI struct {
	logger   *slog.Logger
	d        *dispatch.Dispatcher
	authz    *authz.Authorizer
	exporter *traceexport.Exporter
}

func newCustodyAPI(logger *slog.Logger, d *dispatch.Dispatcher, authorizer *authz.Authorizer, exporter *traceexport.Exporter) *custodyAPI {
	return &custodyAPI{logger: logger, d: d, authz: authorizer, exporter: exporter}
}

func (api *custodyAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /participants", api.handleRegisterParticipant)
	mux.HandleFunc("GET /participants", api.handleListParticipants)
	mux.HandleFunc("GET /participants/{key}", api.handleGetParticipants)
	mux.HandleFunc("PATCH /participants/{id}/attributes", api.handleUpdateParticipantAttributes)

	mux.HandleFunc("POST /containers", api.handleAddContainer)
	mux.HandleFunc("GET /containers/loaded", api.handleLoadedContainers)
	mux.HandleFunc("GET /containers/available", api.handleAvailableContainers)
	mux.HandleFunc("GET /containers/{id}", api.handleTrackContainer)
	mux.HandleFunc("PATCH /containers/{id}/attributes", api.handleUpdateContainerAttributes)
	mux.HandleFunc("POST /containers/{id}/load", api.handleLoadContainer)
	mux.HandleFunc("POST /containers/{id}/unload", api.handleUnloadContainer)
	mux.HandleFunc("POST /containers/{id}/custody", api.handleChangeContainerCustody)
	mux.HandleFunc("POST /containers/{id}/coordinates", api.handleUpdateContainerCoordinates)
	mux.HandleFunc("POST /containers/{id}/dispatch", api.handleDispatchContainer)
	mux.HandleFunc("GET /containers/{id}/trace", api.handleTrace(domain.KindContainer))
	mux.HandleFunc("GET /containers/{id}/verify", api.handleVerifyChain(domain.KindContainer))

	mux.HandleFunc("POST /cargo", api.handleCreateCargo)
	mux.HandleFunc("GET /cargo", api.handleListCargo)
	mux.HandleFunc("POST /cargo/load-containers", api.handleCreateCargoLoadContainers)
	mux.HandleFunc("GET /cargo/{id}", api.handleTrackCargo)
	mux.HandleFunc("PATCH /cargo/{id}/attributes", api.handleUpdateCargoAttributes)
	mux.HandleFunc("POST /cargo/{id}/coordinates", api.handleUpdateCargoCoordinates)
	mux.HandleFunc("POST /cargo/{id}/custody", api.handleChangeCargoCustody)
	mux.HandleFunc("POST /cargo/{id}/deliver", api.handleDeliverCargo)
	mux.HandleFunc("GET /cargo/{id}/trace", api.handleTrace(domain.KindCargo))
	mux.HandleFunc("GET /cargo/{id}/verify", api.handleVerifyChain(domain.KindCargo))

	mux.HandleFunc("POST /{kind}/{id}/trace/export", api.handleExportTrace)
	mux.HandleFunc("POST /admin/projections/verify", api.handleVerifyProjections)
}

type attributesRequest struct {
	Attributes domain.Attributes `json:"attributes"`
}

type loadRequest struct {
	CargoIDs []string `json:"cargo_ids"`
}

type unloadRequest struct {
	CargoID string `json:"cargo_id"`
}

type custodyRequest struct {
	NewCustodian string `json:"new_custodian"`
}

type createCargoLoadRequest struct {
	ContainerIDs []string          `json:"container_ids"`
	CargoID      string            `json:"cargo_id"`
	Attributes   domain.Attributes `json:"attributes,omitempty"`
}

type traceResponse struct {
	Kind    domain.EntityKind `json:"kind"`
	ID      string            `json:"id"`
	HeadSeq int64             `json:"head_seq"`
	Records any               `json:"records"`
}

// caller builds the command caller from the authenticated identity. The
// transaction id comes from Idempotency-Key, scoped to the actor, so client
// retries replay and two clients picking the same key never collide.
func (api *custodyAPI) caller(w http.ResponseWriter, r *http.Request) (authz.Caller, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Actor) == "" {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized", nil)
		return authz.Caller{}, false
	}
	txID := uuid.NewString()
	if key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey)); key != "" {
		txID = identity.Actor + ":" + key
	}
	w.Header().Set(headerTxID, txID)
	return authz.Caller{TxID: txID, Actor: identity.Actor, Roles: identity.Roles}, true
}

// command decodes an optional body into a fresh In and runs fn with the caller.
func command[In any](api *custodyAPI, w http.ResponseWriter, r *http.Request, status int, fn func(authz.Caller, In) (any, error)) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	var in In
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &in); err != nil {
			api.fail(w, r, err)
			return
		}
	}
	out, err := fn(caller, in)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	httpserver.WriteJSON(w, status, out)
}

func (api *custodyAPI) read(w http.ResponseWriter, r *http.Request, out any, err error) {
	if err != nil {
		api.fail(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, out)
}

func (api *custodyAPI) handleRegisterParticipant(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusCreated, func(c authz.Caller, in registry.RegisterParticipantInput) (any, error) {
		return api.d.RegisterParticipant(r.Context(), c, in)
	})
}

func (api *custodyAPI) handleUpdateParticipantAttributes(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusOK, func(c authz.Caller, in attributesRequest) (any, error) {
		return api.d.UpdateParticipantAttributes(r.Context(), c, r.PathValue("id"), in.Attributes)
	})
}

func (api *custodyAPI) handleGetParticipants(w http.ResponseWriter, r *http.Request) {
	prefix := strings.EqualFold(r.URL.Query().Get("match"), "prefix")
	out, err := api.d.GetParticipants(r.Context(), r.PathValue("key"), prefix)
	api.read(w, r, out, err)
}

func (api *custodyAPI) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := api.d.ListParticipants(r.Context(), query.ParticipantFilter{
		Key:    q.Get("key"),
		Prefix: strings.EqualFold(q.Get("match"), "prefix"),
		Role:   q.Get("role"),
	})
	api.read(w, r, out, err)
}

func (api *custodyAPI) handleAddContainer(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusCreated, func(c authz.Caller, in registry.CreateEntityInput) (any, error) {
		return api.d.AddNewContainer(r.Context(), c, in)
	})
}

func (api *custodyAPI) handleUpdateContainerAttributes(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusOK, func(c authz.Caller, in attributesRequest) (any, error) {
		return api.d.UpdateContainerAttributes(r.Context(), c, r.PathValue("id"), in.Attributes)
	})
}

func (api *custodyAPI) handleLoadContainer(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusOK, func(c authz.Caller, in loadRequest) (any, error) {
		return api.d.LoadContainerWithPackages(r.Context(), c, r.PathValue("id"), in.CargoIDs)
	})
}

func (api *custodyAPI) handleUnloadContainer(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusOK, func(c authz.Caller, in unloadRequest) (any, error) {
		return api.d.UnloadContainerFromCargo(r.Context(), c, r.PathValue("id"), in.CargoID)
	})
}

func (api *custodyAPI) handleChangeContainerCustody(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusOK, func(c authz.Caller, in custodyRequest) (any, error) {
		return api.d.ChangeContainerCustody(r.Context(), c, r.PathValue("id"), in.NewCustodian)
	})
}

func (api *custodyAPI) handleUpdateContainerCoordinates(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusOK, func(c authz.Caller, in domain.Coordinates) (any, error) {
		return api.d.UpdateContainerCoordinates(r.Context(), c, r.PathValue("id"), in)
	})
}

func (api *custodyAPI) handleDispatchContainer(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusOK, func(c authz.Caller, _ struct{}) (any, error) {
		return api.d.DispatchContainer(r.Context(), c, r.PathValue("id"))
	})
}

func (api *custodyAPI) handleTrackContainer(w http.ResponseWriter, r *http.Request) {
	out, err := api.d.TrackContainerDetails(r.Context(), r.PathValue("id"))
	api.read(w, r, out, err)
}

func (api *custodyAPI) handleLoadedContainers(w http.ResponseWriter, r *http.Request) {
	out, err := api.d.GetLoadedContainers(r.Context())
	api.read(w, r, out, err)
}

func (api *custodyAPI) handleAvailableContainers(w http.ResponseWriter, r *http.Request) {
	out, err := api.d.GetAvailableContainers(r.Context())
	api.read(w, r, out, err)
}

func (api *custodyAPI) handleCreateCargo(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusCreated, func(c authz.Caller, in registry.CreateEntityInput) (any, error) {
		return api.d.CreateCargo(r.Context(), c, in)
	})
}

func (api *custodyAPI) handleCreateCargoLoadContainers(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusOK, func(c authz.Caller, in createCargoLoadRequest) (any, error) {
		return api.d.CreateCargoLoadContainers(r.Context(), c, in.ContainerIDs, in.CargoID, in.Attributes)
	})
}

func (api *custodyAPI) handleUpdateCargoAttributes(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusOK, func(c authz.Caller, in attributesRequest) (any, error) {
		return api.d.UpdateCargoAttributes(r.Context(), c, r.PathValue("id"), in.Attributes)
	})
}

func (api *custodyAPI) handleUpdateCargoCoordinates(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusOK, func(c authz.Caller, in domain.Coordinates) (any, error) {
		return api.d.UpdateCargoCoordinates(r.Context(), c, r.PathValue("id"), in)
	})
}

func (api *custodyAPI) handleChangeCargoCustody(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusOK, func(c authz.Caller, in custodyRequest) (any, error) {
		return api.d.ChangeCargoCustody(r.Context(), c, r.PathValue("id"), in.NewCustodian)
	})
}

func (api *custodyAPI) handleDeliverCargo(w http.ResponseWriter, r *http.Request) {
	command(api, w, r, http.StatusOK, func(c authz.Caller, _ struct{}) (any, error) {
		return api.d.DeliverCargo(r.Context(), c, r.PathValue("id"))
	})
}

func (api *custodyAPI) handleTrackCargo(w http.ResponseWriter, r *http.Request) {
	out, err := api.d.TrackCargoDetails(r.Context(), r.PathValue("id"))
	api.read(w, r, out, err)
}

func (api *custodyAPI) handleListCargo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := api.d.ListCargo(r.Context(), query.CargoFilter{
		Status:    domain.CargoStatus(q.Get("status")),
		Custodian: q.Get("custodian"),
	})
	api.read(w, r, out, err)
}

// handleTrace returns the entity's history oldest first, as one JSON document
// or, when the client accepts it, streamed as NDJSON.
func (api *custodyAPI) handleTrace(kind domain.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := api.d.Trace(r.Context(), kind, r.PathValue("id"))
		if err != nil {
			api.fail(w, r, err)
			return
		}
		if strings.Contains(r.Header.Get("Accept"), contentTypeNDJSON) {
			api.streamTrace(w, r, t)
			return
		}
		records, err := history.Collect(t)
		if err != nil {
			api.fail(w, r, err)
			return
		}
		httpserver.WriteJSON(w, http.StatusOK, traceResponse{Kind: t.Kind, ID: t.ID, HeadSeq: t.HeadSeq, Records: records})
	}
}

func (api *custodyAPI) streamTrace(w http.ResponseWriter, r *http.Request, t history.Trace) {
	w.Header().Set("Content-Type", contentTypeNDJSON)
	w.Header().Set("X-Custody-Head-Seq", fmt.Sprint(t.HeadSeq))
	w.WriteHeader(http.StatusOK)
	enc := traceexport.NewNDJSON(w)
	for rec, err := range t.Records {
		if err == nil {
			err = enc.Write(rec)
		}
		if err != nil {
			api.logger.Error("trace stream aborted",
				"request_id", r.Header.Get(httpserver.HeaderRequestID),
				"kind", t.Kind,
				"id", t.ID,
				"written", enc.Count(),
				"error", err,
			)
			return
		}
	}
}

func (api *custodyAPI) handleVerifyChain(kind domain.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := api.d.VerifyChain(r.Context(), kind, r.PathValue("id"))
		api.read(w, r, out, err)
	}
}

func (api *custodyAPI) handleExportTrace(w http.ResponseWriter, r *http.Request) {
	kind, err := kindFromSegment(r.PathValue("kind"))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	if !api.exporter.Enabled() {
		api.fail(w, r, traceexport.ErrDisabled)
		return
	}
	t, err := api.d.Trace(r.Context(), kind, r.PathValue("id"))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	out, err := api.exporter.Export(r.Context(), t)
	api.read(w, r, out, err)
}

func (api *custodyAPI) handleVerifyProjections(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	if api.authz.Mode() != authz.ModeOpen && !api.authz.IsAdmin(authz.Request{Caller: caller}) {
		api.writeError(w, r, http.StatusForbidden, "forbidden", nil)
		return
	}
	out, err := api.d.VerifyProjections(r.Context())
	api.read(w, r, out, err)
}

func kindFromSegment(segment string) (domain.EntityKind, error) {
	switch segment {
	case "cargo":
		return domain.KindCargo, nil
	case "containers":
		return domain.KindContainer, nil
	}
	return "", fmt.Errorf("%w: traces exist for cargo and containers, not %q", domain.ErrInvalidArgument, segment)
}

func (api *custodyAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		api.logger.Error("request failed",
			"request_id", r.Header.Get(httpserver.HeaderRequestID),
			"path", r.URL.Path,
			"error", err,
		)
		api.writeError(w, r, status, code, nil)
		return
	}
	api.writeError(w, r, status, code, err)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidJSON):
		return http.StatusBadRequest, "invalid_json"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, domain.ErrDuplicateEntity):
		return http.StatusConflict, "duplicate_entity"
	case errors.Is(err, domain.ErrAlreadyLoaded):
		return http.StatusConflict, "already_loaded"
	case errors.Is(err, domain.ErrNotLoaded):
		return http.StatusConflict, "not_loaded"
	case errors.Is(err, domain.ErrInvalidContainment):
		return http.StatusConflict, "invalid_containment"
	case errors.Is(err, domain.ErrLedgerConflict):
		return http.StatusConflict, "ledger_conflict"
	case errors.Is(err, traceexport.ErrDisabled):
		return http.StatusServiceUnavailable, "export_disabled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (api *custodyAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	body := map[string]any{
		"error":      code,
		"request_id": r.Header.Get(httpserver.HeaderRequestID),
	}
	if err != nil {
		body["message"] = err.Error()
	}
	httpserver.WriteJSON(w, status, body)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidJSON, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: multiple JSON values", errInvalidJSON)
	}
	return nil
}
