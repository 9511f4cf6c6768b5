package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger/memstore"
	"github.com/animus-labs/cargo-custody/internal/platform/auth"
	"github.com/animus-labs/cargo-custody/internal/platform/httpserver"
	"github.com/animus-labs/cargo-custody/internal/projection/snapcache"
	"github.com/animus-labs/cargo-custody/internal/service/authz"
	"github.com/animus-labs/cargo-custody/internal/service/dispatch"
	"github.com/animus-labs/cargo-custody/internal/service/ledgertx"
	"github.com/animus-labs/cargo-custody/internal/traceexport"
)

type memObjects struct {
	objects map[string][]byte
}

func (m *memObjects) Put(_ context.Context, bucket, key string, body io.Reader, _ int64, _ string) error {
	blob, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[bucket+"/"+key] = blob
	return nil
}

type apiHarness struct {
	t       *testing.T
	h       http.Handler
	store   *memstore.Store
	objects *memObjects
}

func newAPIHarness(t *testing.T, exportEnabled bool) *apiHarness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	store := memstore.New()
	authorizer, err := authz.New(authz.Config{Mode: authz.ModeCustodian, AdminRoles: []string{domain.RoleCustomsOfficer}}, logger)
	if err != nil {
		t.Fatalf("authz.New: %v", err)
	}
	d, err := dispatch.Assemble(dispatch.Deps{
		Store:      store,
		Runner:     ledgertx.Config{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		Authorizer: authorizer,
		Cache:      snapcache.NewMemory(time.Minute),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	objects := &memObjects{objects: map[string][]byte{}}
	exporter := traceexport.NewExporter(nil, "", logger)
	if exportEnabled {
		exporter = traceexport.NewExporter(objects, "custody-traces", logger)
	}

	mux := http.NewServeMux()
	newCustodyAPI(logger, d, authorizer, exporter).register(mux)
	handler := httpserver.Wrap(logger, auth.Middleware{Authenticator: auth.DevAuthenticator{}}.Wrap(mux))
	return &apiHarness{t: t, h: handler, store: store, objects: objects}
}

type call struct {
	method, path, actor, roles, idempotencyKey, accept string
	body                                               any
}

func (a *apiHarness) do(c call) *httptest.ResponseRecorder {
	a.t.Helper()
	var body io.Reader
	switch b := c.body.(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
	default:
		blob, err := json.Marshal(b)
		if err != nil {
			a.t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(blob)
	}
	req := httptest.NewRequest(c.method, "http://custody.test"+c.path, body)
	if c.actor != "" {
		req.Header.Set(auth.HeaderActor, c.actor)
	}
	if c.roles != "" {
		req.Header.Set(auth.HeaderRoles, c.roles)
	}
	if c.idempotencyKey != "" {
		req.Header.Set(headerIdempotencyKey, c.idempotencyKey)
	}
	if c.accept != "" {
		req.Header.Set("Accept", c.accept)
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func (a *apiHarness) expect(c call, status int) *httptest.ResponseRecorder {
	a.t.Helper()
	rec := a.do(c)
	if rec.Code != status {
		a.t.Fatalf("%s %s: status=%d, want %d: %s", c.method, c.path, rec.Code, status, rec.Body.String())
	}
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]any](t, rec)["error"].(string)
}

// seed registers P1 and P2 and has P1 create container C1 loaded with X1.
func (a *apiHarness) seed() {
	a.t.Helper()
	a.expect(call{method: "POST", path: "/participants", actor: "P1", body: map[string]any{"id": "P1", "role": domain.RoleShipper}}, http.StatusCreated)
	a.expect(call{method: "POST", path: "/participants", actor: "P2", body: map[string]any{"id": "P2", "role": domain.RoleCarrier}}, http.StatusCreated)
	a.expect(call{method: "POST", path: "/containers", actor: "P1", body: map[string]any{"id": "C1"}}, http.StatusCreated)
	a.expect(call{method: "POST", path: "/cargo", actor: "P1", body: map[string]any{"id": "X1", "attributes": map[string]string{"sku": "42"}}}, http.StatusCreated)
	a.expect(call{method: "POST", path: "/containers/C1/load", actor: "P1", body: map[string]any{"cargo_ids": []string{"X1"}}}, http.StatusOK)
}

func TestCustodyFlow(t *testing.T) {
	a := newAPIHarness(t, false)
	a.seed()

	rec := a.do(call{method: "POST", path: "/containers/C1/load", actor: "P1", body: map[string]any{"cargo_ids": []string{"X1"}}})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "already_loaded" {
		t.Fatalf("reload status=%d body=%s", rec.Code, rec.Body.String())
	}

	a.expect(call{method: "POST", path: "/containers/C1/custody", actor: "P1", body: map[string]any{"new_custodian": "P2"}}, http.StatusOK)
	c := decode[domain.Container](t, a.expect(call{method: "GET", path: "/containers/C1", actor: "P1"}, http.StatusOK))
	if c.Custodian != "P2" || c.Status != domain.ContainerLoaded || !c.Holds("X1") {
		t.Fatalf("container=%+v", c)
	}

	rec = a.do(call{method: "POST", path: "/containers/C1/dispatch", actor: "P1"})
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "unauthorized" {
		t.Fatalf("dispatch by previous custodian status=%d body=%s", rec.Code, rec.Body.String())
	}
	a.expect(call{method: "POST", path: "/containers/C1/dispatch", actor: "P2"}, http.StatusOK)

	loaded := decode[[]domain.Container](t, a.expect(call{method: "GET", path: "/containers/loaded", actor: "P1"}, http.StatusOK))
	if len(loaded) != 0 {
		t.Fatalf("in-transit container listed as loaded: %+v", loaded)
	}

	cargo := decode[[]domain.Cargo](t, a.expect(call{method: "GET", path: "/cargo?status=loaded", actor: "P1"}, http.StatusOK))
	if len(cargo) != 1 || cargo[0].Container != "C1" {
		t.Fatalf("cargo=%+v", cargo)
	}
}

func TestCommandsReplayIdempotencyKey(t *testing.T) {
	a := newAPIHarness(t, false)
	a.seed()

	c := call{method: "POST", path: "/containers/C1/custody", actor: "P1", idempotencyKey: "handoff-1", body: map[string]any{"new_custodian": "P2"}}
	first := a.expect(c, http.StatusOK)
	if got := first.Header().Get(headerTxID); got != "P1:handoff-1" {
		t.Fatalf("tx header=%q", got)
	}
	head, _ := a.store.Head(context.Background())

	second := a.expect(c, http.StatusOK)
	again, _ := a.store.Head(context.Background())
	if again != head {
		t.Fatalf("replay appended records: head %d -> %d", head, again)
	}
	r1 := decode[domain.CustodyRecord](t, first)
	r2 := decode[domain.CustodyRecord](t, second)
	if r1.Seq != r2.Seq || r1.NewCustodian != "P2" || r2.PreviousCustodian != "P1" {
		t.Fatalf("first=%+v second=%+v", r1, r2)
	}

	generated := a.expect(call{method: "PATCH", path: "/cargo/X1/attributes", actor: "P1", body: map[string]any{"attributes": map[string]string{"hs": "8471"}}}, http.StatusOK)
	if generated.Header().Get(headerTxID) == "" {
		t.Fatalf("expected generated transaction id")
	}
}

func TestIdempotencyKeyReusedForAnotherCommand(t *testing.T) {
	a := newAPIHarness(t, false)
	a.seed()

	a.expect(call{method: "POST", path: "/cargo/X1/coordinates", actor: "P1", idempotencyKey: "k-1", body: map[string]any{"location": "Rotterdam"}}, http.StatusOK)
	head, _ := a.store.Head(context.Background())

	rec := a.expect(call{method: "POST", path: "/containers/C1/unload", actor: "P1", idempotencyKey: "k-1", body: map[string]any{"cargo_id": "X1"}}, http.StatusBadRequest)
	if code := errorCode(t, rec); code != "invalid_argument" {
		t.Fatalf("code=%q", code)
	}
	if again, _ := a.store.Head(context.Background()); again != head {
		t.Fatalf("rejected command appended records: head %d -> %d", head, again)
	}
	cargo := decode[domain.Cargo](t, a.expect(call{method: "GET", path: "/cargo/X1", actor: "P1"}, http.StatusOK))
	if cargo.Container != "C1" {
		t.Fatalf("cargo=%+v", cargo)
	}

	// Another actor's key of the same name is its own transaction.
	a.expect(call{method: "POST", path: "/participants", actor: "P2", idempotencyKey: "k-1",
		body: map[string]any{"id": "P7", "role": "consignee"}}, http.StatusCreated)
}

func TestTraceEndpoints(t *testing.T) {
	a := newAPIHarness(t, false)
	a.seed()
	a.expect(call{method: "POST", path: "/cargo/X1/coordinates", actor: "P1", body: map[string]any{"location": "Rotterdam"}}, http.StatusOK)

	doc := decode[struct {
		Kind    string            `json:"kind"`
		HeadSeq int64             `json:"head_seq"`
		Records []json.RawMessage `json:"records"`
	}](t, a.expect(call{method: "GET", path: "/cargo/X1/trace", actor: "P1"}, http.StatusOK))
	if doc.Kind != "cargo" || len(doc.Records) != 3 || doc.HeadSeq == 0 {
		t.Fatalf("trace=%+v", doc)
	}

	rec := a.expect(call{method: "GET", path: "/cargo/X1/trace", actor: "P1", accept: contentTypeNDJSON}, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != contentTypeNDJSON {
		t.Fatalf("Content-Type=%q", ct)
	}
	lines := 0
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		lines++
	}
	if lines != len(doc.Records) {
		t.Fatalf("ndjson lines=%d, json records=%d", lines, len(doc.Records))
	}

	report := decode[map[string]any](t, a.expect(call{method: "GET", path: "/containers/C1/verify", actor: "P1"}, http.StatusOK))
	if report["verified"] != true {
		t.Fatalf("chain report=%v", report)
	}

	rec = a.do(call{method: "GET", path: "/cargo/missing/trace", actor: "P1"})
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "not_found" {
		t.Fatalf("missing trace status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestExportTrace(t *testing.T) {
	disabled := newAPIHarness(t, false)
	disabled.seed()
	rec := disabled.do(call{method: "POST", path: "/cargo/X1/trace/export", actor: "P1"})
	if rec.Code != http.StatusServiceUnavailable || errorCode(t, rec) != "export_disabled" {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	a := newAPIHarness(t, true)
	a.seed()
	res := decode[traceexport.Result](t, a.expect(call{method: "POST", path: "/containers/C1/trace/export", actor: "P1"}, http.StatusOK))
	if !strings.HasPrefix(res.Key, "traces/container/C1/") || res.Records != 2 {
		t.Fatalf("result=%+v", res)
	}
	if _, ok := a.objects.objects["custody-traces/"+res.Key]; !ok {
		t.Fatalf("object not stored: %v", a.objects.objects)
	}

	rec = a.do(call{method: "POST", path: "/participants/P1/trace/export", actor: "P1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("participant export status=%d", rec.Code)
	}
}

func TestRequestValidation(t *testing.T) {
	a := newAPIHarness(t, false)

	rec := a.do(call{method: "GET", path: "/cargo/X1"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status=%d", rec.Code)
	}

	rec = a.do(call{method: "POST", path: "/participants", actor: "P1", body: `{"id":"P1","role":"shipper","extra":1}`})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "invalid_json" {
		t.Fatalf("unknown field status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = a.do(call{method: "POST", path: "/participants", actor: "P1", body: `{"id":"P1","role":"shipper"} {}`})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("trailing value status=%d", rec.Code)
	}

	a.expect(call{method: "POST", path: "/participants", actor: "P1", body: map[string]any{"id": "P1", "role": domain.RoleShipper}}, http.StatusCreated)
	rec = a.do(call{method: "POST", path: "/participants", actor: "P1", body: map[string]any{"id": "P1", "role": domain.RoleShipper}})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "duplicate_entity" {
		t.Fatalf("duplicate status=%d body=%s", rec.Code, rec.Body.String())
	}

	found := decode[[]domain.Participant](t, a.expect(call{method: "GET", path: "/participants/P?match=prefix", actor: "P1"}, http.StatusOK))
	if len(found) != 1 || found[0].ID != "P1" {
		t.Fatalf("prefix lookup=%+v", found)
	}
}

func TestVerifyProjectionsRequiresAdmin(t *testing.T) {
	a := newAPIHarness(t, false)
	a.seed()

	a.expect(call{method: "POST", path: "/admin/projections/verify", actor: "P1"}, http.StatusForbidden)
	report := decode[map[string]any](t, a.expect(call{method: "POST", path: "/admin/projections/verify", actor: "P9", roles: domain.RoleCustomsOfficer}, http.StatusOK))
	if report["verified"] != true {
		t.Fatalf("report=%v", report)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{domain.NotFound(domain.KindCargo, "X1"), http.StatusNotFound},
		{domain.ErrLedgerConflict, http.StatusConflict},
		{domain.ErrInvalidContainment, http.StatusConflict},
		{domain.ErrUnauthorized, http.StatusForbidden},
		{traceexport.ErrDisabled, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusFor(tc.err); got != tc.code {
			t.Errorf("statusFor(%v)=%d, want %d", tc.err, got, tc.code)
		}
	}
}
