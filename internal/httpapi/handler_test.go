package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"runbox/internal/exec/execresult"
	"runbox/internal/exec/iopump"
	"runbox/internal/exec/service"
	pkgerrors "runbox/pkg/errors"
	"runbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

type fakeExecService struct {
	result  execresult.ExecutionResult
	err     error
	lastReq service.ExecRequest
	chunks  []struct {
		stream string
		data   string
	}
}

func (f *fakeExecService) Execute(_ context.Context, req service.ExecRequest) (execresult.ExecutionResult, error) {
	f.lastReq = req
	if f.err != nil {
		return execresult.ExecutionResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeExecService) ExecuteStream(_ context.Context, req service.ExecRequest, obs iopump.Observer) (execresult.ExecutionResult, error) {
	f.lastReq = req
	if f.err != nil {
		return execresult.ExecutionResult{}, f.err
	}
	for _, c := range f.chunks {
		obs(c.stream, []byte(c.data))
	}
	return f.result, nil
}

func (f *fakeExecService) Languages() []string {
	return []string{"cpp", "go"}
}

func newTestRouter(svc ExecService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc).Register(r)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body []byte) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp response.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return w, resp
}

func TestHealth(t *testing.T) {
	r := newTestRouter(&fakeExecService{})
	w, resp := doJSON(t, r, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK || resp.Code != pkgerrors.Success {
		t.Fatalf("status=%d code=%d", w.Code, resp.Code)
	}
}

func TestListLanguages(t *testing.T) {
	r := newTestRouter(&fakeExecService{})
	w, resp := doJSON(t, r, http.MethodGet, "/api/v1/languages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data shape %T", resp.Data)
	}
	langs, ok := data["languages"].([]interface{})
	if !ok || len(langs) != 2 {
		t.Fatalf("languages %v", data["languages"])
	}
}

func TestCreateExecutionSuccess(t *testing.T) {
	svc := &fakeExecService{result: execresult.ExecutionResult{
		Classification: execresult.Completed,
		ExitCode:       0,
		Stdout:         "ok\n",
		WallTimeMs:     25,
	}}
	r := newTestRouter(svc)

	body := []byte(`{"language_id":"go","files":[{"path":"main.go","content":"package main"}],"stdin":"in"}`)
	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/executions", body)
	if w.Code != http.StatusOK || resp.Code != pkgerrors.Success {
		t.Fatalf("status=%d code=%d message=%s", w.Code, resp.Code, resp.Message)
	}
	if svc.lastReq.LanguageID != "go" || svc.lastReq.Stdin != "in" {
		t.Fatalf("request not bound: %+v", svc.lastReq)
	}

	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data shape %T", resp.Data)
	}
	if data["classification"] != "Completed" || data["stdout"] != "ok\n" {
		t.Fatalf("result payload %v", data)
	}
}

func TestCreateExecutionBadJSON(t *testing.T) {
	r := newTestRouter(&fakeExecService{})
	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/executions", []byte("{not json"))
	if w.Code != http.StatusBadRequest || resp.Code != pkgerrors.InvalidParams {
		t.Fatalf("status=%d code=%d", w.Code, resp.Code)
	}
}

func TestCreateExecutionErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   pkgerrors.ErrorCode
	}{
		{"unknown language", pkgerrors.New(pkgerrors.LanguageNotSupported), http.StatusNotFound, pkgerrors.LanguageNotSupported},
		{"capacity", pkgerrors.New(pkgerrors.CapacityExhausted), http.StatusTooManyRequests, pkgerrors.CapacityExhausted},
		{"payload too large", pkgerrors.New(pkgerrors.PayloadTooLarge), http.StatusRequestEntityTooLarge, pkgerrors.PayloadTooLarge},
		{"sandbox fault", pkgerrors.New(pkgerrors.SandboxStartFailed), http.StatusInternalServerError, pkgerrors.SandboxStartFailed},
	}

	body := []byte(`{"language_id":"go","files":[{"content":"x"}]}`)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(&fakeExecService{err: tc.err})
			w, resp := doJSON(t, r, http.MethodPost, "/api/v1/executions", body)
			if w.Code != tc.wantStatus || resp.Code != tc.wantCode {
				t.Fatalf("status=%d code=%d", w.Code, resp.Code)
			}
		})
	}
}

func TestTraceIDEchoed(t *testing.T) {
	r := newTestRouter(&fakeExecService{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Trace-Id", "trace-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("X-Trace-Id"); got != "trace-123" {
		t.Fatalf("trace header %q", got)
	}
	var resp response.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TraceID != "trace-123" {
		t.Fatalf("trace id in body %q", resp.TraceID)
	}
}
