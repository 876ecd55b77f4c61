package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nhle/orgmail-gateway/internal/attachment"
	"github.com/nhle/orgmail-gateway/internal/dispatch"
	"github.com/nhle/orgmail-gateway/internal/model"
	"github.com/nhle/orgmail-gateway/internal/recipient"
	"github.com/nhle/orgmail-gateway/internal/source/email"
	"github.com/nhle/orgmail-gateway/internal/store"
)

var testAddressing = email.Addressing{ServiceAccount: "newsletter", Domain: "service.com"}

type fakeEmails struct {
	emails []model.InboundEmail
	err    error
	calls  int
	org    *model.OrganizationIdentity
}

func (f *fakeEmails) Ingest(_ context.Context, org *model.OrganizationIdentity) ([]model.InboundEmail, error) {
	f.calls++
	f.org = org
	return f.emails, f.err
}

func (f *fakeEmails) Addressing() email.Addressing { return testAddressing }

type fakeSnapshots struct {
	emails     []model.InboundEmail
	ok         bool
	next       []model.InboundEmail
	refreshErr error
	refreshes  int
}

func (f *fakeSnapshots) Snapshot() ([]model.InboundEmail, time.Time, bool) {
	return f.emails, time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC), f.ok
}

func (f *fakeSnapshots) Refresh(context.Context) error {
	f.refreshes++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.emails = f.next
	f.ok = true
	return nil
}

type fakeSender struct {
	req    *model.OutboundEmailRequest
	mode   dispatch.Mode
	report *dispatch.Report
	err    error
}

func (f *fakeSender) Dispatch(_ context.Context, req *model.OutboundEmailRequest, mode dispatch.Mode) (*dispatch.Report, error) {
	f.req = req
	f.mode = mode
	if f.report == nil && f.err == nil {
		return &dispatch.Report{Mode: mode, Sent: len(req.Recipients), Transport: "fake"}, nil
	}
	return f.report, f.err
}

type fakeResolver struct {
	users []model.User
	err   error
	sel   recipient.Selection
}

func (f *fakeResolver) Resolve(_ context.Context, sel recipient.Selection) ([]model.User, error) {
	f.sel = sel
	return f.users, f.err
}

type fakeSentLog struct {
	filter store.SentMailFilter
}

func (f *fakeSentLog) ListSentMail(_ context.Context, filter store.SentMailFilter) ([]model.SentMailRecord, error) {
	f.filter = filter
	return []model.SentMailRecord{{ID: "r1", Subject: "hello"}}, nil
}

type testEnv struct {
	handler   http.Handler
	emails    *fakeEmails
	sender    *fakeSender
	resolver  *fakeResolver
	sentLog   *fakeSentLog
	snapshots *fakeSnapshots
	store     *attachment.Store
}

func newTestEnv(t *testing.T, withSnapshots bool) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t)

	attachments, err := attachment.NewStore(t.TempDir(), "", nil)
	require.NoError(t, err)

	env := &testEnv{
		emails:   &fakeEmails{},
		sender:   &fakeSender{},
		resolver: &fakeResolver{},
		sentLog:  &fakeSentLog{},
		store:    attachments,
	}
	deps := MailControllerDeps{
		Emails:      env.emails,
		Attachments: attachments,
		Sender:      env.sender,
		Recipients:  env.resolver,
		SentLog:     env.sentLog,
	}
	if withSnapshots {
		env.snapshots = &fakeSnapshots{}
		deps.Snapshots = env.snapshots
	}

	srv := NewServer(log, model.ServerConfig{Debug: true})
	require.NoError(t, srv.RegisterAll([]APIController{NewMailController(deps, log.Sugar())}))
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func multipartRequest(t *testing.T, path string, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile("attachments", name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "orgmail_")
}

func TestListEmailsLive(t *testing.T) {
	env := newTestEnv(t, false)
	env.emails.emails = []model.InboundEmail{{ID: 7, Subject: "hi", Mailbox: model.FolderInbox}}

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/emails?organizationName=Acme&organizationSlug=acme", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	emails := body["emails"].([]any)
	require.Len(t, emails, 1)
	assert.Equal(t, float64(7), emails[0].(map[string]any)["id"])
	assert.Equal(t, &model.OrganizationIdentity{Name: "Acme", Slug: "acme"}, env.emails.org)
}

func TestListEmailsWithoutOrganization(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(httptest.NewRequest(http.MethodGet, "/api/emails", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, env.emails.org)
	assert.JSONEq(t, `{"emails":[]}`, w.Body.String())
}

func TestListEmailsFailure(t *testing.T) {
	env := newTestEnv(t, false)
	env.emails.err = errors.New("dial tcp: connection refused")

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/emails", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Failed to fetch emails", body["message"])
	assert.Contains(t, body["error"], "connection refused")
}

func TestListEmailsFromSnapshot(t *testing.T) {
	env := newTestEnv(t, true)
	env.snapshots.ok = true
	env.snapshots.emails = []model.InboundEmail{
		{ID: 1, Mailbox: model.FolderInbox, ToAddrs: []string{"newsletter+acme@service.com"}},
		{ID: 2, Mailbox: model.FolderInbox, ToAddrs: []string{"newsletter+other@service.com"}},
		{ID: 3, Mailbox: model.FolderSent, FromNames: []string{"Acme Events"}},
	}

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/emails?organizationName=Acme+Events&organizationSlug=acme", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, env.emails.calls, "snapshot must be served without a live pass")
	assert.NotEmpty(t, w.Header().Get("Last-Modified"))

	emails := decode(t, w)["emails"].([]any)
	require.Len(t, emails, 2)
	assert.Equal(t, float64(1), emails[0].(map[string]any)["id"])
	assert.Equal(t, float64(3), emails[1].(map[string]any)["id"])

	env.snapshots.next = []model.InboundEmail{{ID: 4, Mailbox: model.FolderInbox}}
	w = env.do(httptest.NewRequest(http.MethodGet, "/api/emails?refresh=true", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.snapshots.refreshes)
	assert.Zero(t, env.emails.calls, "refresh goes through the poller, never a separate live pass")
	assert.JSONEq(t, `[4]`, idsJSON(t, w))
}

func TestListEmailsSnapshotNotReady(t *testing.T) {
	env := newTestEnv(t, true)
	env.snapshots.next = []model.InboundEmail{{ID: 9, Mailbox: model.FolderSent}}

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/emails", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.snapshots.refreshes)
	assert.Zero(t, env.emails.calls)
	assert.JSONEq(t, `[9]`, idsJSON(t, w))
}

func TestListEmailsSnapshotRefreshFailure(t *testing.T) {
	env := newTestEnv(t, true)
	env.snapshots.ok = true
	env.snapshots.refreshErr = errors.New("imap down")

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/emails?refresh=true", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "imap down", decode(t, w)["error"])
}

func idsJSON(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Emails []struct {
			ID uint32 `json:"id"`
		} `json:"emails"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	ids := make([]uint32, 0, len(body.Emails))
	for _, e := range body.Emails {
		ids = append(ids, e.ID)
	}
	out, err := json.Marshal(ids)
	require.NoError(t, err)
	return string(out)
}

func TestGetAttachment(t *testing.T) {
	env := newTestEnv(t, false)
	pass := env.store.BeginPass()
	stored, err := pass.Save(model.FolderInbox, 3, 0, "flyer.pdf", []byte("%PDF-1.7"))
	require.NoError(t, err)
	_, err = pass.Collect()
	require.NoError(t, err)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/attachments?filename="+stored, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="`+stored+`"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "%PDF-1.7", w.Body.String())
}

func TestGetAttachmentErrors(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing filename", "", http.StatusBadRequest},
		{"invalid filename", "?filename=..", http.StatusBadRequest},
		{"traversal", "?filename=../../etc/passwd", http.StatusBadRequest},
		{"nested path", "?filename=sub%2Fa.pdf", http.StatusBadRequest},
		{"absent file", "?filename=nope.pdf", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(httptest.NewRequest(http.MethodGet, "/api/attachments"+tt.query, nil))
			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, decode(t, w)["message"])
		})
	}
}

func TestSendEmail(t *testing.T) {
	env := newTestEnv(t, false)

	req := multipartRequest(t, "/api/emails/send", map[string]string{
		"fromName":         "Acme Events",
		"replyToExtension": "acme",
		"recipients":       `["a@example.com","b@example.com"]`,
		"subject":          "Hello",
		"message":          "<p>Hi</p>",
	}, map[string][]byte{"agenda.pdf": []byte("%PDF")})

	w := env.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Email sent successfully", decode(t, w)["message"])

	got := env.sender.req
	require.NotNil(t, got)
	assert.Equal(t, dispatch.ModeBroadcast, env.sender.mode)
	assert.Equal(t, "Acme Events", got.FromName)
	assert.Equal(t, "acme", got.ReplyToExtension)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, got.Recipients)
	assert.Equal(t, "<p>Hi</p>", got.HTML)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "agenda.pdf", got.Attachments[0].Filename)
	assert.Equal(t, []byte("%PDF"), got.Attachments[0].Data)
}

func TestSendEmailBadRequests(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		err    error
		status int
	}{
		{
			name:   "malformed recipients json",
			fields: map[string]string{"recipients": "[not json"},
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown mode",
			fields: map[string]string{"recipients": `["a@example.com"]`, "mode": "fax"},
			status: http.StatusBadRequest,
		},
		{
			name:   "oversized attachments",
			fields: map[string]string{"recipients": `["a@example.com"]`},
			err:    dispatch.ErrAttachmentsTooLarge,
			status: http.StatusBadRequest,
		},
		{
			name:   "transport failure",
			fields: map[string]string{"recipients": `["a@example.com"]`},
			err:    &dispatch.TransportError{Transport: "smtp", Op: "verify", Err: errors.New("535")},
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			env.sender.err = tt.err

			w := env.do(multipartRequest(t, "/api/emails/send", tt.fields, nil))
			assert.Equal(t, tt.status, w.Code)
			body := decode(t, w)
			assert.NotEmpty(t, body["message"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSendEmailNotMultipart(t *testing.T) {
	env := newTestEnv(t, false)
	req := httptest.NewRequest(http.MethodPost, "/api/emails/send", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	w := env.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendEmailPartialFailure(t *testing.T) {
	env := newTestEnv(t, false)
	env.sender.report = &dispatch.Report{Mode: dispatch.ModeIndividual, Sent: 2, Failed: 1}

	w := env.do(multipartRequest(t, "/api/emails/send", map[string]string{
		"recipients": `["a@example.com","b@example.com","c@example.com"]`,
		"mode":       "individual",
	}, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dispatch.ModeIndividual, env.sender.mode)
	assert.Equal(t, "Email sent to 2 of 3 recipients", decode(t, w)["message"])
}

func TestNewsletter(t *testing.T) {
	env := newTestEnv(t, false)
	env.resolver.users = []model.User{
		{ID: "u1", Email: "ada@example.com"},
		{ID: "u2", Email: "bob@example.com"},
	}

	w := env.do(multipartRequest(t, "/api/newsletters", map[string]string{
		"fromName":         "Acme Events",
		"replyToExtension": "acme",
		"organizationIds":  `["o1"]`,
		"eventIds":         `["e1","e2"]`,
		"subject":          "News",
		"message":          "<p>News</p>",
	}, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, recipient.Selection{
		OrganizationIDs: []string{"o1"},
		EventIDs:        []string{"e1", "e2"},
	}, env.resolver.sel)
	assert.Equal(t, dispatch.ModeIndividual, env.sender.mode)
	assert.Equal(t, []string{"ada@example.com", "bob@example.com"}, env.sender.req.Recipients)
	assert.NotNil(t, decode(t, w)["report"])
}

func TestNewsletterErrors(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(multipartRequest(t, "/api/newsletters", map[string]string{"replyToExtension": "acme"}, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty selection")

	w = env.do(multipartRequest(t, "/api/newsletters", map[string]string{"userIds": "{"}, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code, "malformed ids")

	env.resolver.err = errors.New("directory down")
	w = env.do(multipartRequest(t, "/api/newsletters", map[string]string{"userIds": `["u1"]`}, nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestListSent(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/sent?replyTo=newsletter%2Bacme%40service.com&limit=5&offset=10", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, env.sentLog.filter.ReplyTo)
	assert.Equal(t, "newsletter+acme@service.com", *env.sentLog.filter.ReplyTo)
	assert.Equal(t, 5, env.sentLog.filter.Limit)
	assert.Equal(t, 10, env.sentLog.filter.Offset)
	assert.Len(t, decode(t, w)["records"], 1)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/sent?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestContentDisposition(t *testing.T) {
	assert.Equal(t, `attachment; filename="a.pdf"`, contentDisposition("a.pdf"))
	assert.Equal(t, `attachment; filename="say \"hi\".txt"`, contentDisposition(`say "hi".txt`))
}
