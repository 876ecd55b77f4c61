package email

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nhle/orgmail-gateway/internal/attachment"
	"github.com/nhle/orgmail-gateway/internal/model"
	"github.com/nhle/orgmail-gateway/internal/source"
)

type fakeSession struct {
	folders  map[string][]RawMessage
	failPath string
	closed   bool
	aborted  bool
}

func (s *fakeSession) FetchFolder(ctx context.Context, path string, fn func(RawMessage) error) error {
	if path == s.failPath {
		return errors.New("SELECT failed")
	}
	for _, raw := range s.folders[path] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSession) Abort() error {
	s.aborted = true
	return nil
}

type fakeDialer struct {
	session *fakeSession
	err     error
}

func (d *fakeDialer) Dial(context.Context) (Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

func rawMessage(uid uint32, headers string, flags ...string) RawMessage {
	return RawMessage{UID: uid, Flags: flags, Body: crlf(headers + "\n\nbody\n")}
}

func withAttachment(uid uint32, to, filename string) RawMessage {
	body := fmt.Sprintf(`From: Someone <someone@example.com>
To: %s
Subject: with file
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain

see attached
--b
Content-Type: application/pdf
Content-Disposition: attachment; filename="%s"
Content-Transfer-Encoding: base64

JVBERi0xLjc=
--b--
`, to, filename)
	return RawMessage{UID: uid, Body: crlf(body)}
}

var testFolders = []model.FolderConfig{
	{Name: model.FolderInbox, Path: "INBOX"},
	{Name: model.FolderSent, Path: "Sent"},
}

func newTestIngestor(t *testing.T, dialer Dialer) (*Ingestor, *attachment.Store) {
	t.Helper()
	store, err := attachment.NewStore(t.TempDir(), "", nil)
	require.NoError(t, err)
	in := NewIngestor(dialer, store, testFolders, testAddressing, time.Second, zaptest.NewLogger(t).Sugar())
	return in, store
}

func TestIngestClassifiesPerFolder(t *testing.T) {
	session := &fakeSession{folders: map[string][]RawMessage{
		"INBOX": {
			rawMessage(1, "From: a@x.com\nTo: newsletter+acme@service.com\nSubject: for acme\nDate: Tue, 01 Oct 2024 10:00:00 +0000", `\Seen`),
			rawMessage(2, "From: b@x.com\nTo: newsletter+other@service.com\nSubject: for other"),
			rawMessage(3, "From: c@x.com\nTo: newsletter+acme@service.com"),
		},
		"Sent": {
			rawMessage(10, `From: "Acme Events" <newsletter@service.com>`+"\nTo: list@x.com\nSubject: digest"),
			rawMessage(11, `From: "Globex" <newsletter@service.com>`+"\nTo: list@x.com\nSubject: other digest"),
		},
	}}
	in, _ := newTestIngestor(t, &fakeDialer{session: session})

	emails, err := in.Ingest(context.Background(), &model.OrganizationIdentity{Name: "Acme Events", Slug: "acme"})
	require.NoError(t, err)
	require.Len(t, emails, 3)
	assert.True(t, session.closed)

	assert.Equal(t, uint32(1), emails[0].ID)
	assert.Equal(t, model.FolderInbox, emails[0].Mailbox)
	assert.Equal(t, "for acme", emails[0].Subject)
	assert.Equal(t, "2024-10-01T10:00:00Z", emails[0].Date)
	assert.Equal(t, model.StatusRead, emails[0].Status)

	assert.Equal(t, uint32(3), emails[1].ID)
	assert.Equal(t, model.NoSubject, emails[1].Subject)
	assert.Equal(t, model.NoDate, emails[1].Date)
	assert.Equal(t, model.StatusUnread, emails[1].Status)
	assert.NotNil(t, emails[1].Attachments)

	assert.Equal(t, uint32(10), emails[2].ID)
	assert.Equal(t, model.FolderSent, emails[2].Mailbox)
}

func TestIngestNilOrganizationKeepsEverything(t *testing.T) {
	session := &fakeSession{folders: map[string][]RawMessage{
		"INBOX": {rawMessage(1, "To: x@y.com"), rawMessage(2, "To: z@y.com")},
	}}
	in, _ := newTestIngestor(t, &fakeDialer{session: session})

	emails, err := in.Ingest(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, emails, 2)
	for _, e := range emails {
		assert.True(t, Matches(e, nil, testAddressing))
	}
}

func TestIngestSkipsBrokenMessage(t *testing.T) {
	session := &fakeSession{folders: map[string][]RawMessage{
		"INBOX": {
			{UID: 1},
			rawMessage(2, "To: newsletter+acme@service.com"),
		},
	}}
	in, _ := newTestIngestor(t, &fakeDialer{session: session})

	emails, err := in.Ingest(context.Background(), &model.OrganizationIdentity{Slug: "acme"})
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, uint32(2), emails[0].ID)
}

func TestIngestStoresAttachments(t *testing.T) {
	session := &fakeSession{folders: map[string][]RawMessage{
		"INBOX": {withAttachment(7, "newsletter+acme@service.com", "../../flyer.pdf")},
	}}
	in, store := newTestIngestor(t, &fakeDialer{session: session})

	emails, err := in.Ingest(context.Background(), &model.OrganizationIdentity{Slug: "acme"})
	require.NoError(t, err)
	require.Len(t, emails, 1)
	require.Len(t, emails[0].Attachments, 1)

	att := emails[0].Attachments[0]
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.True(t, strings.HasPrefix(att.StoredFilename, "7-"))
	assert.True(t, strings.HasSuffix(att.StoredFilename, "-flyer.pdf"))
	assert.Equal(t, "/api/attachments?filename="+att.StoredFilename, att.URL)

	data, _, err := store.Retrieve(att.StoredFilename)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7"), data)
}

func TestIngestGarbageCollectsVanishedMessages(t *testing.T) {
	session := &fakeSession{folders: map[string][]RawMessage{
		"INBOX": {
			withAttachment(1, "newsletter+acme@service.com", "a.pdf"),
			withAttachment(2, "newsletter+acme@service.com", "b.pdf"),
		},
	}}
	in, store := newTestIngestor(t, &fakeDialer{session: session})

	first, err := in.Ingest(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, first, 2)
	gone := first[1].Attachments[0].StoredFilename

	session.folders["INBOX"] = session.folders["INBOX"][:1]
	second, err := in.Ingest(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Attachments[0].StoredFilename, second[0].Attachments[0].StoredFilename)

	_, _, err = store.Retrieve(gone)
	assert.ErrorIs(t, err, attachment.ErrNotFound)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFilteredPassKeepsRetainedAttachments(t *testing.T) {
	session := &fakeSession{folders: map[string][]RawMessage{
		"INBOX": {
			withAttachment(1, "newsletter+acme@service.com", "a.pdf"),
			withAttachment(2, "newsletter+globex@service.com", "g.pdf"),
		},
	}}
	in, store := newTestIngestor(t, &fakeDialer{session: session})

	snapshot, err := in.Ingest(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	globex := snapshot[1].Attachments[0].StoredFilename
	store.Retain([]string{snapshot[0].Attachments[0].StoredFilename, globex})

	filtered, err := in.Ingest(context.Background(), &model.OrganizationIdentity{Slug: "acme"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)

	_, _, err = store.Retrieve(globex)
	require.NoError(t, err, "files linked from the retained snapshot survive a filtered pass")

	store.Retain(nil)
	_, err = in.Ingest(context.Background(), &model.OrganizationIdentity{Slug: "acme"})
	require.NoError(t, err)
	_, _, err = store.Retrieve(globex)
	assert.ErrorIs(t, err, attachment.ErrNotFound)
}

func TestIngestTimedOutMessageSavesNothing(t *testing.T) {
	session := &fakeSession{folders: map[string][]RawMessage{
		"INBOX": {
			withAttachment(1, "newsletter+acme@service.com", "slow.pdf"),
			rawMessage(2, "From: b@x.com\nTo: newsletter+acme@service.com\nSubject: fast"),
		},
	}}
	in, store := newTestIngestor(t, &fakeDialer{session: session})
	in.messageTimeout = 100 * time.Millisecond

	release := make(chan struct{})
	in.parse = func(raw []byte) (*ParsedMessage, error) {
		if strings.Contains(string(raw), "slow.pdf") {
			<-release
		} else {
			// Let the overrun message resume while the scan is still running.
			close(release)
			time.Sleep(50 * time.Millisecond)
		}
		return ParseMessage(raw)
	}

	emails, err := in.Ingest(context.Background(), &model.OrganizationIdentity{Slug: "acme"})
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, "fast", emails[0].Subject)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "a timed-out message must not leave files behind")
}

func TestIngestConnectFailureIsFatal(t *testing.T) {
	authErr := &source.AuthError{Protocol: source.ProtocolIMAP, Message: "bad credentials"}
	in, _ := newTestIngestor(t, &fakeDialer{err: authErr})

	emails, err := in.Ingest(context.Background(), nil)
	assert.Nil(t, emails)
	assert.True(t, source.IsAuthError(err))
}

func TestIngestFolderFailureDiscardsPartialResult(t *testing.T) {
	session := &fakeSession{
		folders: map[string][]RawMessage{
			"INBOX": {withAttachment(1, "newsletter+acme@service.com", "a.pdf")},
		},
		failPath: "Sent",
	}
	in, store := newTestIngestor(t, &fakeDialer{session: session})

	emails, err := in.Ingest(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, emails)
	assert.True(t, session.aborted)
	assert.Contains(t, err.Error(), "Sent")

	// The aborted pass leaves its files for the next successful pass.
	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIngestCancelled(t *testing.T) {
	session := &fakeSession{folders: map[string][]RawMessage{
		"INBOX": {rawMessage(1, "To: x@y.com")},
	}}
	in, _ := newTestIngestor(t, &fakeDialer{session: session})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	emails, err := in.Ingest(ctx, nil)
	assert.Nil(t, emails)
	assert.ErrorIs(t, err, context.Canceled)
}
