package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/provisioner/internal/browser"
	"github.com/nhle/provisioner/internal/browser/browsertest"
	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/pace"
)

func TestNewChallengeParams_VerifierRoundTrip(t *testing.T) {
	seed := bytes.Repeat([]byte{0xA5, 0x3C, 0x7E, 0x01}, 12)

	params, err := NewChallengeParams(bytes.NewReader(seed))
	require.NoError(t, err)

	decoded, err := base64.RawURLEncoding.DecodeString(params.Verifier)
	require.NoError(t, err)
	assert.Equal(t, seed[:verifierBytes], decoded)
	assert.NotContains(t, params.Verifier, "=")
	assert.Equal(t, ChallengeFor(params.Verifier), params.Challenge)
	assert.Len(t, params.UUID, 36)
}

func TestNewChallengeParams_Fresh(t *testing.T) {
	a, err := NewChallengeParams(nil)
	require.NoError(t, err)
	b, err := NewChallengeParams(nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.Verifier, b.Verifier)
	assert.NotEqual(t, a.UUID, b.UUID)
	assert.Equal(t, a.Challenge, ChallengeFor(a.Verifier), "challenge derivation is deterministic")
}

func TestNewChallengeParams_ShortRead(t *testing.T) {
	_, err := NewChallengeParams(iotest.ErrReader(errors.New("entropy exhausted")))
	require.Error(t, err)
}

func TestChallengeFor_KnownVector(t *testing.T) {
	assert.Equal(t,
		"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		ChallengeFor("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"),
	)
}

type scriptedPoll struct {
	pending int
	calls   int
	seen    []ChallengeParams
}

func (s *scriptedPoll) poll(_ context.Context, params ChallengeParams) (int, []byte, error) {
	s.calls++
	s.seen = append(s.seen, params)
	if s.pending >= 0 && s.calls > s.pending {
		return http.StatusOK, []byte(`{"authId":"auth0|1","accessToken":"acc","refreshToken":"ref"}`), nil
	}
	return http.StatusNotFound, nil, nil
}

func newPoller(opts Options, rec *pace.Recorder) *Poller {
	return NewPoller(opts, pace.NewFixed(1, rec.Sleep), logging.Nop())
}

func TestAcquireSessionToken_PendingThenTokens(t *testing.T) {
	const pending = 4
	page := browsertest.NewPage()
	rec := &pace.Recorder{}
	sp := &scriptedPoll{pending: pending}

	out, err := newPoller(DefaultOptions("https://provider.example/loginDeepControl"), rec).
		AcquireSessionToken(context.Background(), page, sp.poll)
	require.NoError(t, err)

	assert.True(t, out.OK())
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, "acc", out.AccessToken)
	assert.Equal(t, "ref", out.RefreshToken)
	assert.Equal(t, "auth0|1", out.AuthID)
	assert.Equal(t, pending+1, sp.calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, rec.Sleeps)

	require.Len(t, page.Navigated, 1)
	link, err := url.Parse(page.Navigated[0])
	require.NoError(t, err)
	q := link.Query()
	assert.Equal(t, "login", q.Get("mode"))
	assert.Equal(t, sp.seen[0].UUID, q.Get("uuid"))
	assert.Equal(t, sp.seen[0].Challenge, q.Get("challenge"))
	assert.Equal(t, ChallengeFor(sp.seen[0].Verifier), q.Get("challenge"))
}

func TestAcquireSessionToken_TimesOut(t *testing.T) {
	rec := &pace.Recorder{}
	sp := &scriptedPoll{pending: -1}

	out, err := newPoller(DefaultOptions("https://provider.example/deep"), rec).
		AcquireSessionToken(context.Background(), browsertest.NewPage(), sp.poll)
	require.NoError(t, err)

	assert.Equal(t, StatusTimeout, out.Status)
	assert.False(t, out.OK())
	assert.Empty(t, out.AccessToken)
	assert.Empty(t, out.RefreshToken)
	assert.Equal(t, 30, sp.calls)
	assert.Equal(t, 29, rec.Count(2*time.Second))
}

func TestAcquireSessionToken_TransientFailuresKeepPolling(t *testing.T) {
	calls := 0
	poll := func(context.Context, ChallengeParams) (int, []byte, error) {
		calls++
		switch calls {
		case 1:
			return 0, nil, errors.New("connection refused")
		case 2:
			return http.StatusInternalServerError, nil, nil
		case 3:
			return http.StatusOK, []byte(`not json`), nil
		default:
			return http.StatusOK, []byte(`{"authId":"auth0|2","accessToken":"a","refreshToken":"r"}`), nil
		}
	}

	out, err := newPoller(DefaultOptions("https://provider.example/deep"), &pace.Recorder{}).
		AcquireSessionToken(context.Background(), browsertest.NewPage(), poll)
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Equal(t, 4, out.Attempts)
}

func TestAcquireSessionToken_IncompleteBodyKeepsPolling(t *testing.T) {
	bodies := []string{
		`{"accessToken":"acc"}`,
		`{"accessToken":"acc","refreshToken":"ref"}`,
		`{"authId":"auth0|3","accessToken":"acc"}`,
		`{"authId":"auth0|3","refreshToken":"ref"}`,
		`{"authId":"auth0|3","accessToken":"acc","refreshToken":"ref"}`,
	}
	calls := 0
	poll := func(context.Context, ChallengeParams) (int, []byte, error) {
		body := bodies[min(calls, len(bodies)-1)]
		calls++
		return http.StatusOK, []byte(body), nil
	}
	rec := &pace.Recorder{}

	out, err := newPoller(DefaultOptions("https://provider.example/deep"), rec).
		AcquireSessionToken(context.Background(), browsertest.NewPage(), poll)
	require.NoError(t, err)

	require.True(t, out.OK())
	assert.Equal(t, 5, out.Attempts)
	assert.Equal(t, "auth0|3", out.AuthID)
	assert.Equal(t, 4, rec.Count(2*time.Second))
}

func TestAcquireSessionToken_AccessTokenAloneTimesOut(t *testing.T) {
	poll := func(context.Context, ChallengeParams) (int, []byte, error) {
		return http.StatusOK, []byte(`{"accessToken":"acc"}`), nil
	}

	out, err := newPoller(DefaultOptions("https://provider.example/deep"), &pace.Recorder{}).
		AcquireSessionToken(context.Background(), browsertest.NewPage(), poll)
	require.NoError(t, err)

	assert.Equal(t, StatusTimeout, out.Status)
	assert.False(t, out.OK())
	assert.Empty(t, out.AccessToken)
}

func TestOutcome_OKNeedsAllFields(t *testing.T) {
	full := Outcome{Status: StatusOK, AuthID: "id", AccessToken: "a", RefreshToken: "r"}
	assert.True(t, full.OK())

	for _, o := range []Outcome{
		{Status: StatusOK, AccessToken: "a", RefreshToken: "r"},
		{Status: StatusOK, AuthID: "id", RefreshToken: "r"},
		{Status: StatusOK, AuthID: "id", AccessToken: "a"},
		{Status: StatusTimeout, AuthID: "id", AccessToken: "a", RefreshToken: "r"},
	} {
		assert.False(t, o.OK(), "%+v", o)
	}
}

func TestAcquireSessionToken_ConfirmsGrant(t *testing.T) {
	const signal browser.Locator = "text:Yes, Log In"
	page := browsertest.NewPage()
	page.OnFind = func(loc browser.Locator, n int) (bool, error) {
		return loc == signal && n >= 3, nil
	}
	rec := &pace.Recorder{}

	opts := DefaultOptions("https://provider.example/deep")
	opts.ConfirmSignal = signal
	opts.ConfirmScript = "() => document.querySelectorAll('button')[1].click()"

	sp := &scriptedPoll{pending: 0}
	out, err := newPoller(opts, rec).AcquireSessionToken(context.Background(), page, sp.poll)
	require.NoError(t, err)

	assert.True(t, out.OK())
	assert.Equal(t, []string{opts.ConfirmScript}, page.Scripts)
	assert.Equal(t, 3, page.FindCount(signal))
	assert.Equal(t, 2, rec.Count(time.Second))
}

func TestAcquireSessionToken_ConfirmIsBounded(t *testing.T) {
	page := browsertest.NewPage()
	opts := DefaultOptions("https://provider.example/deep")
	opts.ConfirmSignal = "text:never"
	opts.ConfirmScript = "() => 1"

	sp := &scriptedPoll{pending: 0}
	out, err := newPoller(opts, &pace.Recorder{}).AcquireSessionToken(context.Background(), page, sp.poll)
	require.NoError(t, err)

	assert.True(t, out.OK())
	assert.Equal(t, 10, page.FindCount("text:never"))
	assert.Empty(t, page.Scripts)
}

func TestHTTPPoll(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		if r.URL.Path != "/auth/poll" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"accessToken":"x"}`))
	}))
	t.Cleanup(srv.Close)

	params := ChallengeParams{Verifier: "v-1", Challenge: "c", UUID: "u-1"}
	status, body, err := HTTPPoll(srv.Client(), srv.URL+"/auth/poll")(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"accessToken":"x"}`, string(body))
	assert.Equal(t, "u-1", got.Get("uuid"))
	assert.Equal(t, "v-1", got.Get("verifier"))
}

func TestTokenFromCookie(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{in: "user_01ABC%3A%3AeyJhbGciOi.payload", want: "eyJhbGciOi.payload", wantOK: true},
		{in: "user_01ABC::tok", want: "tok", wantOK: true},
		{in: "no-separator", wantOK: false},
		{in: "user::", wantOK: false},
		{in: "user_01%3A%3Aab+cd/ef", want: "ab+cd/ef", wantOK: true},
		{in: "user_01::a+b", want: "a+b", wantOK: true},
	}
	for _, tt := range tests {
		got, ok := TokenFromCookie(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
