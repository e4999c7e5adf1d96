package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"solarsystem/domain"
	"solarsystem/flows"
	"solarsystem/identity"
	"solarsystem/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const marsName = "OU=Planet, O=Mars, L=Solar System, C=GB"

type LauncherMock struct {
	mock.Mock
}

func (l *LauncherMock) LaunchProbe(ctx context.Context, p flows.LaunchParams) (flows.Digest, error) {
	args := l.Called(ctx, p)
	return args.Get(0).(flows.Digest), args.Error(1)
}

type VisitedMock struct {
	mock.Mock
}

func (v *VisitedMock) ListVisited(ctx context.Context) ([]flows.DisplayEntry, error) {
	args := v.Called(ctx)
	entries, _ := args.Get(0).([]flows.DisplayEntry)
	return entries, args.Error(1)
}

func (v *VisitedMock) PageVisited(ctx context.Context, token string) (flows.VisitedPage, error) {
	args := v.Called(ctx, token)
	return args.Get(0).(flows.VisitedPage), args.Error(1)
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestServer(t *testing.T, launcher Launcher, visited VisitedLister) (*Server, *Tracker) {
	t.Helper()
	earthKey := bytes.Repeat([]byte{1}, 32)
	self := identity.Member{Name: domain.MustParseName("OU=Planet, O=Earth, L=Solar System, C=GB"), Key: earthKey}
	dir := identity.NewDirectory(self, identity.Member{Name: domain.MustParseName(marsName), Key: bytes.Repeat([]byte{2}, 32)})

	reg := prometheus.NewRegistry()
	metrics.NewFlows(reg).Launch("OK")

	tracker := NewTracker(launcher, quiet())
	t.Cleanup(tracker.Close)
	return NewServer(Config{Self: self, Tracker: tracker, Visited: visited, Members: dir, Gatherer: reg, Logger: quiet()}), tracker
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func waitFor(t *testing.T, h http.Handler, flowID string, status FlowStatus) FlowOutcome {
	t.Helper()
	var o FlowOutcome
	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/flows/"+flowID+"/outcome", "")
		if rec.Code != http.StatusOK {
			return false
		}
		o = decode[FlowOutcome](t, rec)
		return o.Status == status
	}, time.Second, 5*time.Millisecond)
	return o
}

func TestLaunchProbeCompletes(t *testing.T) {
	launcher := &LauncherMock{}
	want := flows.LaunchParams{Message: "Hey Mars", PlanetaryOnly: true, Target: domain.MustParseName(marsName)}
	digest := flows.Digest{TxID: "bafk-tx", Signatures: []string{"a", "b", "c"}}
	release := make(chan time.Time)
	launcher.On("LaunchProbe", mock.Anything, want).WaitUntil(release).Return(digest, nil).Once()

	s, _ := newTestServer(t, launcher, &VisitedMock{})
	body := `{"clientId":"c-1","message":"Hey Mars","target":"` + marsName + `","planetaryOnly":"true"}`

	rec := do(t, s, http.MethodPost, "/flows/launch-probe", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	started := decode[launchResponse](t, rec)
	require.NotEmpty(t, started.FlowID)

	running := decode[FlowOutcome](t, do(t, s, http.MethodGet, "/flows/"+started.FlowID+"/outcome", ""))
	assert.Equal(t, StatusRunning, running.Status)

	again := do(t, s, http.MethodPost, "/flows/launch-probe", body)
	assert.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, started.FlowID, decode[launchResponse](t, again).FlowID)

	close(release)
	done := waitFor(t, s, started.FlowID, StatusCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, "bafk-tx", done.Result.TxID)
	assert.Equal(t, "c-1", done.ClientID)
	launcher.AssertExpectations(t)
}

func TestTrackerEvictsFinishedOutcomes(t *testing.T) {
	mars := domain.MustParseName(marsName)
	fast := flows.LaunchParams{Message: "fast", Target: mars}
	slow := flows.LaunchParams{Message: "slow", Target: mars}
	release := make(chan time.Time)
	launcher := &LauncherMock{}
	launcher.On("LaunchProbe", mock.Anything, fast).Return(flows.Digest{TxID: "bafk-fast"}, nil)
	launcher.On("LaunchProbe", mock.Anything, slow).WaitUntil(release).Return(flows.Digest{TxID: "bafk-slow"}, nil).Once()

	var clock atomic.Int64
	clock.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	tracker := NewTracker(launcher, quiet()).WithRetention(time.Minute)
	tracker.now = func() time.Time { return time.Unix(0, clock.Load()) }
	t.Cleanup(tracker.Close)

	doneID, started := tracker.Start("c-fast", fast)
	require.True(t, started)
	slowID, started := tracker.Start("c-slow", slow)
	require.True(t, started)
	require.Eventually(t, func() bool {
		o, ok := tracker.Outcome(doneID)
		return ok && o.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)

	clock.Add(int64(2 * time.Minute))

	_, ok := tracker.Outcome(doneID)
	assert.False(t, ok)
	running, ok := tracker.Outcome(slowID)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, running.Status)

	againID, started := tracker.Start("c-fast", fast)
	assert.True(t, started)
	assert.NotEqual(t, doneID, againID)

	close(release)
}

func TestLaunchProbeFails(t *testing.T) {
	launcher := &LauncherMock{}
	launcher.On("LaunchProbe", mock.Anything, mock.Anything).
		Return(flows.Digest{}, domain.New(domain.CodeRuleViolation, "Planetary Probes Must only visit planets"))

	s, _ := newTestServer(t, launcher, &VisitedMock{})
	rec := do(t, s, http.MethodPost, "/flows/launch-probe",
		`{"clientId":"c-2","message":"Hey Europa","target":"OU=Moon, O=Europa, L=Solar System, C=GB","planetaryOnly":"true"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	o := waitFor(t, s, decode[launchResponse](t, rec).FlowID, StatusFailed)
	require.NotNil(t, o.Error)
	assert.Equal(t, domain.CodeRuleViolation, o.Error.Code)
	assert.Equal(t, "Planetary Probes Must only visit planets", o.Error.Reason)
	assert.Nil(t, o.Result)
}

func TestLaunchProbeBadRequests(t *testing.T) {
	testCases := []struct {
		name    string
		body    string
		message string
	}{
		{name: "not json", body: `{`, message: "malformed request body"},
		{name: "unknown field", body: `{"clientId":"c","flowClassName":"x"}`, message: "malformed request body"},
		{name: "no client id", body: `{"message":"Hey","target":"` + marsName + `","planetaryOnly":"true"}`, message: `Parameter "clientId" missing.`},
		{name: "no message", body: `{"clientId":"c","target":"` + marsName + `","planetaryOnly":"true"}`, message: `Parameter "message" missing.`},
		{name: "no planetaryOnly", body: `{"clientId":"c","message":"Hey","target":"` + marsName + `"}`, message: `Parameter "planetaryOnly" missing.`},
		{name: "no target", body: `{"clientId":"c","message":"Hey","planetaryOnly":"true"}`, message: `Parameter "target" missing.`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			launcher := &LauncherMock{}
			s, _ := newTestServer(t, launcher, &VisitedMock{})

			rec := do(t, s, http.MethodPost, "/flows/launch-probe", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode[errorBody](t, rec)
			assert.Equal(t, domain.CodeInput, body.Code)
			assert.Contains(t, body.Message, tc.message)
			launcher.AssertNotCalled(t, "LaunchProbe", mock.Anything, mock.Anything)
		})
	}
}

func TestFlowOutcomeUnknown(t *testing.T) {
	s, _ := newTestServer(t, &LauncherMock{}, &VisitedMock{})
	rec := do(t, s, http.MethodGet, "/flows/nope/outcome", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListVisited(t *testing.T) {
	testCases := []struct {
		name       string
		setup      func(*VisitedMock)
		wantStatus int
		wantLines  []string
	}{
		{
			name: "entries",
			setup: func(v *VisitedMock) {
				v.On("ListVisited", mock.Anything).Return([]flows.DisplayEntry{{From: "O=Earth, L=Solar System, C=GB", Message: "Hey Mars"}}, nil)
			},
			wantStatus: http.StatusOK,
			wantLines:  []string{"From: O=Earth, L=Solar System, C=GB - Message: Hey Mars"},
		},
		{
			name: "nothing received",
			setup: func(v *VisitedMock) {
				v.On("ListVisited", mock.Anything).Return(nil, nil)
			},
			wantStatus: http.StatusOK,
			wantLines:  []string{},
		},
		{
			name: "vault failure",
			setup: func(v *VisitedMock) {
				v.On("ListVisited", mock.Anything).Return(nil, domain.Wrap(domain.CodePersistenceFailure, "poll visited probes", errors.New("disk")))
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			visited := &VisitedMock{}
			tc.setup(visited)
			s, _ := newTestServer(t, &LauncherMock{}, visited)

			rec := do(t, s, http.MethodPost, "/flows/list-visited", "")
			require.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantLines != nil {
				assert.Equal(t, tc.wantLines, decode[visitedResponse](t, rec).Lines)
			}
			visited.AssertExpectations(t)
		})
	}
}

func TestListVisitedPaged(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		setup      func(*VisitedMock)
		wantStatus int
		wantNext   string
	}{
		{
			name: "first page",
			body: `{"paged":true}`,
			setup: func(v *VisitedMock) {
				v.On("PageVisited", mock.Anything, "").Return(flows.VisitedPage{
					Entries: []flows.DisplayEntry{{From: "O=Earth, L=Solar System, C=GB", Message: "Hey Mars"}},
					Next:    "tok-1",
				}, nil)
			},
			wantStatus: http.StatusOK,
			wantNext:   "tok-1",
		},
		{
			name: "last page",
			body: `{"pageToken":"tok-1"}`,
			setup: func(v *VisitedMock) {
				v.On("PageVisited", mock.Anything, "tok-1").Return(flows.VisitedPage{}, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "bad token",
			body: `{"pageToken":"garbage"}`,
			setup: func(v *VisitedMock) {
				v.On("PageVisited", mock.Anything, "garbage").Return(flows.VisitedPage{}, domain.New(domain.CodeInput, "invalid page token"))
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown field",
			body:       `{"cursor":"x"}`,
			setup:      func(v *VisitedMock) {},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			visited := &VisitedMock{}
			tc.setup(visited)
			s, _ := newTestServer(t, &LauncherMock{}, visited)

			rec := do(t, s, http.MethodPost, "/flows/list-visited", tc.body)
			require.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantStatus == http.StatusOK {
				assert.Equal(t, tc.wantNext, decode[visitedResponse](t, rec).NextPageToken)
			}
			visited.AssertExpectations(t)
			visited.AssertNotCalled(t, "ListVisited", mock.Anything)
		})
	}
}

func TestMembers(t *testing.T) {
	s, _ := newTestServer(t, &LauncherMock{}, &VisitedMock{})

	rec := do(t, s, http.MethodGet, "/members/me", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"OU=Planet, O=Earth, L=Solar System, C=GB"`)

	rec = do(t, s, http.MethodGet, "/members", "")
	require.Equal(t, http.StatusOK, rec.Code)
	members := decode[membersResponse](t, rec)
	assert.Len(t, members.Members, 2)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &LauncherMock{}, &VisitedMock{})
	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "probe_launches_total")
}

func TestStatusOf(t *testing.T) {
	testCases := map[domain.Code]int{
		domain.CodeInput:              http.StatusBadRequest,
		domain.CodeIdentityResolution: http.StatusBadRequest,
		domain.CodeRuleViolation:      http.StatusUnprocessableEntity,
		domain.CodeNotaryConflict:     http.StatusConflict,
		domain.CodeProtocolAbort:      http.StatusBadGateway,
		domain.CodeNotaryRejection:    http.StatusInternalServerError,
		domain.CodePersistenceFailure: http.StatusInternalServerError,
		domain.CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range testCases {
		assert.Equal(t, want, statusOf(code), code)
	}
}
