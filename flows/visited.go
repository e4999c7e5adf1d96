package flows

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"solarsystem/domain"
	"solarsystem/metrics"
	"solarsystem/vault"
)

const (
	VisitedPageSize    = 100
	VisitedPollTimeout = 10 * time.Second
)

// DisplayEntry is one probe received by this party.
type DisplayEntry struct {
	From    string `json:"from"`
	Message string `json:"message"`
}

func (e DisplayEntry) String() string {
	return "From: " + e.From + " - Message: " + e.Message
}

// VisitedLister lists the probes that other parties launched at us.
type VisitedLister struct {
	self        domain.Party
	vault       Vault
	metrics     *metrics.Flows
	logger      *slog.Logger
	pageSize    int
	pollTimeout time.Duration
}

func NewVisitedLister(self domain.Party, v Vault, m *metrics.Flows, logger *slog.Logger) *VisitedLister {
	return &VisitedLister{
		self:        self,
		vault:       v,
		metrics:     m,
		logger:      logger,
		pageSize:    VisitedPageSize,
		pollTimeout: VisitedPollTimeout,
	}
}

// WithPaging overrides the page size and per-poll timeout. Non-positive
// values keep the defaults.
func (l *VisitedLister) WithPaging(pageSize int, pollTimeout time.Duration) *VisitedLister {
	if pageSize > 0 {
		l.pageSize = pageSize
	}
	if pollTimeout > 0 {
		l.pollTimeout = pollTimeout
	}
	return l
}

// ListVisited returns every probe whose launcher is not us, in recording
// order.
func (l *VisitedLister) ListVisited(ctx context.Context) ([]DisplayEntry, error) {
	var out []DisplayEntry
	for e, err := range l.Visited(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// VisitedPage is one page of received probes. Next resumes the listing and
// is empty on the last page.
type VisitedPage struct {
	Entries []DisplayEntry `json:"entries"`
	Next    string         `json:"nextPageToken,omitempty"`
}

// PageVisited returns a single page of the listing. An empty token opens a
// new cursor; otherwise token must be the Next of an earlier page.
func (l *VisitedLister) PageVisited(ctx context.Context, token string) (VisitedPage, error) {
	ctx, span := tracer.Start(ctx, "flows.PageVisited")
	defer span.End()

	var cursor *vault.Cursor
	var err error
	if token == "" {
		cursor, err = l.vault.Query(ctx, vault.QueryFindByLauncherNot, map[string]string{
			vault.ParamLauncher: l.self.Name.String(),
		})
		if err != nil {
			return VisitedPage{}, domain.Wrap(domain.CodePersistenceFailure, "open visited query", err)
		}
	} else {
		cursor, err = l.vault.Resume(ctx, token)
		if err != nil {
			return VisitedPage{}, domain.Wrap(domain.CodeInput, "invalid page token", err)
		}
	}

	res, err := cursor.Poll(ctx, l.pageSize, l.pollTimeout)
	l.metrics.CursorPoll()
	if err != nil {
		return VisitedPage{}, domain.Wrap(domain.CodePersistenceFailure, "poll visited probes", err)
	}
	page := VisitedPage{Entries: make([]DisplayEntry, 0, len(res.Values))}
	for _, s := range res.Values {
		page.Entries = append(page.Entries, DisplayEntry{From: s.Launcher.Name.String(), Message: s.Message})
	}
	if !res.IsLastResult {
		if page.Next, err = cursor.Token(); err != nil {
			return VisitedPage{}, domain.Wrap(domain.CodeInternal, "encode page token", err)
		}
	}
	return page, nil
}

// Visited yields the same entries as ListVisited one page at a time. The
// sequence stops after the first error.
func (l *VisitedLister) Visited(ctx context.Context) iter.Seq2[DisplayEntry, error] {
	return func(yield func(DisplayEntry, error) bool) {
		ctx, span := tracer.Start(ctx, "flows.ListVisited")
		defer span.End()

		cursor, err := l.vault.Query(ctx, vault.QueryFindByLauncherNot, map[string]string{
			vault.ParamLauncher: l.self.Name.String(),
		})
		if err != nil {
			yield(DisplayEntry{}, domain.Wrap(domain.CodePersistenceFailure, "open visited query", err))
			return
		}

		polls := 0
		for {
			page, err := cursor.Poll(ctx, l.pageSize, l.pollTimeout)
			l.metrics.CursorPoll()
			if err != nil {
				yield(DisplayEntry{}, domain.Wrap(domain.CodePersistenceFailure, "poll visited probes", err))
				return
			}
			polls++
			for _, s := range page.Values {
				if !yield(DisplayEntry{From: s.Launcher.Name.String(), Message: s.Message}, nil) {
					return
				}
			}
			if page.IsLastResult {
				l.logger.Debug("visited probes listed", "polls", polls)
				return
			}
		}
	}
}
