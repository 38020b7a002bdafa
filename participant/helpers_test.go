package participant

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/tpc/driver"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []ResolutionEvent
}

func (n *recordingNotifier) Notify(ev ResolutionEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) Events() []ResolutionEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ResolutionEvent(nil), n.events...)
}

type fixture struct {
	mock        *driver.MockDriver
	participant *Participant
	registry    *Registry
	scanner     *Scanner
	notifier    *recordingNotifier
	now         time.Time
}

func newFixture() *fixture {
	f := &fixture{
		mock:     driver.NewMockDriver("testdb"),
		notifier: &recordingNotifier{},
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.mock.SetClock(func() time.Time { return f.now })
	f.participant = NewParticipant("testdb", f.mock)
	f.participant.SetNotifier(f.notifier)
	f.registry = NewRegistry(f.participant)
	f.scanner = NewScanner(f.participant)
	f.scanner.now = func() time.Time { return f.now }
	return f
}

// listedXIDs is the sorted set of identifiers the catalog currently holds.
func listedXIDs(t *testing.T, sc *Scanner) []string {
	t.Helper()
	txns, err := sc.ListPrepared(context.Background())
	require.NoError(t, err)
	xids := make([]string, 0, len(txns))
	for _, txn := range txns {
		xids = append(xids, txn.XID)
	}
	sort.Strings(xids)
	return xids
}
